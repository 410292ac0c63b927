package btree

import (
	"bytes"

	"btreekv/pkg/castime"
	"btreekv/pkg/fatal"
	"btreekv/pkg/order"
	"btreekv/pkg/types"
	"btreekv/pkg/wal"
)

// Lookup finds the entry for key in sb. The returned Data is owned by the
// tree and must not be modified. Expired entries are reported absent.
func Lookup(txn *Transaction, sb *Superblock, key []byte) (StoredValue, bool, error) {
	if err := validateKey(key); err != nil {
		return StoredValue{}, false, err
	}
	if err := txn.checkOwnership(txn.slice, sb); err != nil {
		return StoredValue{}, false, err
	}

	l, ok := sb.root.Get(&leaf{key: key})
	if !ok {
		return StoredValue{}, false, nil
	}
	fatal.Guarantee(txn.slice.reporter, l != nil && bytes.Equal(l.key, key),
		"slice %s: traversal for %q returned a mismatched leaf", txn.slice.name, key)

	if l.value.expired(txn.slice.now()) {
		return StoredValue{}, false, nil
	}

	return l.value, true, nil
}

// Write replaces the entry for key with sv. sv.CAS and sv.Timestamp carry the
// new stamp; the stamp of an existing entry must never be reused or go
// backwards.
func Write(txn *Transaction, sb *Superblock, key []byte, sv StoredValue, tok order.Token) error {
	s := txn.slice
	if err := validateKey(key); err != nil {
		return err
	}
	if len(sv.Data) > types.MaxValueSize {
		return ErrValueTooLarge
	}
	if err := txn.checkOwnership(s, sb); err != nil {
		return err
	}
	if txn.mode != WriteMode {
		return ErrReadOnly
	}

	s.checkpoint.Check(tok)

	fatal.Guarantee(s.reporter, sv.CAS != 0, "slice %s: write of %q without a CAS value", s.name, key)
	if prev, ok := sb.root.Get(&leaf{key: key}); ok {
		fatal.Guarantee(s.reporter, sv.CAS != prev.value.CAS,
			"slice %s: CAS %d reused for %q", s.name, sv.CAS, key)
		fatal.Guarantee(s.reporter, sv.Timestamp >= prev.value.Timestamp,
			"slice %s: timestamp of %q went backwards from %d to %d", s.name, key, prev.value.Timestamp, sv.Timestamp)
	}

	k := bytes.Clone(key)
	sv.Data = bytes.Clone(sv.Data)
	sb.root.ReplaceOrInsert(&leaf{key: k, value: sv})

	txn.record(wal.Entry{
		Op:        wal.OpSet,
		Key:       k,
		Value:     sv.Data,
		CAS:       sv.CAS,
		Timestamp: sv.Timestamp,
		Flags:     sv.Flags,
		Exptime:   sv.Exptime,
	}, sv.CASTime())

	return nil
}

// Remove deletes the entry for key from sb. It reports whether a live entry
// was removed.
func Remove(txn *Transaction, sb *Superblock, key []byte, tok order.Token) (bool, error) {
	s := txn.slice
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := txn.checkOwnership(s, sb); err != nil {
		return false, err
	}
	if txn.mode != WriteMode {
		return false, ErrReadOnly
	}

	s.checkpoint.Check(tok)

	l, ok := sb.root.Delete(&leaf{key: key})
	if !ok {
		return false, nil
	}

	txn.record(wal.Entry{Op: wal.OpDelete, Key: l.key}, castime.CASTime{})

	return !l.value.expired(s.now()), nil
}
