package btree

import (
	"bytes"
	"time"

	"btreekv/pkg/castime"
	"btreekv/pkg/types"
)

// StoredValue is the record kept in a leaf entry.
type StoredValue struct {
	Data      []byte
	CAS       types.CAS
	Timestamp types.Timestamp
	Flags     types.Flags
	Exptime   types.Exptime
}

// CASTime returns the stamp of the value.
func (sv StoredValue) CASTime() castime.CASTime {
	return castime.CASTime{CAS: sv.CAS, Timestamp: sv.Timestamp}
}

// Clone returns a copy that does not share Data with the tree.
func (sv StoredValue) Clone() StoredValue {
	sv.Data = bytes.Clone(sv.Data)
	return sv
}

func (sv StoredValue) expired(now time.Time) bool {
	return sv.Exptime != 0 && now.Unix() >= int64(sv.Exptime)
}

// leaf is the item stored in the tree. Leaves are shared between
// copy-on-write clones and are never modified after insertion.
type leaf struct {
	key   []byte
	value StoredValue
}

func lessLeaf(a, b *leaf) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func validateKey(key []byte) error {
	switch {
	case len(key) == 0:
		return ErrEmptyKey
	case len(key) > types.MaxKeySize:
		return ErrKeyTooLarge
	}
	return nil
}
