package store

import (
	"fmt"

	"btreekv/pkg/btree"
	"btreekv/pkg/castime"
	"btreekv/pkg/order"
	"btreekv/pkg/types"
)

// Batch is an open transaction on one slice. Its methods are the
// externally-transactional forms of the store operations and must not be
// used after the function passed to Store.Batch returns.
type Batch struct {
	store *Store
	slice *btree.Slice
	txn   *btree.Transaction
	sb    *btree.Superblock
	tok   order.Token
}

// Slice returns the name of the slice the batch runs on.
func (b *Batch) Slice() string {
	return b.slice.Name()
}

func (b *Batch) IncrDecr(req IncrDecrRequest) (btree.IncrDecrResult, error) {
	if err := b.owns(req.Key); err != nil {
		return btree.IncrDecrResult{}, err
	}
	return btree.IncrDecrTxn(req.Key, b.slice, req.Increment, req.Delta, b.stamp(req.ExpectedCAS), b.tok, b.txn, b.sb)
}

// Get returns a copy of the value at key as this transaction sees it.
func (b *Batch) Get(key []byte) (btree.StoredValue, bool, error) {
	if err := b.owns(key); err != nil {
		return btree.StoredValue{}, false, err
	}
	sv, found, err := btree.Lookup(b.txn, b.sb, key)
	if err != nil || !found {
		return btree.StoredValue{}, false, err
	}
	return sv.Clone(), true, nil
}

// Set stores req at key. A non-zero expected turns it into a
// compare-and-set.
func (b *Batch) Set(key []byte, req btree.SetRequest, expected types.CAS) (btree.SetResult, error) {
	if err := b.owns(key); err != nil {
		return btree.SetResult{}, err
	}
	return btree.SetTxn(key, b.slice, req, b.stamp(expected), b.tok, b.txn, b.sb)
}

func (b *Batch) Delete(key []byte) (bool, error) {
	if err := b.owns(key); err != nil {
		return false, err
	}
	return btree.Remove(b.txn, b.sb, key, b.tok)
}

// stamp draws a fresh CAS and timestamp. It runs under the slice's write
// transaction, so stamps on one slice never go backwards.
func (b *Batch) stamp(expected types.CAS) castime.Token {
	ct := b.store.gen.Next()
	if expected != 0 {
		ct = ct.WithExpected(expected)
	}
	return ct
}

func (b *Batch) owns(key []byte) error {
	if owner := b.store.route(key); owner != b.slice {
		return fmt.Errorf("%w: %q is on %s, batch is on %s", ErrCrossSlice, key, owner.Name(), b.slice.Name())
	}
	return nil
}
