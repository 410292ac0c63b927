package btree

import (
	"context"

	"btreekv/pkg/order"
)

// Get reads the value at key in a read transaction of its own. The returned
// value does not share memory with the tree.
func Get(ctx context.Context, key []byte, slice *Slice, tok order.Token) (StoredValue, bool, error) {
	if err := validateKey(key); err != nil {
		slice.gate.Abandon(tok)
		return StoredValue{}, false, err
	}

	txn, sb, err := slice.Begin(ctx, ReadMode, tok)
	if err != nil {
		return StoredValue{}, false, err
	}
	defer txn.Abort()

	sv, found, err := Lookup(txn, sb, key)
	if err != nil || !found {
		return StoredValue{}, false, err
	}

	return sv.Clone(), true, nil
}
