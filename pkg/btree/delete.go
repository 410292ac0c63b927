package btree

import (
	"context"

	"btreekv/pkg/order"
)

// Delete removes key in a write transaction of its own and reports whether a
// live entry was removed.
func Delete(ctx context.Context, key []byte, slice *Slice, tok order.Token) (bool, error) {
	if err := validateKey(key); err != nil {
		slice.gate.Abandon(tok)
		return false, err
	}

	txn, sb, err := slice.Begin(ctx, WriteMode, tok)
	if err != nil {
		return false, err
	}
	defer txn.Abort()

	removed, err := Remove(txn, sb, key, tok)
	if err != nil {
		return false, err
	}
	if !txn.Dirty() {
		return false, nil
	}

	if err := txn.Commit(); err != nil {
		return false, err
	}

	return removed, nil
}
