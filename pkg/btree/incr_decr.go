package btree

import (
	"context"
	"math"

	"btreekv/pkg/castime"
	"btreekv/pkg/codec"
	"btreekv/pkg/fatal"
	"btreekv/pkg/order"
	"btreekv/pkg/types"
)

// IncrDecrStatus is the outcome of an incr/decr call. Exactly one is
// produced per call and only IncrDecrSuccess mutates the tree.
type IncrDecrStatus uint8

const (
	IncrDecrSuccess IncrDecrStatus = iota
	IncrDecrNotFound
	IncrDecrNotANumber
	IncrDecrCasMismatch
	IncrDecrOverflow
	IncrDecrUnderflow
)

var incrDecrStatusNames = [...]string{
	IncrDecrSuccess:     "success",
	IncrDecrNotFound:    "not_found",
	IncrDecrNotANumber:  "not_a_number",
	IncrDecrCasMismatch: "cas_mismatch",
	IncrDecrOverflow:    "overflow",
	IncrDecrUnderflow:   "underflow",
}

func (s IncrDecrStatus) String() string {
	if int(s) < len(incrDecrStatusNames) {
		return incrDecrStatusNames[s]
	}
	return "unknown"
}

// IncrDecrResult carries the status and, on success, the stored outcome.
type IncrDecrResult struct {
	Status       IncrDecrStatus
	NewValue     uint64
	NewCAS       types.CAS
	NewTimestamp types.Timestamp
}

// IncrDecr adds delta to (increment) or subtracts it from the counter stored
// at key, inside a transaction of its own. The transaction is committed only
// when the result is IncrDecrSuccess.
//
// The error is reserved for substrate failures: ctx ending while waiting for
// earlier operations of tok's source, an invalid key, a closed slice or a
// journal failure. In all of these the tree is left unmodified.
func IncrDecr(
	ctx context.Context,
	key []byte,
	slice *Slice,
	increment bool,
	delta uint64,
	ct castime.Token,
	tok order.Token,
) (IncrDecrResult, error) {
	if err := validateKey(key); err != nil {
		slice.gate.Abandon(tok)
		return IncrDecrResult{}, err
	}

	txn, sb, err := slice.Begin(ctx, WriteMode, tok)
	if err != nil {
		return IncrDecrResult{}, err
	}
	defer txn.Abort()

	res, err := IncrDecrTxn(key, slice, increment, delta, ct, tok, txn, sb)
	if err != nil || res.Status != IncrDecrSuccess {
		return res, err
	}

	if err := txn.Commit(); err != nil {
		return IncrDecrResult{}, err
	}

	return res, nil
}

// IncrDecrTxn is IncrDecr for callers that already hold a write transaction
// on slice, for example to apply several operations atomically. It neither
// commits nor aborts txn.
func IncrDecrTxn(
	key []byte,
	slice *Slice,
	increment bool,
	delta uint64,
	ct castime.Token,
	tok order.Token,
	txn *Transaction,
	sb *Superblock,
) (IncrDecrResult, error) {
	fatal.Guarantee(slice.reporter, txn != nil && txn.slice == slice,
		"incr/decr on slice %s with a transaction of another slice", slice.name)

	stored, found, err := Lookup(txn, sb, key)
	if err != nil {
		return IncrDecrResult{}, err
	}
	if !found {
		return IncrDecrResult{Status: IncrDecrNotFound}, nil
	}

	current, err := codec.ParseUint64(stored.Data)
	if err != nil {
		return IncrDecrResult{Status: IncrDecrNotANumber}, nil
	}

	if !ct.Matches(stored.CAS) {
		return IncrDecrResult{Status: IncrDecrCasMismatch}, nil
	}

	next, status := applyDelta(current, increment, delta)
	if status != IncrDecrSuccess {
		return IncrDecrResult{Status: status}, nil
	}

	replacement := StoredValue{
		Data:      codec.FormatUint64(next),
		CAS:       ct.Proposed.CAS,
		Timestamp: ct.Proposed.Timestamp,
		Flags:     stored.Flags,
		Exptime:   stored.Exptime,
	}
	if err := Write(txn, sb, key, replacement, tok); err != nil {
		return IncrDecrResult{}, err
	}

	return IncrDecrResult{
		Status:       IncrDecrSuccess,
		NewValue:     next,
		NewCAS:       replacement.CAS,
		NewTimestamp: replacement.Timestamp,
	}, nil
}

// applyDelta checks the range before doing the arithmetic, so the result
// never wraps.
func applyDelta(current uint64, increment bool, delta uint64) (uint64, IncrDecrStatus) {
	if increment {
		if delta > math.MaxUint64-current {
			return 0, IncrDecrOverflow
		}
		return current + delta, IncrDecrSuccess
	}

	if delta > current {
		return 0, IncrDecrUnderflow
	}
	return current - delta, IncrDecrSuccess
}
