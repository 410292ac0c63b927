package btree

import (
	"context"

	"btreekv/pkg/castime"
	"btreekv/pkg/order"
	"btreekv/pkg/types"
)

// SetMode selects when a set is allowed to store.
type SetMode uint8

const (
	// SetAlways stores unconditionally (subject to the token's CAS
	// expectation, if any).
	SetAlways SetMode = iota
	// SetAdd stores only if the key is absent.
	SetAdd
	// SetReplace stores only if the key is present.
	SetReplace
)

// SetStatus is the outcome of a set call.
type SetStatus uint8

const (
	SetStored SetStatus = iota
	// SetNotStored means the SetMode condition did not hold.
	SetNotStored
	// SetNotFound means a CAS expectation was given for an absent key.
	SetNotFound
	// SetExists means the CAS expectation did not match the stored CAS.
	SetExists
)

func (s SetStatus) String() string {
	switch s {
	case SetStored:
		return "stored"
	case SetNotStored:
		return "not_stored"
	case SetNotFound:
		return "not_found"
	case SetExists:
		return "exists"
	default:
		return "unknown"
	}
}

// SetRequest describes the value a set stores.
type SetRequest struct {
	Data    []byte
	Flags   types.Flags
	Exptime types.Exptime
	Mode    SetMode
}

// SetResult carries the status and, when stored, the new stamp.
type SetResult struct {
	Status SetStatus
	CAS    types.CAS
}

// Set stores req at key inside a transaction of its own.
func Set(
	ctx context.Context,
	key []byte,
	slice *Slice,
	req SetRequest,
	ct castime.Token,
	tok order.Token,
) (SetResult, error) {
	if err := validateKey(key); err != nil {
		slice.gate.Abandon(tok)
		return SetResult{}, err
	}

	txn, sb, err := slice.Begin(ctx, WriteMode, tok)
	if err != nil {
		return SetResult{}, err
	}
	defer txn.Abort()

	res, err := SetTxn(key, slice, req, ct, tok, txn, sb)
	if err != nil || res.Status != SetStored {
		return res, err
	}

	if err := txn.Commit(); err != nil {
		return SetResult{}, err
	}

	return res, nil
}

// SetTxn is Set inside a caller-owned write transaction.
func SetTxn(
	key []byte,
	slice *Slice,
	req SetRequest,
	ct castime.Token,
	tok order.Token,
	txn *Transaction,
	sb *Superblock,
) (SetResult, error) {
	stored, found, err := Lookup(txn, sb, key)
	if err != nil {
		return SetResult{}, err
	}

	if _, expectsCAS := ct.Expected(); expectsCAS {
		if !found {
			return SetResult{Status: SetNotFound}, nil
		}
		if !ct.Matches(stored.CAS) {
			return SetResult{Status: SetExists}, nil
		}
	}

	switch {
	case req.Mode == SetAdd && found:
		return SetResult{Status: SetNotStored}, nil
	case req.Mode == SetReplace && !found:
		return SetResult{Status: SetNotStored}, nil
	}

	sv := StoredValue{
		Data:      req.Data,
		CAS:       ct.Proposed.CAS,
		Timestamp: ct.Proposed.Timestamp,
		Flags:     req.Flags,
		Exptime:   req.Exptime,
	}
	if err := Write(txn, sb, key, sv, tok); err != nil {
		return SetResult{}, err
	}

	return SetResult{Status: SetStored, CAS: sv.CAS}, nil
}
