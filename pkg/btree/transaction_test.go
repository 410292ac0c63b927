package btree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btreekv/pkg/order"
	"btreekv/pkg/types"
)

func TestIncrDecrTxn_BatchCommitsAtomically(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "a", "1", 1)
	seed(t, s, "b", "1", 2)

	src := order.NewSource()
	batchTok := src.Next()
	txn, sb, err := s.Begin(context.Background(), WriteMode, batchTok)
	require.NoError(t, err)

	res, err := IncrDecrTxn([]byte("a"), s, true, 10, tok(3), batchTok, txn, sb)
	require.NoError(t, err)
	require.Equal(t, IncrDecrSuccess, res.Status)
	res, err = IncrDecrTxn([]byte("b"), s, false, 1, tok(4), batchTok, txn, sb)
	require.NoError(t, err)
	require.Equal(t, IncrDecrSuccess, res.Status)

	// the transaction sees its own writes
	sv, found, err := Lookup(txn, sb, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "11", string(sv.Data))

	require.NoError(t, txn.Commit())

	assert.Equal(t, "11", string(mustGet(t, s, "a").Data))
	assert.Equal(t, "0", string(mustGet(t, s, "b").Data))
	assert.ErrorIs(t, txn.Commit(), ErrTxnDone)
}

func TestIncrDecrTxn_AbortLeavesNothingVisible(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "a", "1", 1)
	version := s.Version()

	txn, sb, err := s.Begin(context.Background(), WriteMode, order.Ignore)
	require.NoError(t, err)
	res, err := IncrDecrTxn([]byte("a"), s, true, 10, tok(2), order.Ignore, txn, sb)
	require.NoError(t, err)
	require.Equal(t, IncrDecrSuccess, res.Status)
	txn.Abort()
	txn.Abort()

	assert.Equal(t, "1", string(mustGet(t, s, "a").Data))
	assert.Equal(t, version, s.Version())

	_, err = IncrDecrTxn([]byte("a"), s, true, 1, tok(3), order.Ignore, txn, sb)
	assert.ErrorIs(t, err, ErrTxnDone)
}

func TestIncrDecrTxn_DoesNotCommitOnItsOwn(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "a", "1", 1)

	txn, sb, err := s.Begin(context.Background(), WriteMode, order.Ignore)
	require.NoError(t, err)
	_, err = IncrDecrTxn([]byte("a"), s, true, 1, tok(2), order.Ignore, txn, sb)
	require.NoError(t, err)

	// a reader that is not part of the transaction still sees the old root
	rtxn, rsb, err := s.Begin(context.Background(), ReadMode, order.Ignore)
	require.NoError(t, err)
	sv, found, err := Lookup(rtxn, rsb, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(sv.Data))
	require.NoError(t, rtxn.Commit())

	require.NoError(t, txn.Commit())
	assert.Equal(t, "2", string(mustGet(t, s, "a").Data))
}

func TestReadTransaction_IsASnapshot(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "a", "1", 1)

	rtxn, rsb, err := s.Begin(context.Background(), ReadMode, order.Ignore)
	require.NoError(t, err)
	defer rtxn.Abort()

	require.Equal(t, IncrDecrSuccess, incr(t, s, "a", 1, tok(2)).Status)

	sv, found, err := Lookup(rtxn, rsb, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(sv.Data))
	assert.Equal(t, "2", string(mustGet(t, s, "a").Data))
}

func TestReadTransaction_RejectsWrites(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "a", "1", 1)

	txn, sb, err := s.Begin(context.Background(), ReadMode, order.Ignore)
	require.NoError(t, err)
	defer txn.Abort()

	_, err = IncrDecrTxn([]byte("a"), s, true, 1, tok(2), order.Ignore, txn, sb)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = Remove(txn, sb, []byte("a"), order.Ignore)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestTransaction_ForeignSuperblockIsAnInvariantViolation(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "a", "1", 1)

	txn, _, err := s.Begin(context.Background(), WriteMode, order.Ignore)
	require.NoError(t, err)
	defer txn.Abort()

	other := &Superblock{root: s.root.Clone()}
	v := catchViolation(func() {
		_, _, _ = Lookup(txn, other, []byte("a"))
	})
	require.NotNil(t, v)
}

func TestTransaction_BatchWithOutOfOrderTokenIsAnInvariantViolation(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "a", "1", 1)

	src := order.NewSource()
	older, newer := src.Next(), src.Next()
	s.gate.Abandon(older)

	txn, sb, err := s.Begin(context.Background(), WriteMode, newer)
	require.NoError(t, err)
	defer txn.Abort()

	_, err = IncrDecrTxn([]byte("a"), s, true, 1, tok(2), newer, txn, sb)
	require.NoError(t, err)

	v := catchViolation(func() {
		_, _ = IncrDecrTxn([]byte("a"), s, true, 1, tok(3), older, txn, sb)
	})
	require.NotNil(t, v)
	assert.Contains(t, v.Error(), "order checkpoint")
}

func TestSetTxn_Modes(t *testing.T) {
	s := newTestSlice(t)
	ctx := context.Background()

	res, err := Set(ctx, []byte("k"), s, SetRequest{Data: []byte("1"), Mode: SetReplace}, tok(1), order.Ignore)
	require.NoError(t, err)
	assert.Equal(t, SetNotStored, res.Status)

	res, err = Set(ctx, []byte("k"), s, SetRequest{Data: []byte("1"), Mode: SetAdd}, tok(2), order.Ignore)
	require.NoError(t, err)
	assert.Equal(t, SetStored, res.Status)
	assert.Equal(t, types.CAS(2), res.CAS)

	res, err = Set(ctx, []byte("k"), s, SetRequest{Data: []byte("2"), Mode: SetAdd}, tok(3), order.Ignore)
	require.NoError(t, err)
	assert.Equal(t, SetNotStored, res.Status)

	res, err = Set(ctx, []byte("k"), s, SetRequest{Data: []byte("3")}, tok(4).WithExpected(1), order.Ignore)
	require.NoError(t, err)
	assert.Equal(t, SetExists, res.Status)

	res, err = Set(ctx, []byte("missing"), s, SetRequest{Data: []byte("3")}, tok(5).WithExpected(1), order.Ignore)
	require.NoError(t, err)
	assert.Equal(t, SetNotFound, res.Status)

	res, err = Set(ctx, []byte("k"), s, SetRequest{Data: []byte("3"), Mode: SetReplace}, tok(6).WithExpected(2), order.Ignore)
	require.NoError(t, err)
	assert.Equal(t, SetStored, res.Status)
	assert.Equal(t, "3", string(mustGet(t, s, "k").Data))
}

func TestSet_ValueTooLarge(t *testing.T) {
	s := newTestSlice(t)
	big := make([]byte, types.MaxValueSize+1)

	_, err := Set(context.Background(), []byte("k"), s, SetRequest{Data: big}, tok(1), order.Ignore)
	assert.ErrorIs(t, err, ErrValueTooLarge)
	assert.Zero(t, s.Len())
}

func TestDelete(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "k", "1", 1)

	removed, err := Delete(context.Background(), []byte("k"), s, order.Ignore)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = Delete(context.Background(), []byte("k"), s, order.Ignore)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, IncrDecrNotFound, incr(t, s, "k", 1, tok(2)).Status)
}

func TestGet_ReturnsACopy(t *testing.T) {
	s := newTestSlice(t)
	seed(t, s, "k", "12", 1)

	sv := mustGet(t, s, "k")
	sv.Data[0] = '9'

	assert.Equal(t, "12", string(mustGet(t, s, "k").Data))
}

func TestSlice_ClosedRejectsTransactions(t *testing.T) {
	s := newTestSlice(t)
	s.Close()

	_, _, err := s.Begin(context.Background(), WriteMode, order.Ignore)
	assert.ErrorIs(t, err, ErrSliceClosed)
	_, err = IncrDecr(context.Background(), []byte("k"), s, true, 1, tok(1), order.Ignore)
	assert.ErrorIs(t, err, ErrSliceClosed)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "read", ReadMode.String())
	assert.Equal(t, "write", WriteMode.String())
}
