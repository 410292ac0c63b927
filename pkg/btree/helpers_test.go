package btree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"btreekv/pkg/castime"
	"btreekv/pkg/fatal"
	"btreekv/pkg/order"
	"btreekv/pkg/types"
	"btreekv/pkg/wal"
)

type mockTimeProvider struct {
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.now
}

func newTestSlice(t *testing.T, opts ...Option) *Slice {
	t.Helper()
	base := []Option{WithReporter(fatal.PanicReporter{}), WithDegree(4)}
	s, err := Open(context.Background(), "test", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// tok returns a token whose timestamp grows with its CAS, so test stamps are
// always monotonic.
func tok(cas types.CAS) castime.Token {
	return castime.NewToken(cas, types.Timestamp(cas))
}

func seed(t *testing.T, s *Slice, key, data string, cas types.CAS) {
	t.Helper()
	seedValue(t, s, key, SetRequest{Data: []byte(data)}, cas)
}

func seedValue(t *testing.T, s *Slice, key string, req SetRequest, cas types.CAS) {
	t.Helper()
	res, err := Set(context.Background(), []byte(key), s, req, tok(cas), order.Ignore)
	require.NoError(t, err)
	require.Equal(t, SetStored, res.Status)
}

func mustGet(t *testing.T, s *Slice, key string) StoredValue {
	t.Helper()
	sv, found, err := Get(context.Background(), []byte(key), s, order.Ignore)
	require.NoError(t, err)
	require.True(t, found, "key %q not found", key)
	return sv
}

func catchViolation(f func()) (v *fatal.Violation) {
	defer func() {
		if rec := recover(); rec != nil {
			var ok bool
			if v, ok = rec.(*fatal.Violation); !ok {
				panic(rec)
			}
		}
	}()
	f()
	return nil
}

// failingJournal rejects every batch.
type failingJournal struct {
	done chan wal.Ack
}

func newFailingJournal() *failingJournal {
	return &failingJournal{done: make(chan wal.Ack, 1)}
}

func (j *failingJournal) Start(context.Context) {}
func (j *failingJournal) Stop()                 {}
func (j *failingJournal) Done() <-chan wal.Ack  { return j.done }
func (j *failingJournal) Replay(types.SeqN, func(wal.Entry) error) error {
	return nil
}
func (j *failingJournal) Append(batch []wal.Entry) {
	j.done <- wal.Ack{Last: batch[len(batch)-1].SeqNum, Err: errors.New("disk full")}
}
