package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/logtags"
	"github.com/google/uuid"

	"btreekv/pkg/btree"
	"btreekv/pkg/order"
	"btreekv/pkg/types"
)

// Session is one logical client. Operations a session issues reach each
// slice in the order they were issued, even when called concurrently.
//
// A session holds one order source per slice, so the tokens every slice
// sees from it are consecutive.
type Session struct {
	store   *Store
	id      string
	sources map[string]*order.Source
	logger  *slog.Logger

	// mu orders token draws against Close; inflight counts operations
	// holding a token that has not passed its slice yet.
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewSession starts a session with its own ordering sources.
func (s *Store) NewSession() *Session {
	ss := &Session{
		store:   s,
		id:      uuid.NewString(),
		sources: make(map[string]*order.Source, len(s.names)),
	}
	for _, name := range s.names {
		ss.sources[name] = order.NewSource()
	}

	ctx := logtags.AddTag(context.Background(), "session", ss.id)
	ss.logger = s.logger.With("tags", logtags.FromContext(ctx).String())
	ss.logger.Debug("session opened")

	return ss
}

// ID identifies the session in logs.
func (ss *Session) ID() string {
	return ss.id
}

// acquire issues the next token for the slice owning key. done must be
// called once the operation has returned.
func (ss *Session) acquire(key []byte) (tok order.Token, done func()) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return order.Ignore, func() {}
	}
	ss.inflight.Add(1)
	return ss.sources[ss.store.route(key).Name()].Next(), ss.inflight.Done
}

func (ss *Session) Incr(ctx context.Context, key []byte, delta uint64) (btree.IncrDecrResult, error) {
	return ss.IncrDecr(ctx, IncrDecrRequest{Key: key, Increment: true, Delta: delta})
}

func (ss *Session) Decr(ctx context.Context, key []byte, delta uint64) (btree.IncrDecrResult, error) {
	return ss.IncrDecr(ctx, IncrDecrRequest{Key: key, Increment: false, Delta: delta})
}

func (ss *Session) IncrDecr(ctx context.Context, req IncrDecrRequest) (btree.IncrDecrResult, error) {
	tok, done := ss.acquire(req.Key)
	defer done()
	return ss.store.incrDecr(ctx, req, tok)
}

func (ss *Session) Get(ctx context.Context, key []byte) (btree.StoredValue, bool, error) {
	tok, done := ss.acquire(key)
	defer done()
	return ss.store.get(ctx, key, tok)
}

func (ss *Session) Set(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error) {
	req.Mode = btree.SetAlways
	tok, done := ss.acquire(key)
	defer done()
	return ss.store.set(ctx, key, req, 0, tok)
}

func (ss *Session) Add(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error) {
	req.Mode = btree.SetAdd
	tok, done := ss.acquire(key)
	defer done()
	return ss.store.set(ctx, key, req, 0, tok)
}

func (ss *Session) Replace(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error) {
	req.Mode = btree.SetReplace
	tok, done := ss.acquire(key)
	defer done()
	return ss.store.set(ctx, key, req, 0, tok)
}

func (ss *Session) CompareAndSet(ctx context.Context, key []byte, req btree.SetRequest, expected types.CAS) (btree.SetResult, error) {
	req.Mode = btree.SetAlways
	tok, done := ss.acquire(key)
	defer done()
	return ss.store.set(ctx, key, req, expected, tok)
}

func (ss *Session) Delete(ctx context.Context, key []byte) (bool, error) {
	tok, done := ss.acquire(key)
	defer done()
	return ss.store.delete(ctx, key, tok)
}

// Batch is Store.Batch ordered after the session's earlier operations on
// the same slice.
func (ss *Session) Batch(ctx context.Context, key []byte, fn func(b *Batch) error) error {
	tok, done := ss.acquire(key)
	defer done()
	return ss.store.batch(ctx, key, btree.WriteMode, tok, fn)
}

// Close waits for operations already issued on the session and drops its
// ordering state. Later operations run unordered.
func (ss *Session) Close() {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.closed = true
	ss.mu.Unlock()

	ss.inflight.Wait()
	for name, src := range ss.sources {
		ss.store.slices[name].Forget(src.ID())
	}
	ss.logger.Debug("session closed")
}
