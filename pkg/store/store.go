// Package store spreads keys over btree slices and exposes the cache
// operations on top of them.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/logtags"
	"golang.org/x/sync/errgroup"

	"btreekv/pkg/btree"
	"btreekv/pkg/castime"
	"btreekv/pkg/config"
	"btreekv/pkg/fatal"
	"btreekv/pkg/order"
	"btreekv/pkg/sharding"
	"btreekv/pkg/types"
	"btreekv/pkg/wal"
)

type iTimeProvider interface {
	Now() time.Time
}

type Store struct {
	cfg      config.DB
	tp       iTimeProvider
	reporter fatal.Reporter
	logger   *slog.Logger

	ring   *sharding.HashRing
	slices map[string]*btree.Slice
	names  []string
	gen    *castime.Generator

	closed atomic.Bool
}

type Option func(*Store)

func WithTimeProvider(tp iTimeProvider) Option {
	return func(s *Store) { s.tp = tp }
}

// WithReporter sets where invariant violations of every slice go.
func WithReporter(r fatal.Reporter) Option {
	return func(s *Store) { s.reporter = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens cfg.Slices slices in parallel, replaying their journals when
// persistence is enabled.
func Open(ctx context.Context, cfg config.DB, opts ...Option) (*Store, error) {
	if cfg.Slices < 1 {
		return nil, ErrNoSlices
	}

	s := &Store{
		cfg:    cfg,
		ring:   sharding.NewHashRing(cfg.RingReplicas),
		slices: make(map[string]*btree.Slice, cfg.Slices),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reporter == nil {
		s.reporter = fatal.NewProcessReporter(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.gen = castime.NewGenerator(s.tp)

	// slices outlive the caller's context; their journals stop on Close
	ctx = logtags.AddTag(context.WithoutCancel(ctx), "store", nil)

	opened := make([]*btree.Slice, cfg.Slices)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Slices; i++ {
		name := fmt.Sprintf("slice-%03d", i)
		g.Go(func() error {
			sl, err := s.openSlice(ctx, gctx, name)
			if err != nil {
				return err
			}
			opened[i] = sl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sl := range opened {
			if sl != nil {
				sl.Close()
			}
		}
		return nil, err
	}

	for _, sl := range opened {
		s.slices[sl.Name()] = sl
		s.names = append(s.names, sl.Name())
		s.ring.Add(sl.Name())
		s.gen.Observe(sl.MaxCASTime())
	}

	s.logger.Info("store opened",
		"slices", len(s.slices),
		"persistence", cfg.Persistence.Enabled,
		"tags", logtags.FromContext(ctx).String(),
	)

	return s, nil
}

func (s *Store) openSlice(ctx, gctx context.Context, name string) (*btree.Slice, error) {
	if err := gctx.Err(); err != nil {
		return nil, err
	}

	opts := []btree.Option{
		btree.WithDegree(s.cfg.BTreeDegree),
		btree.WithReporter(s.reporter),
		btree.WithLogger(s.logger),
	}
	if s.tp != nil {
		opts = append(opts, btree.WithTimeProvider(s.tp))
	}
	if s.cfg.Persistence.Enabled {
		dir := filepath.Join(s.cfg.Persistence.RootPath, name)
		journal, err := wal.New(dir, s.reporter, wal.WithSync(s.cfg.Persistence.SyncWrites))
		if err != nil {
			return nil, fmt.Errorf("failed to open journal of %s: %w", name, err)
		}
		opts = append(opts, btree.WithJournal(journal))
	}

	return btree.Open(ctx, name, opts...)
}

// route returns the slice owning key.
func (s *Store) route(key []byte) *btree.Slice {
	name, ok := s.ring.Owner(key)
	fatal.Guarantee(s.reporter, ok, "store: hash ring is empty")
	return s.slices[name]
}

// IncrDecrRequest is one incr or decr. ExpectedCAS zero means no CAS check.
type IncrDecrRequest struct {
	Key         []byte
	Increment   bool
	Delta       uint64
	ExpectedCAS types.CAS
}

func (s *Store) Incr(ctx context.Context, key []byte, delta uint64) (btree.IncrDecrResult, error) {
	return s.IncrDecr(ctx, IncrDecrRequest{Key: key, Increment: true, Delta: delta})
}

func (s *Store) Decr(ctx context.Context, key []byte, delta uint64) (btree.IncrDecrResult, error) {
	return s.IncrDecr(ctx, IncrDecrRequest{Key: key, Increment: false, Delta: delta})
}

// IncrDecr runs req without ordering constraints.
func (s *Store) IncrDecr(ctx context.Context, req IncrDecrRequest) (btree.IncrDecrResult, error) {
	return s.incrDecr(ctx, req, order.Ignore)
}

func (s *Store) Get(ctx context.Context, key []byte) (btree.StoredValue, bool, error) {
	return s.get(ctx, key, order.Ignore)
}

// Set stores req.Data regardless of what key holds.
func (s *Store) Set(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error) {
	req.Mode = btree.SetAlways
	return s.set(ctx, key, req, 0, order.Ignore)
}

// Add stores req.Data only if key is absent.
func (s *Store) Add(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error) {
	req.Mode = btree.SetAdd
	return s.set(ctx, key, req, 0, order.Ignore)
}

// Replace stores req.Data only if key is present.
func (s *Store) Replace(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error) {
	req.Mode = btree.SetReplace
	return s.set(ctx, key, req, 0, order.Ignore)
}

// CompareAndSet stores req.Data only if key still carries expected.
func (s *Store) CompareAndSet(ctx context.Context, key []byte, req btree.SetRequest, expected types.CAS) (btree.SetResult, error) {
	req.Mode = btree.SetAlways
	return s.set(ctx, key, req, expected, order.Ignore)
}

func (s *Store) Delete(ctx context.Context, key []byte) (bool, error) {
	return s.delete(ctx, key, order.Ignore)
}

// Batch runs fn inside one write transaction on the slice owning key. All
// keys fn touches must live on that slice. The transaction commits when fn
// returns nil and aborts otherwise.
func (s *Store) Batch(ctx context.Context, key []byte, fn func(b *Batch) error) error {
	return s.batch(ctx, key, btree.WriteMode, order.Ignore, fn)
}

// SliceStats describes one slice.
type SliceStats struct {
	Name     string          `json:"name"`
	Keys     int             `json:"keys"`
	Version  uint64          `json:"version"`
	MaxStamp castime.CASTime `json:"max_stamp"`
}

func (s *Store) Stats() []SliceStats {
	stats := make([]SliceStats, 0, len(s.names))
	for _, name := range s.names {
		sl := s.slices[name]
		stats = append(stats, SliceStats{
			Name:     name,
			Keys:     sl.Len(),
			Version:  sl.Version(),
			MaxStamp: sl.MaxCASTime(),
		})
	}
	return stats
}

// Close waits for open write transactions and stops all journals.
func (s *Store) Close() {
	if s.closed.Swap(true) {
		return
	}
	for _, name := range s.names {
		s.slices[name].Close()
	}
	s.logger.Info("store closed")
}

func (s *Store) incrDecr(ctx context.Context, req IncrDecrRequest, tok order.Token) (btree.IncrDecrResult, error) {
	var res btree.IncrDecrResult
	err := s.batch(ctx, req.Key, btree.WriteMode, tok, func(b *Batch) error {
		var err error
		res, err = b.IncrDecr(req)
		return err
	})
	return res, err
}

func (s *Store) get(ctx context.Context, key []byte, tok order.Token) (btree.StoredValue, bool, error) {
	var (
		sv    btree.StoredValue
		found bool
	)
	err := s.batch(ctx, key, btree.ReadMode, tok, func(b *Batch) error {
		var err error
		sv, found, err = b.Get(key)
		return err
	})
	return sv, found, err
}

func (s *Store) set(ctx context.Context, key []byte, req btree.SetRequest, expected types.CAS, tok order.Token) (btree.SetResult, error) {
	var res btree.SetResult
	err := s.batch(ctx, key, btree.WriteMode, tok, func(b *Batch) error {
		var err error
		res, err = b.Set(key, req, expected)
		return err
	})
	return res, err
}

func (s *Store) delete(ctx context.Context, key []byte, tok order.Token) (bool, error) {
	var deleted bool
	err := s.batch(ctx, key, btree.WriteMode, tok, func(b *Batch) error {
		var err error
		deleted, err = b.Delete(key)
		return err
	})
	return deleted, err
}

func (s *Store) batch(ctx context.Context, key []byte, mode btree.Mode, tok order.Token, fn func(b *Batch) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	sl := s.route(key)
	txn, sb, err := sl.Begin(ctx, mode, tok)
	if err != nil {
		return err
	}
	defer txn.Abort()

	b := &Batch{store: s, slice: sl, txn: txn, sb: sb, tok: tok}
	if err := fn(b); err != nil {
		return err
	}

	return txn.Commit()
}
