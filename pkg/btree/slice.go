// Package btree is the transactional tree substrate of the store and the
// operations built on it.
//
// A Slice is one partition of the keyspace. Every operation runs inside a
// Transaction that owns a Superblock, a copy-on-write snapshot of the slice's
// root. Write transactions are exclusive per slice and publish their root
// atomically on commit, so an aborted or failed transaction leaves nothing
// behind. Operations carrying an order.Token from the same source pass the
// slice in the order the tokens were issued.
package btree

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/logtags"
	gbtree "github.com/google/btree"

	"btreekv/pkg/castime"
	"btreekv/pkg/clock"
	"btreekv/pkg/fatal"
	"btreekv/pkg/listener"
	"btreekv/pkg/order"
	"btreekv/pkg/types"
	"btreekv/pkg/wal"
)

const DefaultDegree = 32

type iJournal interface {
	listener.Job

	Append(batch []wal.Entry)
	Done() <-chan wal.Ack
	Replay(start types.SeqN, callback func(wal.Entry) error) error
}

type iTimeProvider interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

type tree = gbtree.BTreeG[*leaf]

// Slice is a handle to one partition of the keyspace.
type Slice struct {
	name     string
	degree   int
	tp       iTimeProvider
	reporter fatal.Reporter
	jr       iJournal
	logger   *slog.Logger

	seqN       *clock.AtomicClock
	txnIDs     *clock.AtomicClock
	gate       *order.Gate
	checkpoint *order.Checkpoint

	// writeMu is held by the single open write transaction
	writeMu sync.Mutex

	// rootMu guards root and version; Clone must not run concurrently
	rootMu  sync.Mutex
	root    *tree
	version uint64
	maxCT   castime.CASTime

	closed atomic.Bool
}

type Option func(*Slice)

// WithJournal makes the slice durable through j. Without a journal the
// slice lives in memory only.
func WithJournal(j iJournal) Option {
	return func(s *Slice) { s.jr = j }
}

func WithTimeProvider(tp iTimeProvider) Option {
	return func(s *Slice) { s.tp = tp }
}

// WithReporter sets where invariant violations go. Defaults to a reporter
// that terminates the process.
func WithReporter(r fatal.Reporter) Option {
	return func(s *Slice) { s.reporter = r }
}

func WithDegree(degree int) Option {
	return func(s *Slice) { s.degree = degree }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Slice) { s.logger = l }
}

// Open creates a slice, replays its journal if it has one and starts the
// journal writer.
func Open(ctx context.Context, name string, opts ...Option) (*Slice, error) {
	s := &Slice{
		name:   name,
		degree: DefaultDegree,
		tp:     systemTime{},
		seqN:   clock.NewAtomic(0),
		txnIDs: clock.NewAtomic(0),
		gate:   order.NewGate(),
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
	if s.degree < 2 {
		return nil, fmt.Errorf("invalid btree degree %d for slice %s", s.degree, name)
	}

	ctx = logtags.AddTag(ctx, "slice", name)
	s.logger = s.logger.With("tags", logtags.FromContext(ctx).String())

	s.checkpoint = order.NewCheckpoint(name, s.reporter)
	s.root = gbtree.NewG[*leaf](s.degree, lessLeaf)

	if s.jr != nil {
		if err := s.replay(); err != nil {
			return nil, fmt.Errorf("failed to replay journal of slice %s: %w", name, err)
		}
		s.jr.Start(ctx)
	}

	s.logger.Debug("slice opened", "keys", s.root.Len(), "version", s.version)

	return s, nil
}

// replay rebuilds the tree from committed journal transactions.
func (s *Slice) replay() error {
	pending := make(map[uint64][]wal.Entry)
	applied, dropped := 0, 0

	err := s.jr.Replay(0, func(e wal.Entry) error {
		s.seqN.Advance(e.SeqNum)
		s.txnIDs.Advance(e.TxnID)

		switch e.Op {
		case wal.OpSet, wal.OpDelete:
			pending[e.TxnID] = append(pending[e.TxnID], e)
		case wal.OpCommit:
			for _, w := range pending[e.TxnID] {
				s.applyReplayed(w)
				applied++
			}
			delete(pending, e.TxnID)
			s.version++
		default:
			return fmt.Errorf("%w: unknown op %d at seq %d", ErrCorruptJournal, e.Op, e.SeqNum)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, entries := range pending {
		dropped += len(entries)
	}
	if applied > 0 || dropped > 0 {
		s.logger.Info("journal replayed", "applied", applied, "dropped_uncommitted", dropped)
	}

	return nil
}

func (s *Slice) applyReplayed(e wal.Entry) {
	if e.Op == wal.OpDelete {
		s.root.Delete(&leaf{key: e.Key})
		return
	}

	sv := StoredValue{
		Data:      e.Value,
		CAS:       e.CAS,
		Timestamp: e.Timestamp,
		Flags:     e.Flags,
		Exptime:   e.Exptime,
	}
	s.root.ReplaceOrInsert(&leaf{key: e.Key, value: sv})
	s.observe(sv.CASTime())
}

func (s *Slice) observe(ct castime.CASTime) {
	if ct.CAS > s.maxCT.CAS {
		s.maxCT.CAS = ct.CAS
	}
	if ct.Timestamp > s.maxCT.Timestamp {
		s.maxCT.Timestamp = ct.Timestamp
	}
}

// Begin opens a transaction once every earlier token of tok's source has
// finished on this slice. A write transaction excludes other writers until
// it commits or aborts.
func (s *Slice) Begin(ctx context.Context, mode Mode, tok order.Token) (*Transaction, *Superblock, error) {
	if s.closed.Load() {
		s.gate.Abandon(tok)
		return nil, nil, ErrSliceClosed
	}
	if err := ctx.Err(); err != nil {
		s.gate.Abandon(tok)
		return nil, nil, fmt.Errorf("slice %s: %w", s.name, err)
	}

	ticket, err := s.gate.Enter(ctx, tok)
	if err != nil {
		return nil, nil, fmt.Errorf("slice %s: %w", s.name, err)
	}

	if mode == WriteMode {
		s.writeMu.Lock()
		if s.closed.Load() {
			s.writeMu.Unlock()
			ticket.Release()
			return nil, nil, ErrSliceClosed
		}
	}

	s.rootMu.Lock()
	root := s.root.Clone()
	version := s.version
	s.rootMu.Unlock()

	txn := &Transaction{
		slice:  s,
		mode:   mode,
		ticket: ticket,
		token:  tok,
	}
	if mode == WriteMode {
		txn.id = s.txnIDs.Next()
	}
	sb := &Superblock{root: root, version: version, txn: txn}
	txn.sb = sb

	return txn, sb, nil
}

// publish installs a committed root. Called with writeMu held.
func (s *Slice) publish(sb *Superblock, stamps []castime.CASTime) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	fatal.Guarantee(s.reporter, s.version == sb.version,
		"slice %s: superblock version %d committed over version %d", s.name, sb.version, s.version)

	s.root = sb.root
	s.version++
	for _, ct := range stamps {
		s.observe(ct)
	}
}

// Name returns the slice name.
func (s *Slice) Name() string {
	return s.name
}

// Len returns the number of entries in the last committed root, expired
// entries included.
func (s *Slice) Len() int {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	return s.root.Len()
}

// Version returns the number of committed write transactions.
func (s *Slice) Version() uint64 {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	return s.version
}

// MaxCASTime returns the largest CAS and timestamp the slice has stored.
func (s *Slice) MaxCASTime() castime.CASTime {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	return s.maxCT
}

// Forget releases ordering state of a source that will issue no more tokens.
func (s *Slice) Forget(source string) {
	s.gate.Forget(source)
	s.writeMu.Lock()
	s.checkpoint.Forget(source)
	s.writeMu.Unlock()
}

// Close waits for the open write transaction, if any, and stops the
// journal. Transactions begun afterwards fail with ErrSliceClosed.
func (s *Slice) Close() {
	s.writeMu.Lock()
	already := s.closed.Swap(true)
	s.writeMu.Unlock()

	if already {
		return
	}
	if s.jr != nil {
		s.jr.Stop()
	}
	s.logger.Debug("slice closed")
}

func (s *Slice) now() time.Time {
	return s.tp.Now()
}
