package btree

import (
	"fmt"

	"btreekv/pkg/castime"
	"btreekv/pkg/fatal"
	"btreekv/pkg/order"
	"btreekv/pkg/wal"
)

// Mode selects the access a transaction needs.
type Mode uint8

const (
	ReadMode Mode = iota
	WriteMode
)

func (m Mode) String() string {
	if m == WriteMode {
		return "write"
	}
	return "read"
}

// Superblock is the root snapshot a transaction reads and writes through.
// It is valid until its transaction finishes.
type Superblock struct {
	root    *tree
	version uint64
	txn     *Transaction
}

// Version returns the committed version the snapshot was taken at.
func (sb *Superblock) Version() uint64 {
	return sb.version
}

// Len returns the number of entries visible in the snapshot.
func (sb *Superblock) Len() int {
	return sb.root.Len()
}

// Transaction is the context all reads and writes of one unit of work go
// through. It is not safe for concurrent use.
type Transaction struct {
	slice  *Slice
	sb     *Superblock
	mode   Mode
	id     uint64
	ticket *order.Ticket
	token  order.Token

	writes []wal.Entry
	stamps []castime.CASTime
	done   bool
}

// Mode returns the access mode of the transaction.
func (t *Transaction) Mode() Mode {
	return t.mode
}

// Token returns the order token the transaction was begun with.
func (t *Transaction) Token() order.Token {
	return t.token
}

// Dirty reports whether the transaction has pending mutations.
func (t *Transaction) Dirty() bool {
	return len(t.writes) > 0
}

// Commit makes the transaction's mutations durable and visible. If the
// journal rejects them, nothing becomes visible and the error is returned.
func (t *Transaction) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	defer t.finish()

	if t.mode == ReadMode || len(t.writes) == 0 {
		return nil
	}

	s := t.slice
	if s.jr != nil {
		batch := make([]wal.Entry, 0, len(t.writes)+1)
		for _, w := range t.writes {
			w.SeqNum = s.seqN.Next()
			batch = append(batch, w)
		}
		batch = append(batch, wal.Entry{SeqNum: s.seqN.Next(), TxnID: t.id, Op: wal.OpCommit})

		s.jr.Append(batch)
		ack := <-s.jr.Done()
		if ack.Err != nil {
			return fmt.Errorf("slice %s: failed to journal transaction %d: %w", s.name, t.id, ack.Err)
		}
		fatal.Guarantee(s.reporter, ack.Last == batch[len(batch)-1].SeqNum,
			"slice %s: journal acked seq %d for a batch ending at %d", s.name, ack.Last, batch[len(batch)-1].SeqNum)
	}

	s.publish(t.sb, t.stamps)
	return nil
}

// Abort discards the transaction's mutations. Aborting a finished
// transaction is a no-op, so it is safe to defer.
func (t *Transaction) Abort() {
	if t.done {
		return
	}
	t.finish()
}

func (t *Transaction) finish() {
	t.done = true
	t.writes = nil
	t.stamps = nil
	if t.mode == WriteMode {
		t.slice.writeMu.Unlock()
	}
	t.ticket.Release()
}

// checkOwnership verifies that sb belongs to t and that t can still be used.
func (t *Transaction) checkOwnership(s *Slice, sb *Superblock) error {
	if t.done {
		return ErrTxnDone
	}
	if t.slice != s || sb == nil || sb.txn != t {
		fatal.Crash(s.reporter, "transaction of slice %s used with a foreign superblock on slice %s", t.slice.name, s.name)
	}
	return nil
}

func (t *Transaction) record(e wal.Entry, stamp castime.CASTime) {
	e.TxnID = t.id
	t.writes = append(t.writes, e)
	if stamp.CAS != 0 {
		t.stamps = append(t.stamps, stamp)
	}
}
