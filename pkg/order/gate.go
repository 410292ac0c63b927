package order

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

type sourceSet = skipmap.FuncMap[string, *sourceState]

func newSourceSet() *sourceSet {
	return skipmap.NewFunc[string, *sourceState](func(a, b string) bool {
		return strings.Compare(a, b) < 0
	})
}

type sourceState struct {
	mu sync.Mutex
	// next is the sequence number allowed through the gate
	next uint64
	// finished holds released or abandoned tokens ahead of next
	finished map[uint64]struct{}
	// changed is closed and replaced every time next moves
	changed chan struct{}
}

func newSourceState() *sourceState {
	return &sourceState{
		next:     1,
		finished: make(map[uint64]struct{}),
		changed:  make(chan struct{}),
	}
}

// finish marks seq done and advances next past every finished token.
// Callers hold st.mu.
func (st *sourceState) finish(seq uint64) {
	if seq < st.next {
		return
	}
	st.finished[seq] = struct{}{}

	moved := false
	for {
		if _, ok := st.finished[st.next]; !ok {
			break
		}
		delete(st.finished, st.next)
		st.next++
		moved = true
	}

	if moved {
		close(st.changed)
		st.changed = make(chan struct{})
	}
}

// Gate admits tokens of each source in sequence order. Tokens of different
// sources pass independently.
type Gate struct {
	sources *sourceSet
}

func NewGate() *Gate {
	return &Gate{sources: newSourceSet()}
}

func (g *Gate) state(source string) *sourceState {
	if st, ok := g.sources.Load(source); ok {
		return st
	}
	st, _ := g.sources.LoadOrStore(source, newSourceState())
	return st
}

// Ticket is held by an admitted operation until it finishes.
type Ticket struct {
	st   *sourceState
	seq  uint64
	once sync.Once
}

// Release lets the next token of the same source through. Safe to call more
// than once and on a nil ticket.
func (t *Ticket) Release() {
	if t == nil || t.st == nil {
		return
	}
	t.once.Do(func() {
		t.st.mu.Lock()
		t.st.finish(t.seq)
		t.st.mu.Unlock()
	})
}

// Enter blocks until every earlier token of tok's source has finished. If
// ctx ends first the token is abandoned and ctx.Err() is returned.
func (g *Gate) Enter(ctx context.Context, tok Token) (*Ticket, error) {
	if tok.IsIgnore() {
		return &Ticket{}, nil
	}

	st := g.state(tok.source)
	for {
		st.mu.Lock()
		if tok.seq < st.next {
			st.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrTokenReused, tok)
		}
		if tok.seq == st.next {
			st.mu.Unlock()
			return &Ticket{st: st, seq: tok.seq}, nil
		}
		wait := st.changed
		st.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			g.Abandon(tok)
			return nil, ctx.Err()
		}
	}
}

// Abandon gives up tok without running it, so later tokens of its source are
// not held back.
func (g *Gate) Abandon(tok Token) {
	if tok.IsIgnore() {
		return
	}
	st := g.state(tok.source)
	st.mu.Lock()
	st.finish(tok.seq)
	st.mu.Unlock()
}

// Forget drops the state of a source that will issue no more tokens.
func (g *Gate) Forget(source string) {
	g.sources.Delete(source)
}

// Sources returns the number of sources the gate currently tracks.
func (g *Gate) Sources() int {
	return g.sources.Len()
}
