package http

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"btreekv/pkg/store"
)

var errTooManySessions = errors.New("too many client sessions")

type clientSession struct {
	*store.Session
	lastUsed atomic.Int64
}

func (cs *clientSession) touch(now time.Time) {
	cs.lastUsed.Store(now.UnixNano())
}

// sessionTable maps client IDs to store sessions. It holds at most limit
// sessions and drops those unused for longer than idle.
type sessionTable struct {
	m          *skipmap.FuncMap[string, *clientSession]
	limit      int
	idle       time.Duration
	now        func() time.Time
	newSession func() *store.Session
}

func newSessionTable(limit int, idle time.Duration, newSession func() *store.Session) *sessionTable {
	return &sessionTable{
		m: skipmap.NewFunc[string, *clientSession](func(a, b string) bool {
			return a < b
		}),
		limit:      limit,
		idle:       idle,
		now:        time.Now,
		newSession: newSession,
	}
}

func (t *sessionTable) Load(id string) (*clientSession, bool) {
	return t.m.Load(id)
}

func (t *sessionTable) Len() int {
	return t.m.Len()
}

// get returns the session of id, opening one if needed.
func (t *sessionTable) get(id string) (*clientSession, error) {
	now := t.now()
	if cs, ok := t.m.Load(id); ok {
		cs.touch(now)
		return cs, nil
	}

	if t.m.Len() >= t.limit {
		t.sweep()
		if t.m.Len() >= t.limit {
			return nil, errTooManySessions
		}
	}

	fresh := &clientSession{Session: t.newSession()}
	fresh.touch(now)
	cs, loaded := t.m.LoadOrStore(id, fresh)
	if loaded {
		fresh.Close()
		cs.touch(now)
	}
	return cs, nil
}

// remove closes and forgets the session of id.
func (t *sessionTable) remove(id string) bool {
	cs, ok := t.m.LoadAndDelete(id)
	if !ok {
		return false
	}
	cs.Close()
	return true
}

// sweep closes sessions idle for longer than t.idle and returns how many.
func (t *sessionTable) sweep() int {
	cutoff := t.now().Add(-t.idle).UnixNano()
	var expired []string
	t.m.Range(func(id string, cs *clientSession) bool {
		if cs.lastUsed.Load() < cutoff {
			expired = append(expired, id)
		}
		return true
	})

	n := 0
	for _, id := range expired {
		cs, ok := t.m.Load(id)
		if !ok || cs.lastUsed.Load() >= cutoff {
			continue
		}
		if t.remove(id) {
			n++
		}
	}
	return n
}

func (t *sessionTable) closeAll() {
	t.m.Range(func(id string, _ *clientSession) bool {
		t.remove(id)
		return true
	})
}
