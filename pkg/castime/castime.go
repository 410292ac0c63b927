// Package castime holds the concurrency stamp attached to every mutation: the
// CAS value and timestamp the mutation will leave behind, and optionally the
// CAS value the caller expects to replace.
package castime

import (
	"fmt"
	"sync"
	"time"

	"btreekv/pkg/clock"
	"btreekv/pkg/types"
)

// CASTime is the stamp stored with a value.
type CASTime struct {
	CAS       types.CAS
	Timestamp types.Timestamp
}

func (ct CASTime) String() string {
	return fmt.Sprintf("cas=%d ts=%d", ct.CAS, ct.Timestamp)
}

// Token is supplied fresh by the caller for every mutation.
type Token struct {
	Proposed CASTime

	expected    types.CAS
	hasExpected bool
}

// NewToken builds a token without a CAS expectation.
func NewToken(cas types.CAS, ts types.Timestamp) Token {
	return Token{Proposed: CASTime{CAS: cas, Timestamp: ts}}
}

// WithExpected returns a copy of t that only applies when the stored CAS
// equals cas.
func (t Token) WithExpected(cas types.CAS) Token {
	t.expected = cas
	t.hasExpected = true
	return t
}

// Expected returns the CAS the mutation must replace, if any.
func (t Token) Expected() (types.CAS, bool) {
	return t.expected, t.hasExpected
}

// Matches reports whether a stored CAS satisfies the token's expectation.
func (t Token) Matches(stored types.CAS) bool {
	return !t.hasExpected || t.expected == stored
}

type iTimeProvider interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// Generator issues tokens with strictly increasing CAS values and
// non-decreasing timestamps.
type Generator struct {
	tp  iTimeProvider
	cas *clock.AtomicClock

	mu     sync.Mutex
	lastTS types.Timestamp
}

// NewGenerator returns a generator reading time from tp. A nil tp uses the
// system clock.
func NewGenerator(tp iTimeProvider) *Generator {
	if tp == nil {
		tp = systemTime{}
	}
	return &Generator{
		tp:  tp,
		cas: clock.NewAtomic(0),
	}
}

// Next returns a token with a fresh CAS and timestamp.
func (g *Generator) Next() Token {
	return Token{Proposed: CASTime{
		CAS:       types.CAS(g.cas.Next()),
		Timestamp: g.now(),
	}}
}

// Observe makes sure CAS values issued later are greater than cas and
// timestamps are not older than ts. Used after WAL replay.
func (g *Generator) Observe(ct CASTime) {
	g.cas.Advance(uint64(ct.CAS))

	g.mu.Lock()
	if ct.Timestamp > g.lastTS {
		g.lastTS = ct.Timestamp
	}
	g.mu.Unlock()
}

func (g *Generator) now() types.Timestamp {
	ts := types.Timestamp(g.tp.Now().UnixNano())

	g.mu.Lock()
	defer g.mu.Unlock()
	if ts < g.lastTS {
		ts = g.lastTS
	}
	g.lastTS = ts

	return ts
}
