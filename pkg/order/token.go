// Package order sequences operations that must commit in the order their
// caller issued them, typically all requests of one client connection.
//
// A Source hands out consecutive Tokens. Each slice owns a Gate that admits
// the tokens of one source strictly in sequence, and a Checkpoint that
// verifies no tree mutation ever observes a source's tokens going backwards.
package order

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Token is an opaque sequencing marker. The zero Token carries no ordering
// constraint.
type Token struct {
	source string
	seq    uint64
}

// Ignore is the token for operations without ordering requirements.
var Ignore = Token{}

// IsIgnore reports whether t carries no ordering constraint.
func (t Token) IsIgnore() bool {
	return t.source == ""
}

// Source returns the id of the source that issued t.
func (t Token) Source() string {
	return t.source
}

// Seq returns the position of t in its source's sequence, starting at 1.
func (t Token) Seq() uint64 {
	return t.seq
}

func (t Token) String() string {
	if t.IsIgnore() {
		return "order(ignore)"
	}
	return fmt.Sprintf("order(%s#%d)", t.source, t.seq)
}

// Source issues tokens for one logical caller.
type Source struct {
	id  string
	seq atomic.Uint64
}

func NewSource() *Source {
	return &Source{id: uuid.NewString()}
}

// ID returns the source id shared by all of its tokens.
func (s *Source) ID() string {
	return s.id
}

// Next returns the token following the last one issued. Every token must
// eventually reach a Gate, be released or be abandoned, otherwise later
// tokens of the same source wait forever.
func (s *Source) Next() Token {
	return Token{source: s.id, seq: s.seq.Add(1)}
}
