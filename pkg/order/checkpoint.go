package order

import (
	"strings"

	"github.com/zhangyunhao116/skipmap"

	"btreekv/pkg/fatal"
)

// Checkpoint verifies that tokens of every source pass it in non-decreasing
// order. Several mutations inside one transaction may share a token.
type Checkpoint struct {
	name     string
	reporter fatal.Reporter
	last     *skipmap.FuncMap[string, uint64]
}

func NewCheckpoint(name string, reporter fatal.Reporter) *Checkpoint {
	return &Checkpoint{
		name:     name,
		reporter: reporter,
		last: skipmap.NewFunc[string, uint64](func(a, b string) bool {
			return strings.Compare(a, b) < 0
		}),
	}
}

// Check records tok. A token older than one already seen from the same
// source means the substrate reordered operations, which is reported as an
// invariant violation. Callers serialize Check calls.
func (c *Checkpoint) Check(tok Token) {
	if tok.IsIgnore() {
		return
	}

	prev, ok := c.last.Load(tok.source)
	fatal.Guarantee(c.reporter, !ok || tok.seq >= prev,
		"order checkpoint %q: %s arrived after seq %d", c.name, tok, prev)
	c.last.Store(tok.source, tok.seq)
}

// Forget drops the state of a finished source.
func (c *Checkpoint) Forget(source string) {
	c.last.Delete(source)
}
