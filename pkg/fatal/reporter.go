package fatal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/maruel/panicparse/v2/stack"
)

// ProcessReporter prints the violation with a backtrace and terminates the
// process.
type ProcessReporter struct {
	mu   sync.Mutex
	out  io.Writer
	exit func(code int)
}

// NewProcessReporter writes reports to out (stderr when nil).
func NewProcessReporter(out io.Writer) *ProcessReporter {
	if out == nil {
		out = os.Stderr
	}
	return &ProcessReporter{out: out, exit: os.Exit}
}

func (p *ProcessReporter) Report(v *Violation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\nError in %s at line %d:\n%v\n", v.File, v.Line, v.Err)
	fmt.Fprintf(p.out, "\nBacktrace:\n")
	writeBacktrace(p.out)
	fmt.Fprintf(p.out, "\nExiting.\n\n")

	p.exit(1)
}

func writeBacktrace(w io.Writer) {
	buf := make([]byte, 64<<10)
	buf = buf[:runtime.Stack(buf, false)]

	snap, _, err := stack.ScanSnapshot(bytes.NewReader(buf), io.Discard, stack.DefaultOpts())
	if (err != nil && !errors.Is(err, io.EOF)) || snap == nil || len(snap.Goroutines) == 0 {
		// fall back to the raw dump
		_, _ = w.Write(buf)
		return
	}

	for _, g := range snap.Goroutines {
		fmt.Fprintf(w, "goroutine %d [%s]:\n", g.ID, g.State)
		for i, c := range g.Stack.Calls {
			fmt.Fprintf(w, "%3d: %s\n     at %s:%d\n", i+1, c.Func.Complete, c.RemoteSrcPath, c.Line)
		}
	}
}

// PanicReporter panics with the violation. Intended for tests.
type PanicReporter struct{}

func (PanicReporter) Report(v *Violation) {
	panic(v)
}

// RecordingReporter remembers violations and then panics with them, so a test
// can recover and inspect every report.
type RecordingReporter struct {
	mu         sync.Mutex
	violations []*Violation
}

func (r *RecordingReporter) Report(v *Violation) {
	r.mu.Lock()
	r.violations = append(r.violations, v)
	r.mu.Unlock()
	panic(v)
}

func (r *RecordingReporter) Violations() []*Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Violation(nil), r.violations...)
}
