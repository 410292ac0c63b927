// Package fatal reports broken invariants. A storage engine that keeps
// running on corrupted state can do unbounded damage, so a violation halts
// the process: the reporter prints the failing condition, where it was
// detected and a backtrace, then exits.
//
// The reporter is injected into the components that need it, so tests can
// substitute one that panics with a recoverable *Violation instead.
package fatal

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/cockroachdb/errors"
)

// Reporter receives invariant violations. Report must not return normally
// for reporters used in production.
type Reporter interface {
	Report(v *Violation)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(v *Violation)

func (f ReporterFunc) Report(v *Violation) { f(v) }

// Violation describes a broken invariant.
type Violation struct {
	File string
	Line int
	Err  error
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant violated in %s at line %d: %v", v.File, v.Line, v.Err)
}

func (v *Violation) Unwrap() error { return v.Err }

// Guarantee reports a violation through r unless cond holds.
func Guarantee(r Reporter, cond bool, format string, args ...any) {
	if cond {
		return
	}
	crash(r, 2, format, args...)
}

// Crash unconditionally reports a violation through r.
func Crash(r Reporter, format string, args ...any) {
	crash(r, 2, format, args...)
}

func crash(r Reporter, depth int, format string, args ...any) {
	v := &Violation{
		Err: errors.AssertionFailedWithDepthf(depth, format, args...),
	}
	if _, file, line, ok := runtime.Caller(depth); ok {
		v.File, v.Line = filepath.Base(file), line
	}

	if r != nil {
		r.Report(v)
	}
	// a reporter that returns must not let the caller continue
	panic(v)
}

// Recover converts a panic in the calling goroutine into a report. Use it as
// `defer fatal.Recover(r)` at the top of long-lived worker goroutines.
func Recover(r Reporter) {
	rec := recover()
	if rec == nil {
		return
	}

	// violations raised by Guarantee or Crash were reported already
	if v, ok := rec.(*Violation); ok {
		panic(v)
	}

	err, isErr := rec.(error)
	if !isErr {
		err = errors.Newf("%v", rec)
	}
	v := &Violation{File: "unknown", Err: errors.Wrap(err, "uncaught panic")}
	if _, file, line, found := runtime.Caller(2); found {
		v.File, v.Line = filepath.Base(file), line
	}

	if r != nil {
		r.Report(v)
	}
	panic(v)
}
