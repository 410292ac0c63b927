package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"btreekv/pkg/fatal"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on a channel, in a single
// background goroutine, until stopped.
type Listener[T any] struct {
	handler     func(input T) error
	onError     func(input T, err error)
	stopHandler func()
	reporter    fatal.Reporter

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option[T any] func(*Listener[T])

// WithErrorHandler sets the callback for handler errors. Without one a
// handler error is treated as a broken invariant.
func WithErrorHandler[T any](f func(input T, err error)) Option[T] {
	return func(l *Listener[T]) { l.onError = f }
}

// WithStopHandler sets a callback run once the goroutine has exited.
func WithStopHandler[T any](f func()) Option[T] {
	return func(l *Listener[T]) { l.stopHandler = f }
}

// WithReporter sets where panics and unhandled errors are reported.
func WithReporter[T any](r fatal.Reporter) Option[T] {
	return func(l *Listener[T]) { l.reporter = r }
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: func() {},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.reporter == nil {
		l.reporter = fatal.NewProcessReporter(nil)
	}

	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		defer fatal.Recover(l.reporter)
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				fatal.Crash(l.reporter, "channel listener error: %v", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			if l.onError == nil {
				return fmt.Errorf("failed to handle input: %w", err)
			}
			l.onError(inp, err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
