package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btreekv/pkg/fatal"
)

func TestSource_IssuesConsecutiveTokens(t *testing.T) {
	src := NewSource()
	a, b := src.Next(), src.Next()

	assert.Equal(t, src.ID(), a.Source())
	assert.Equal(t, a.Source(), b.Source())
	assert.Equal(t, uint64(1), a.Seq())
	assert.Equal(t, uint64(2), b.Seq())
	assert.False(t, a.IsIgnore())
	assert.True(t, Ignore.IsIgnore())
	assert.NotEqual(t, NewSource().ID(), src.ID())
}

func TestGate_AdmitsInSequence(t *testing.T) {
	g := NewGate()
	src := NewSource()
	t1, t2, t3 := src.Next(), src.Next(), src.Next()

	var (
		mu  sync.Mutex
		got []uint64
		wg  sync.WaitGroup
	)
	// start in reverse issue order
	for _, tok := range []Token{t3, t2, t1} {
		wg.Add(1)
		go func(tok Token) {
			defer wg.Done()
			ticket, err := g.Enter(context.Background(), tok)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got = append(got, tok.Seq())
			mu.Unlock()
			ticket.Release()
		}(tok)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestGate_IgnoreAndOtherSourcesDoNotWait(t *testing.T) {
	g := NewGate()
	a, b := NewSource(), NewSource()

	held, err := g.Enter(context.Background(), a.Next())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ticket, err := g.Enter(ctx, b.Next())
	require.NoError(t, err)
	ticket.Release()

	ticket, err = g.Enter(ctx, Ignore)
	require.NoError(t, err)
	ticket.Release()

	assert.Equal(t, 2, g.Sources())
}

func TestGate_CancelAbandonsToken(t *testing.T) {
	g := NewGate()
	src := NewSource()
	t1, t2, t3 := src.Next(), src.Next(), src.Next()

	first, err := g.Enter(context.Background(), t1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Enter(ctx, t2)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	first.Release()

	// t2 was abandoned, so t3 goes straight through
	ctx3, cancel3 := context.WithTimeout(context.Background(), time.Second)
	defer cancel3()
	third, err := g.Enter(ctx3, t3)
	require.NoError(t, err)
	third.Release()
	third.Release()
}

func TestGate_RejectsReusedToken(t *testing.T) {
	g := NewGate()
	src := NewSource()
	tok := src.Next()

	ticket, err := g.Enter(context.Background(), tok)
	require.NoError(t, err)
	ticket.Release()

	_, err = g.Enter(context.Background(), tok)
	assert.ErrorIs(t, err, ErrTokenReused)
}

func TestGate_AbandonBeforeEnter(t *testing.T) {
	g := NewGate()
	src := NewSource()
	t1, t2 := src.Next(), src.Next()

	g.Abandon(t1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ticket, err := g.Enter(ctx, t2)
	require.NoError(t, err)
	ticket.Release()

	g.Forget(src.ID())
	assert.Zero(t, g.Sources())
}

func TestCheckpoint(t *testing.T) {
	rep := &fatal.RecordingReporter{}
	cp := NewCheckpoint("slice-0", rep)
	src := NewSource()
	t1, t2 := src.Next(), src.Next()

	cp.Check(Ignore)
	cp.Check(t1)
	cp.Check(t2)
	cp.Check(t2)
	assert.Empty(t, rep.Violations())

	assert.Panics(t, func() { cp.Check(t1) })
	require.Len(t, rep.Violations(), 1)
	assert.Contains(t, rep.Violations()[0].Error(), "slice-0")

	cp.Forget(src.ID())
	assert.NotPanics(t, func() { cp.Check(t1) })
}
