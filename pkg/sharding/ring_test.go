package sharding

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRing(n, replicas int) *HashRing {
	r := NewHashRing(replicas)
	for i := 0; i < n; i++ {
		r.Add(fmt.Sprintf("slice-%d", i))
	}
	return r
}

func TestRing_Empty(t *testing.T) {
	r := NewHashRing(8)
	_, ok := r.Owner([]byte("k"))
	assert.False(t, ok)
	assert.Empty(t, r.Owners())
}

func TestRing_Deterministic(t *testing.T) {
	a, b := makeRing(4, 64), makeRing(4, 64)
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		ownerA, _ := a.Owner(k)
		ownerB, _ := b.Owner(k)
		require.Equal(t, ownerA, ownerB)
	}
}

func TestRing_DistributionUniformity(t *testing.T) {
	n := 3
	r := makeRing(n, 128)
	total := 60_000

	counts := map[string]int{}
	for i := 0; i < total; i++ {
		owner, ok := r.Owner([]byte(fmt.Sprintf("key-%d", i)))
		require.True(t, ok)
		counts[owner]++
	}

	ideal := float64(total) / float64(n)
	tolerance := 0.15 * ideal
	for owner, c := range counts {
		assert.LessOrEqual(t, math.Abs(float64(c)-ideal), tolerance, "owner %s got %d keys", owner, c)
	}
}

func TestRing_Remove(t *testing.T) {
	r := makeRing(3, 32)
	r.Remove("slice-1")

	assert.Equal(t, []string{"slice-0", "slice-2"}, r.Owners())
	for i := 0; i < 1000; i++ {
		owner, ok := r.Owner([]byte(fmt.Sprintf("key-%d", i)))
		require.True(t, ok)
		assert.NotEqual(t, "slice-1", owner)
	}
}
