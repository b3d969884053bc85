package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinCycles(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin, nil)
	vendors := []string{"a", "b", "c"}

	got := make([]int, 6)
	for i := range got {
		got[i] = b.Pick("alias", vendors)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)
}

func TestRoundRobinPerAlias(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin, nil)
	vendors := []string{"a", "b"}

	assert.Equal(t, 0, b.Pick("x", vendors))
	// A different alias starts its own rotation.
	assert.Equal(t, 0, b.Pick("y", vendors))
	assert.Equal(t, 1, b.Pick("x", vendors))
}

func TestSingleCandidateShortCircuits(t *testing.T) {
	b := NewBalancer(StrategyWeighted, map[string]int{"a": 100})
	assert.Equal(t, 0, b.Pick("alias", []string{"a"}))
}

func TestWeightedDistribution(t *testing.T) {
	b := NewBalancer(StrategyWeighted, map[string]int{"a": 70, "b": 30})
	vendors := []string{"a", "b"}

	counts := [2]int{}
	const draws = 5000
	for i := 0; i < draws; i++ {
		counts[b.Pick("alias", vendors)]++
	}

	// Observed share stays within 3 points of the configured weight.
	assert.InDelta(t, 0.70, float64(counts[0])/draws, 0.03)
	assert.InDelta(t, 0.30, float64(counts[1])/draws, 0.03)
}

func TestWeightedUnknownVendorsUniform(t *testing.T) {
	b := NewBalancer(StrategyWeighted, map[string]int{"x": 100})
	vendors := []string{"a", "b"}

	counts := [2]int{}
	for i := 0; i < 1000; i++ {
		counts[b.Pick("alias", vendors)]++
	}
	assert.Greater(t, counts[0], 0)
	assert.Greater(t, counts[1], 0)
}

func TestRandomStaysInBounds(t *testing.T) {
	b := NewBalancer(StrategyRandom, nil)
	vendors := []string{"a", "b", "c"}
	for i := 0; i < 100; i++ {
		idx := b.Pick("alias", vendors)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 3)
	}
}

func TestUnknownStrategyDefaultsToRoundRobin(t *testing.T) {
	b := NewBalancer("bogus", nil)
	vendors := []string{"a", "b"}
	assert.Equal(t, 0, b.Pick("alias", vendors))
	assert.Equal(t, 1, b.Pick("alias", vendors))
}

func TestPoolTryAcquire(t *testing.T) {
	p := NewPool("dashscope", 2)

	require.True(t, p.TryAcquire())
	require.True(t, p.TryAcquire())
	assert.False(t, p.TryAcquire())

	p.Release()
	assert.True(t, p.TryAcquire())
}

func TestPoolAcquireBlocksUntilCancel(t *testing.T) {
	p := NewPool("dashscope", 1)
	require.NoError(t, p.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Acquire(ctx)
	require.Error(t, err)
}

func TestPoolUnbounded(t *testing.T) {
	p := NewPool("any", 0)
	for i := 0; i < 100; i++ {
		assert.True(t, p.TryAcquire())
	}
	p.Release()
	assert.NoError(t, p.Acquire(context.Background()))
}
