package embedcache

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmind/kbengine/pkg/store"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c, err := New(s.DB(), nil)
	require.NoError(t, err)
	return c
}

func TestDocCacheRoundTrip(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	texts := []string{"alpha", "beta"}
	vectors := [][]float32{{0.6, 0.8}, {1, 0}}
	require.NoError(t, c.PutDoc(ctx, "text-embedding-v3", "dashscope", texts, vectors))

	hits, err := c.GetDoc(ctx, "text-embedding-v3", "dashscope", []string{"alpha", "gamma", "beta"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.InDelta(t, 0.6, hits[0][0], 1e-6)
	assert.InDelta(t, 1.0, hits[2][0], 1e-6)
	_, missing := hits[1]
	assert.False(t, missing)
}

func TestDocCacheKeyedByModelAndProvider(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutDoc(ctx, "m1", "p1", []string{"text"}, [][]float32{{1, 0}}))

	hits, err := c.GetDoc(ctx, "m2", "p1", []string{"text"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = c.GetDoc(ctx, "m1", "p2", []string{"text"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDocCacheRacingInsertIsHit(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutDoc(ctx, "m", "p", []string{"text"}, [][]float32{{1, 0}}))
	// Second write of the same key must not fail.
	require.NoError(t, c.PutDoc(ctx, "m", "p", []string{"text"}, [][]float32{{0, 1}}))

	hits, err := c.GetDoc(ctx, "m", "p", []string{"text"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	// The first write wins.
	assert.InDelta(t, 1.0, hits[0][0], 1e-6)
}

func TestRefusesInvalidVectors(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	assert.Error(t, c.PutDoc(ctx, "m", "p", []string{"a"}, [][]float32{{0, 0}}))
	assert.Error(t, c.PutDoc(ctx, "m", "p", []string{"a"}, [][]float32{{float32(math.NaN())}}))
	assert.Error(t, c.PutDoc(ctx, "m", "p", []string{"a"}, [][]float32{{}}))
}

func TestVectorCodec(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75}
	decoded, err := decodeVector(encodeVector(vec), 3)
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)

	_, err = decodeVector([]byte{1, 2, 3}, 3)
	assert.Error(t, err)
}

func TestQueryCacheDisabledWithoutRedis(t *testing.T) {
	c := newCache(t)
	assert.Nil(t, c.GetQuery(context.Background(), "m", "p", "query"))
	// PutQuery is a no-op, not a panic.
	c.PutQuery(context.Background(), "m", "p", "query", []float32{1, 0})
}

func TestTextHashStable(t *testing.T) {
	assert.Equal(t, TextHash("abc"), TextHash("abc"))
	assert.NotEqual(t, TextHash("abc"), TextHash("abd"))
	assert.Len(t, TextHash("abc"), 32)
}
