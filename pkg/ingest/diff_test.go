package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/classmind/kbengine/pkg/types"
)

func chunksOf(texts ...string) []types.Chunk {
	out := make([]types.Chunk, len(texts))
	for i, txt := range texts {
		out[i] = types.Chunk{ChunkIndex: i, Text: txt}
	}
	return out
}

func TestDiffChunksClassification(t *testing.T) {
	prior := chunksOf("alpha", "beta", "gamma", "delta")
	next := chunksOf("alpha", "BETA CHANGED", "gamma")

	d := diffChunks(prior, next)

	assert.ElementsMatch(t, []int{0, 2}, d.Kept)
	assert.ElementsMatch(t, []int{1}, d.Updated)
	assert.ElementsMatch(t, []int{3}, d.Deleted)
	assert.Empty(t, d.Added)
}

func TestDiffChunksGrowth(t *testing.T) {
	prior := chunksOf("alpha")
	next := chunksOf("alpha", "beta", "gamma")

	d := diffChunks(prior, next)

	assert.ElementsMatch(t, []int{0}, d.Kept)
	assert.ElementsMatch(t, []int{1, 2}, d.Added)
	assert.Empty(t, d.Updated)
	assert.Empty(t, d.Deleted)
}

func TestDiffChunksIsPositional(t *testing.T) {
	// The same text at a different index is not detected as a move.
	prior := chunksOf("alpha", "beta")
	next := chunksOf("beta", "alpha")

	d := diffChunks(prior, next)

	assert.ElementsMatch(t, []int{0, 1}, d.Updated)
	assert.Empty(t, d.Kept)
}

func TestDiffChunksEmptySides(t *testing.T) {
	d := diffChunks(nil, chunksOf("a", "b"))
	assert.ElementsMatch(t, []int{0, 1}, d.Added)

	d = diffChunks(chunksOf("a", "b"), nil)
	assert.ElementsMatch(t, []int{0, 1}, d.Deleted)
}

func TestDiffSummary(t *testing.T) {
	d := chunkDiff{Kept: []int{0}, Updated: []int{1, 2}, Deleted: []int{3}, Added: []int{4}}
	s := d.summary()

	assert.Equal(t, 1, s.Added)
	assert.Equal(t, 2, s.Updated)
	assert.Equal(t, 1, s.Deleted)
}
