package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWeights(t *testing.T) {
	tests := []struct {
		name     string
		in       map[string]int
		expected map[string]int
	}{
		{
			name:     "already normalized",
			in:       map[string]int{"dashscope": 10, "volcengine": 90},
			expected: map[string]int{"dashscope": 10, "volcengine": 90},
		},
		{
			name:     "scaled up",
			in:       map[string]int{"a": 1, "b": 3},
			expected: map[string]int{"a": 25, "b": 75},
		},
		{
			name:     "clamped above 100",
			in:       map[string]int{"a": 200, "b": 100},
			expected: map[string]int{"a": 50, "b": 50},
		},
		{
			name:     "negative clamped to zero",
			in:       map[string]int{"a": -5, "b": 50},
			expected: map[string]int{"a": 0, "b": 100},
		},
		{
			name:     "zero sum defaults to even split",
			in:       map[string]int{"a": 0, "b": 0},
			expected: map[string]int{"a": 50, "b": 50},
		},
		{
			name:     "rounding remainder lands on heaviest",
			in:       map[string]int{"a": 1, "b": 1, "c": 1},
			expected: map[string]int{"a": 34, "b": 33, "c": 33},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeWeights(tt.in)
			sum := 0
			for _, w := range got {
				assert.GreaterOrEqual(t, w, 0)
				assert.LessOrEqual(t, w, 100)
				sum += w
			}
			assert.Equal(t, 100, sum, "weights must sum to exactly 100")
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestChunkSizeClamping(t *testing.T) {
	cfg := defaults()
	cfg.ChunkSize = 10 // below minimum
	require.NoError(t, cfg.normalize())
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)

	cfg = defaults()
	cfg.ChunkSize = 99999 // above MAX_SEGMENTATION_TOKENS
	require.NoError(t, cfg.normalize())
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)

	cfg = defaults()
	cfg.ChunkSize = 300
	require.NoError(t, cfg.normalize())
	assert.Equal(t, 300, cfg.ChunkSize)
}

func TestInvalidDimensionsRejected(t *testing.T) {
	cfg := defaults()
	cfg.EmbeddingDimensions = 300
	assert.Error(t, cfg.normalize())

	for _, d := range []int{64, 128, 256, 512, 768, 1024, 1536, 2048} {
		cfg := defaults()
		cfg.EmbeddingDimensions = d
		assert.NoError(t, cfg.normalize(), "dim %d", d)
	}
}

func TestHybridWeightsDefaultOnZeroSum(t *testing.T) {
	cfg := defaults()
	cfg.HybridVectorWeight = 0
	cfg.HybridKeywordWeight = 0
	require.NoError(t, cfg.normalize())
	assert.Equal(t, 0.5, cfg.HybridVectorWeight)
	assert.Equal(t, 0.5, cfg.HybridKeywordWeight)
}

func TestParseWeights(t *testing.T) {
	got := parseWeights("dashscope:10, volcengine:90")
	assert.Equal(t, map[string]int{"dashscope": 10, "volcengine": 90}, got)

	// Malformed entries are skipped
	got = parseWeights("a:1,garbage,b:x,c:3")
	assert.Equal(t, map[string]int{"a": 1, "c": 3}, got)
}

func TestInvalidEnums(t *testing.T) {
	cfg := defaults()
	cfg.DefaultRetrievalMethod = "fuzzy"
	assert.Error(t, cfg.normalize())

	cfg = defaults()
	cfg.RerankingMode = "rrf"
	assert.Error(t, cfg.normalize())

	cfg = defaults()
	cfg.ChunkingEngine = "bigchunk"
	assert.Error(t, cfg.normalize())

	cfg = defaults()
	cfg.LoadBalancingStrategy = "sticky"
	assert.Error(t, cfg.normalize())
}
