package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmind/kbengine/pkg/types"
)

func TestFastChunkerTilesInput(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)

	res, err := NewFastChunker().ChunkText(context.Background(), text, nil, Params{
		ChunkSize: 100,
		Overlap:   0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)

	// Concatenating [StartChar,EndChar) ranges in order reproduces the input.
	var sb strings.Builder
	prev := 0
	for _, c := range res.Chunks {
		assert.Equal(t, prev, c.StartChar)
		assert.Greater(t, c.EndChar, c.StartChar)
		sb.WriteString(text[c.StartChar:c.EndChar])
		prev = c.EndChar
	}
	assert.Equal(t, text, sb.String())
	assert.Equal(t, len(text), res.Chunks[len(res.Chunks)-1].EndChar)
}

func TestFastChunkerOverlapIsTextPrefix(t *testing.T) {
	text := strings.Repeat("Alpha beta gamma delta epsilon zeta. ", 150)

	res, err := NewFastChunker().ChunkText(context.Background(), text, nil, Params{
		ChunkSize: 80,
		Overlap:   20,
	})
	require.NoError(t, err)
	require.Greater(t, len(res.Chunks), 1)

	for i := 1; i < len(res.Chunks); i++ {
		c := res.Chunks[i]
		body := text[c.StartChar:c.EndChar]
		// The chunk text is the body plus a prefix borrowed from the
		// previous chunk; offsets do not move.
		assert.True(t, strings.HasSuffix(c.Text, body))
		prefix := strings.TrimSuffix(c.Text, body)
		assert.NotEmpty(t, prefix)
		prevBody := text[res.Chunks[i-1].StartChar:res.Chunks[i-1].EndChar]
		assert.True(t, strings.HasSuffix(prevBody, prefix))
	}
}

func TestFastChunkerSingleChunkShortText(t *testing.T) {
	text := "A short document that fits comfortably in one chunk."

	res, err := NewFastChunker().ChunkText(context.Background(), text, nil, Params{})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, 0, res.Chunks[0].StartChar)
	assert.Equal(t, len(text), res.Chunks[0].EndChar)
	assert.Equal(t, text, res.Chunks[0].Text)
}

func TestFastChunkerEmptyText(t *testing.T) {
	res, err := NewFastChunker().ChunkText(context.Background(), "", nil, Params{})
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
}

func TestFastChunkerCJKSentences(t *testing.T) {
	text := strings.Repeat("光合作用将光能转化为化学能。叶绿素吸收蓝光和红光。", 60)

	res, err := NewFastChunker().ChunkText(context.Background(), text, nil, Params{
		ChunkSize: 60,
		Overlap:   0,
	})
	require.NoError(t, err)
	require.Greater(t, len(res.Chunks), 1)

	var sb strings.Builder
	for _, c := range res.Chunks {
		sb.WriteString(text[c.StartChar:c.EndChar])
		// Cuts land after sentence-final punctuation, never mid-sentence.
		if c.EndChar < len(text) {
			assert.True(t, strings.HasSuffix(text[c.StartChar:c.EndChar], "。"),
				"chunk should end at a CJK sentence boundary")
		}
	}
	assert.Equal(t, text, sb.String())
}

func TestFastChunkerPageAttachment(t *testing.T) {
	page1 := strings.Repeat("First page sentence. ", 30)
	page2 := strings.Repeat("Second page sentence. ", 30)
	text := page1 + "\n" + page2
	pages := []types.PageInfo{
		{Page: 1, Start: 0, End: len(page1)},
		{Page: 2, Start: len(page1) + 1, End: len(text)},
	}

	res, err := NewFastChunker().ChunkText(context.Background(), text, pages, Params{
		ChunkSize: 60,
		Overlap:   0,
	})
	require.NoError(t, err)
	require.Greater(t, len(res.Chunks), 1)

	assert.Equal(t, 1, res.Chunks[0].Metadata.Page)
	assert.Equal(t, 2, res.Chunks[len(res.Chunks)-1].Metadata.Page)
}

func TestFastChunkerMetadataFlags(t *testing.T) {
	text := "intro paragraph\n\n| a | b |\n| 1 | 2 |\n\n```\ncode block\n```\n"

	res, err := NewFastChunker().ChunkText(context.Background(), text, nil, Params{})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.True(t, res.Chunks[0].Metadata.HasTable)
	assert.True(t, res.Chunks[0].Metadata.HasCode)
	assert.Greater(t, res.Chunks[0].Metadata.TokenCount, 0)
}

func TestFastChunkerChunkIndexOrder(t *testing.T) {
	text := strings.Repeat("One more sentence for the pile. ", 120)
	res, err := NewFastChunker().ChunkText(context.Background(), text, nil, Params{
		ChunkSize: 50,
	})
	require.NoError(t, err)
	for i, c := range res.Chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}
}

func TestEstimateCount(t *testing.T) {
	f := NewFastChunker()

	assert.Equal(t, 0, f.EstimateCount("", Params{}))
	assert.Equal(t, 1, f.EstimateCount("tiny", Params{ChunkSize: 500}))

	long := strings.Repeat("word ", 5000)
	est := f.EstimateCount(long, Params{ChunkSize: 100, Overlap: 0})
	require.Greater(t, est, 1)

	res, err := f.ChunkText(context.Background(), long, nil, Params{ChunkSize: 100, Overlap: 0})
	require.NoError(t, err)
	// The estimate tracks the real count closely enough to gate quotas.
	assert.InDelta(t, len(res.Chunks), est, float64(len(res.Chunks))/4+2)
}

func TestValidateCount(t *testing.T) {
	f := NewFastChunker()
	long := strings.Repeat("word ", 5000)

	err := ValidateCount(f, long, Params{ChunkSize: 100}, 990, 1000)
	require.Error(t, err)

	assert.NoError(t, ValidateCount(f, "tiny", Params{}, 0, 1000))
}

func TestSelect(t *testing.T) {
	assert.Equal(t, "semchunk", Select("semchunk", nil).Name())
	assert.Equal(t, "semchunk", Select("mindchunk", nil).Name())

	proposer := func(ctx context.Context, prompt string) (string, error) { return "[]", nil }
	assert.Equal(t, "mindchunk", Select("mindchunk", proposer).Name())
}
