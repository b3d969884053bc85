package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/types"
)

// BoundaryProposer asks an LLM to answer a prompt. The chunker owns
// prompt construction and response parsing.
type BoundaryProposer func(ctx context.Context, prompt string) (string, error)

// llmSamplePrefix caps how much text is shown to the model. Boundaries
// beyond the sample are extrapolated from the observed average spacing.
const llmSamplePrefix = 3000

// LLMChunker proposes semantic boundaries with an LLM (engine
// "mindchunk"). Only the general structure is supported; hierarchical
// and custom requests run on the fast engine and surface a warning.
type LLMChunker struct {
	proposer BoundaryProposer
	fallback *FastChunker
}

// NewLLMChunker creates the LLM engine with a fast-engine fallback.
func NewLLMChunker(proposer BoundaryProposer) *LLMChunker {
	return &LLMChunker{
		proposer: proposer,
		fallback: NewFastChunker(),
	}
}

func (l *LLMChunker) Name() string { return "mindchunk" }

// EstimateCount delegates to the fast engine; the prediction only gates
// the tenant chunk cap and does not need semantic boundaries.
func (l *LLMChunker) EstimateCount(text string, params Params) int {
	return l.fallback.EstimateCount(text, params)
}

func (l *LLMChunker) ChunkText(ctx context.Context, text string, pages []types.PageInfo, params Params) (*Result, error) {
	params = withDefaults(params)

	if params.Structure != StructureGeneral {
		res, err := l.fallback.ChunkText(ctx, text, pages, params)
		if err != nil {
			return nil, err
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"chunking mode %s not supported by llm engine; used fast engine", params.Structure))
		return res, nil
	}

	if len(text) == 0 {
		return &Result{}, nil
	}

	boundaries, err := l.proposeBoundaries(ctx, text)
	if err != nil || len(boundaries) == 0 {
		log.WithComponent("chunker").Warn().
			Err(err).
			Msg("llm boundary proposal failed, using fast engine")
		res, ferr := l.fallback.ChunkText(ctx, text, pages, params)
		if ferr != nil {
			return nil, ferr
		}
		res.Warnings = append(res.Warnings, "llm boundary proposal failed; used fast engine")
		return res, nil
	}

	spans := l.materialize(text, boundaries)

	chunks := make([]types.Chunk, 0, len(spans))
	prevTail := ""
	for i, cs := range spans {
		body := text[cs.start:cs.end]
		chunkText := prevTail + body
		hasTable, hasCode := annotate(body)
		chunks = append(chunks, types.Chunk{
			ChunkIndex: i,
			Text:       chunkText,
			StartChar:  cs.start,
			EndChar:    cs.end,
			Metadata: types.ChunkMetadata{
				Page:       pageFor(pages, cs.start),
				TokenCount: CountTokens(chunkText),
				HasTable:   hasTable,
				HasCode:    hasCode,
			},
		})
		prevTail = overlapTail(body, params.Overlap)
	}

	return &Result{Chunks: chunks}, nil
}

// proposeBoundaries samples a prefix, asks the model for character
// offsets of topic shifts, and extrapolates the observed spacing over
// the remainder of the text.
func (l *LLMChunker) proposeBoundaries(ctx context.Context, text string) ([]int, error) {
	sample := text
	if len(sample) > llmSamplePrefix {
		sample = sample[:llmSamplePrefix]
	}

	prompt := fmt.Sprintf(
		"Split the following text at semantic topic boundaries. "+
			"Reply with only a JSON array of character offsets where each new segment starts, "+
			"excluding offset 0. Text:\n%s", sample)

	reply, err := l.proposer(ctx, prompt)
	if err != nil {
		return nil, err
	}

	offsets, err := parseOffsets(reply)
	if err != nil {
		return nil, err
	}

	var boundaries []int
	for _, off := range offsets {
		if off > 0 && off < len(sample) {
			boundaries = append(boundaries, off)
		}
	}
	if len(boundaries) == 0 {
		return nil, fmt.Errorf("no usable boundaries in reply")
	}
	sort.Ints(boundaries)

	// Extrapolate: repeat the average sampled spacing across the rest.
	if len(text) > len(sample) {
		spacing := sampleSpacing(boundaries, len(sample))
		for next := boundaries[len(boundaries)-1] + spacing; next < len(text); next += spacing {
			boundaries = append(boundaries, next)
		}
	}
	return boundaries, nil
}

func sampleSpacing(boundaries []int, sampleLen int) int {
	spacing := sampleLen / (len(boundaries) + 1)
	if spacing < 200 {
		spacing = 200
	}
	return spacing
}

// materialize snaps proposed boundaries to the nearest following
// sentence end so chunk spans tile the text at natural cut points.
func (l *LLMChunker) materialize(text string, boundaries []int) []span {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return []span{{start: 0, end: len(text)}}
	}

	cutSet := map[int]bool{}
	for _, b := range boundaries {
		// Find the first sentence start at or after the boundary.
		idx := sort.Search(len(sentences), func(i int) bool {
			return sentences[i].start >= b
		})
		if idx < len(sentences) && sentences[idx].start > 0 {
			cutSet[sentences[idx].start] = true
		}
	}

	cuts := make([]int, 0, len(cutSet))
	for c := range cutSet {
		cuts = append(cuts, c)
	}
	sort.Ints(cuts)

	var out []span
	start := 0
	for _, c := range cuts {
		if c > start {
			out = append(out, span{start: start, end: c})
			start = c
		}
	}
	if start < len(text) {
		out = append(out, span{start: start, end: len(text)})
	}
	return out
}

// parseOffsets accepts a bare JSON array or one wrapped in prose or a
// code fence, which chat models routinely add.
func parseOffsets(reply string) ([]int, error) {
	reply = strings.TrimSpace(reply)
	first := strings.IndexByte(reply, '[')
	last := strings.LastIndexByte(reply, ']')
	if first < 0 || last <= first {
		return nil, fmt.Errorf("reply contains no JSON array")
	}
	var offsets []int
	if err := json.Unmarshal([]byte(reply[first:last+1]), &offsets); err != nil {
		return nil, fmt.Errorf("parse boundary offsets: %w", err)
	}
	return offsets, nil
}
