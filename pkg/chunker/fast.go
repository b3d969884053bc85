package chunker

import (
	"context"
	"strings"

	"github.com/classmind/kbengine/pkg/types"
)

// FastChunker is the local token-aware splitter (engine "semchunk").
// Boundary preference is paragraph > sentence > word.
type FastChunker struct{}

// NewFastChunker creates the fast engine.
func NewFastChunker() *FastChunker {
	return &FastChunker{}
}

func (f *FastChunker) Name() string { return "semchunk" }

// ChunkText splits text into token-bounded chunks. Chunk offsets tile
// the input; the configured overlap re-appears as a text prefix taken
// from the previous chunk's tail so neighbouring chunks share context.
func (f *FastChunker) ChunkText(ctx context.Context, text string, pages []types.PageInfo, params Params) (*Result, error) {
	params = withDefaults(params)

	if len(text) == 0 {
		return &Result{}, nil
	}

	spans := f.boundarySpans(text)
	chunkSpans := packSpans(text, spans, params.ChunkSize)

	chunks := make([]types.Chunk, 0, len(chunkSpans))
	prevTail := ""
	for i, cs := range chunkSpans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body := text[cs.start:cs.end]
		chunkText := body
		if prevTail != "" {
			chunkText = prevTail + body
		}

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

// EstimateCount predicts the number of chunks from total token count.
func (f *FastChunker) EstimateCount(text string, params Params) int {
	params = withDefaults(params)
	total := CountTokens(text)
	if total == 0 {
		return 0
	}
	if total <= params.ChunkSize {
		return 1
	}
	step := params.ChunkSize - params.Overlap
	if step <= 0 {
		step = params.ChunkSize
	}
	return 1 + (total-params.ChunkSize+step-1)/step
}

// boundarySpans produces the finest splitting units: paragraphs first,
// each paragraph broken into sentences, oversized sentences into words.
func (f *FastChunker) boundarySpans(text string) []span {
	var units []span

	paraStart := 0
	flushPara := func(start, end int) {
		if end <= start {
			return
		}
		for _, s := range splitSentences(text[start:end]) {
			abs := span{start: start + s.start, end: start + s.end}
			units = append(units, splitOversized(text, abs)...)
		}
	}

	for {
		idx := strings.Index(text[paraStart:], "\n\n")
		if idx < 0 {
			break
		}
		// Keep the paragraph separator attached to the leading unit so
		// concatenation reproduces the input.
		flushPara(paraStart, paraStart+idx+2)
		paraStart += idx + 2
	}
	flushPara(paraStart, len(text))

	return units
}

// splitOversized breaks a sentence exceeding the hard unit budget on
// word boundaries so packing always makes progress.
func splitOversized(text string, s span) []span {
	const unitBudget = 200 // tokens; sentences above this get word-split
	if CountTokens(text[s.start:s.end]) <= unitBudget {
		return []span{s}
	}

	var out []span
	start := s.start
	for start < s.end {
		end := start
		tokens := 0
		for end < s.end {
			next := strings.IndexByte(text[end:s.end], ' ')
			var wordEnd int
			if next < 0 {
				wordEnd = s.end
			} else {
				wordEnd = end + next + 1
			}
			tokens += CountTokens(text[end:wordEnd])
			end = wordEnd
			if tokens >= unitBudget {
				break
			}
		}
		if end == start {
			// No space found: cut mid-run to guarantee progress
			end = s.end
		}
		out = append(out, span{start: start, end: end})
		start = end
	}
	return out
}

// packSpans greedily accumulates units into chunks within the token
// budget. Every chunk boundary is a unit boundary, so chunk spans tile
// the input exactly.
func packSpans(text string, units []span, chunkSize int) []span {
	var out []span
	var cur *span
	curTokens := 0

	for _, u := range units {
		t := CountTokens(text[u.start:u.end])
		if cur == nil {
			c := u
			cur = &c
			curTokens = t
			continue
		}
		if curTokens+t > chunkSize {
			out = append(out, *cur)
			c := u
			cur = &c
			curTokens = t
			continue
		}
		cur.end = u.end
		curTokens += t
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// overlapTail returns the suffix of body holding roughly the requested
// token overlap, cut at a word boundary.
func overlapTail(body string, overlap int) string {
	if overlap <= 0 {
		return ""
	}
	runes := []rune(body)
	// Walk back by whole words until the tail reaches the overlap budget.
	end := len(runes)
	start := end
	for start > 0 {
		next := start - 1
		for next > 0 && runes[next-1] != ' ' && runes[next-1] != '\n' {
			next--
		}
		if CountTokens(string(runes[next:end])) > overlap {
			break
		}
		start = next
		if start == 0 {
			break
		}
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

func withDefaults(params Params) Params {
	if params.ChunkSize <= 0 {
		params.ChunkSize = 500
	}
	if params.Overlap < 0 || params.Overlap >= params.ChunkSize {
		params.Overlap = 50
	}
	if params.Structure == "" {
		params.Structure = StructureGeneral
	}
	return params
}
