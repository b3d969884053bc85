package chunker

import (
	"context"
	"regexp"
	"strings"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/types"
)

// Structure selects the chunking layout requested by the caller.
type Structure string

const (
	StructureGeneral      Structure = "general"
	StructureHierarchical Structure = "hierarchical"
	StructureCustom       Structure = "custom"
)

// Params carries per-call chunking parameters.
type Params struct {
	ChunkSize int // tokens
	Overlap   int // tokens
	Structure Structure
}

// Result is the chunker output: ordered chunks plus any mode warnings.
type Result struct {
	Chunks   []types.Chunk
	Warnings []string
}

// Chunker is the pluggable engine capability set.
type Chunker interface {
	// ChunkText splits cleaned text into chunks whose [StartChar,EndChar)
	// ranges tile the text. Chunk text carries the configured token
	// overlap from the preceding chunk; offsets stay canonical.
	ChunkText(ctx context.Context, text string, pages []types.PageInfo, params Params) (*Result, error)

	// EstimateCount predicts the chunk count without materializing chunks.
	EstimateCount(text string, params Params) int

	Name() string
}

// ValidateCount fails when the predicted chunk count would exceed the
// tenant cap. Runs before any embedding is attempted.
func ValidateCount(c Chunker, text string, params Params, existing, limit int) error {
	predicted := c.EstimateCount(text, params)
	if existing+predicted > limit {
		return errdefs.E(errdefs.KindQuotaExceeded,
			"chunk cap exceeded: %d existing + %d predicted > %d", existing, predicted, limit)
	}
	return nil
}

// Select returns the engine for the configured name. The LLM engine only
// handles the general structure; hierarchical and custom requests are
// routed to the fast engine inside the LLM engine itself.
func Select(engine string, proposer BoundaryProposer) Chunker {
	if engine == "mindchunk" && proposer != nil {
		return NewLLMChunker(proposer)
	}
	if engine == "mindchunk" {
		log.WithComponent("chunker").Warn().
			Msg("mindchunk engine configured without a boundary proposer, using semchunk")
	}
	return NewFastChunker()
}

// sentence boundary runes, Latin and CJK
var sentenceEnd = regexp.MustCompile(`[.!?。！？；;]+[\s"')】”’]*`)

// splitSentences cuts text into sentences, keeping delimiters attached.
// Offsets index into the input.
func splitSentences(text string) []span {
	var out []span
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		end := loc[1]
		if end > start {
			out = append(out, span{start: start, end: end})
		}
		start = end
	}
	if start < len(text) {
		out = append(out, span{start: start, end: len(text)})
	}
	return out
}

// span is a half-open character range into the source text.
type span struct {
	start, end int
}

// pageFor returns the page containing offset, or 0 when pages are absent.
func pageFor(pages []types.PageInfo, offset int) int {
	for _, p := range pages {
		if offset >= p.Start && offset < p.End {
			return p.Page
		}
	}
	if len(pages) > 0 && offset >= pages[len(pages)-1].End {
		return pages[len(pages)-1].Page
	}
	return 0
}

var (
	tableLine  = regexp.MustCompile(`(?m)^\s*\|.+\|\s*$`)
	indentCode = regexp.MustCompile(`(?m)^ {4,}\S`)
)

// annotate fills the structural metadata flags for a chunk's text.
func annotate(text string) (hasTable, hasCode bool) {
	hasTable = strings.Contains(text, "\t") || tableLine.MatchString(text)
	hasCode = strings.Contains(text, "```") || indentCode.MatchString(text)
	return
}
