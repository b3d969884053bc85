package extract

import (
	"context"
	"strings"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/types"
)

// Result is the outcome of text extraction.
type Result struct {
	Text     string
	Pages    []types.PageInfo // empty for non-paginated formats
	Metadata map[string]string
	Language string // ISO 639-1, best effort
}

// OCRFunc turns image bytes into text, typically through a vision-capable
// chat call on the provider gateway.
type OCRFunc func(ctx context.Context, data []byte, mime string) (string, error)

// Processor validates and extracts text from uploaded files.
type Processor struct {
	ocr OCRFunc
}

// NewProcessor creates a Processor. ocr may be nil, in which case image
// uploads fail with ExtractionFailed.
func NewProcessor(ocr OCRFunc) *Processor {
	return &Processor{ocr: ocr}
}

// Extract validates data against the claimed MIME type and extracts
// text, page offsets, metadata and language.
func (p *Processor) Extract(ctx context.Context, data []byte, claimed string) (*Result, error) {
	if err := ValidateType(data, claimed); err != nil {
		return nil, err
	}

	mime := NormalizeMime(claimed)
	var res *Result
	var err error

	switch mime {
	case MimePDF:
		res, err = extractPDF(data)
	case MimeDOCX:
		res, err = extractDOCX(data)
	case MimeXLSX:
		res, err = extractXLSX(data)
	case MimeTXT, MimeMD:
		res = &Result{Text: string(data), Metadata: map[string]string{}}
	case MimePNG, MimeJPEG, MimeTIFF, MimeGIF, MimeBMP:
		res, err = p.extractImage(ctx, data, mime)
	default:
		return nil, errdefs.E(errdefs.KindUnsupportedType, "no extractor for %q", mime)
	}
	if err != nil {
		return nil, err
	}

	res.Language = DetectLanguage(res.Text)

	log.WithComponent("extract").Debug().
		Str("mime", mime).
		Int("chars", len(res.Text)).
		Int("pages", len(res.Pages)).
		Str("language", res.Language).
		Msg("extraction complete")

	return res, nil
}

func (p *Processor) extractImage(ctx context.Context, data []byte, mime string) (*Result, error) {
	if p.ocr == nil {
		return nil, errdefs.E(errdefs.KindExtractionFailed, "no OCR backend configured for %q", mime)
	}
	text, err := p.ocr(ctx, data, mime)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExtractionFailed, err, "ocr failed")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errdefs.E(errdefs.KindExtractionFailed, "ocr produced no text")
	}
	return &Result{Text: text, Metadata: map[string]string{}}, nil
}
