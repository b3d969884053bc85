package extract

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/types"
)

// extractPDF pulls per-page plain text and builds character offsets for
// each page. Pages are joined with a single newline; the offsets refer to
// positions in the joined text.
func extractPDF(data []byte) (res *Result, err error) {
	// The pdf package panics on malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = errdefs.E(errdefs.KindExtractionFailed, "malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExtractionFailed, err, "open pdf")
	}

	var sb strings.Builder
	var pages []types.PageInfo

	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindExtractionFailed, err, "page %d", i)
		}

		start := sb.Len()
		sb.WriteString(text)
		pages = append(pages, types.PageInfo{Page: i, Start: start, End: sb.Len()})
		if i < total {
			sb.WriteString("\n")
		}
	}

	if sb.Len() == 0 {
		return nil, errdefs.E(errdefs.KindExtractionFailed, "pdf contains no extractable text")
	}

	return &Result{
		Text:     sb.String(),
		Pages:    pages,
		Metadata: pdfMetadata(reader),
	}, nil
}

// pdfMetadata reads the Info dictionary when present.
func pdfMetadata(reader *pdf.Reader) map[string]string {
	meta := map[string]string{}

	defer func() {
		// Metadata is best effort; a broken Info dict is not fatal.
		_ = recover()
	}()

	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return meta
	}
	for src, dst := range map[string]string{
		"Title":        "title",
		"Author":       "author",
		"CreationDate": "creation_date",
	} {
		if v := info.Key(src); !v.IsNull() {
			if s := strings.TrimSpace(v.Text()); s != "" {
				meta[dst] = s
			}
		}
	}
	return meta
}
