package extract

import (
	"bytes"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/classmind/kbengine/pkg/errdefs"
)

// extractXLSX renders each sheet as tab-separated rows, prefixed with the
// sheet name so chunking keeps sheet context together.
func extractXLSX(data []byte) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExtractionFailed, err, "open xlsx")
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindExtractionFailed, err, "read sheet %q", sheet)
		}
		if len(rows) == 0 {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("# ")
		sb.WriteString(sheet)
		sb.WriteString("\n")
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}

	if sb.Len() == 0 {
		return nil, errdefs.E(errdefs.KindExtractionFailed, "spreadsheet contains no data")
	}

	props, _ := f.GetDocProps()
	meta := map[string]string{}
	if props != nil {
		if props.Title != "" {
			meta["title"] = props.Title
		}
		if props.Creator != "" {
			meta["author"] = props.Creator
		}
		if props.Created != "" {
			meta["creation_date"] = props.Created
		}
	}

	return &Result{Text: sb.String(), Metadata: meta}, nil
}
