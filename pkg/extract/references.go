package extract

import (
	"regexp"
	"sort"

	"github.com/classmind/kbengine/pkg/types"
)

// Reference kinds produced by ScanReferences.
const (
	RefCitationNumeric = "citation_numeric" // [12]
	RefCitationAuthor  = "citation_author"  // (Smith, 2020)
	RefDOI             = "doi"
	RefURL             = "url"
	RefCrossSection    = "cross_section" // see Section 3 / 见第3节
)

var refPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{RefCitationNumeric, regexp.MustCompile(`\[\d{1,3}(?:\s*[,–-]\s*\d{1,3})*\]`)},
	{RefCitationAuthor, regexp.MustCompile(`\([A-Z][A-Za-z-]+(?:\s+(?:et al\.|and|&)\s*[A-Z]?[A-Za-z-]*)?,\s*(?:19|20)\d{2}[a-z]?\)`)},
	{RefDOI, regexp.MustCompile(`(?i)doi:\s*10\.\d{4,9}/[-._;()/:A-Za-z0-9]+`)},
	{RefURL, regexp.MustCompile(`https?://[^\s<>"')\]]+`)},
	{RefCrossSection, regexp.MustCompile(`(?i)see\s+(?:section|chapter|figure|table|appendix)\s+\d+(?:\.\d+)*`)},
	{RefCrossSection, regexp.MustCompile(`[见参]第\s*\d+\s*[章节条款图表]`)},
}

// ScanReferences finds citation patterns and cross-references in
// extracted text, ordered by position. Downstream relationship inference
// consumes the result.
func ScanReferences(text string) []types.Reference {
	var refs []types.Reference
	for _, p := range refPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			refs = append(refs, types.Reference{
				Kind:     p.kind,
				Text:     text[loc[0]:loc[1]],
				Position: loc[0],
			})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Position != refs[j].Position {
			return refs[i].Position < refs[j].Position
		}
		return refs[i].Kind < refs[j].Kind
	})
	return refs
}
