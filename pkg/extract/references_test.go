package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanReferences(t *testing.T) {
	text := "As shown in [12], chlorophyll absorbs light (Smith, 2020). " +
		"See Section 3.2 for details. doi: 10.1000/xyz123 " +
		"More at https://example.com/paper."

	refs := ScanReferences(text)
	require.NotEmpty(t, refs)

	kinds := map[string]int{}
	for _, r := range refs {
		kinds[r.Kind]++
	}
	assert.Equal(t, 1, kinds[RefCitationNumeric])
	assert.Equal(t, 1, kinds[RefCitationAuthor])
	assert.Equal(t, 1, kinds[RefDOI])
	assert.Equal(t, 1, kinds[RefURL])
	assert.Equal(t, 1, kinds[RefCrossSection])

	// Ordered by position
	for i := 1; i < len(refs); i++ {
		assert.GreaterOrEqual(t, refs[i].Position, refs[i-1].Position)
	}

	// Positions point at the matched text
	for _, r := range refs {
		assert.Equal(t, r.Text, text[r.Position:r.Position+len(r.Text)])
	}
}

func TestScanReferencesCJK(t *testing.T) {
	refs := ScanReferences("详细内容见第3章的说明")
	require.Len(t, refs, 1)
	assert.Equal(t, RefCrossSection, refs[0].Kind)
}

func TestScanReferencesNoMatches(t *testing.T) {
	assert.Empty(t, ScanReferences("nothing to cite here"))
}

func TestNumericRanges(t *testing.T) {
	refs := ScanReferences("compare [1, 2] and [3-5]")
	require.Len(t, refs, 2)
	assert.Equal(t, "[1, 2]", refs[0].Text)
	assert.Equal(t, "[3-5]", refs[1].Text)
}
