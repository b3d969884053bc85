package retrieval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/classmind/kbengine/pkg/types"
)

func TestEvaluate(t *testing.T) {
	ranked := []string{"a", "b", "c", "d"}
	relevant := map[string]bool{"b": true, "d": true, "x": true}

	r := Evaluate(ranked, relevant, 4)

	assert.Equal(t, 4, r.K)
	assert.InDelta(t, 0.5, r.Precision, 1e-9)          // 2 of 4
	assert.InDelta(t, 2.0/3.0, r.Recall, 1e-9)         // 2 of 3
	assert.InDelta(t, 0.5, r.MRR, 1e-9)                // first hit at rank 2

	// DCG: b at rank 2, d at rank 4. IDCG over 3 ideal positions.
	dcg := 1/math.Log2(3) + 1/math.Log2(5)
	idcg := 1/math.Log2(2) + 1/math.Log2(3) + 1/math.Log2(4)
	assert.InDelta(t, dcg/idcg, r.NDCG, 1e-9)
}

func TestEvaluatePerfectRanking(t *testing.T) {
	ranked := []string{"a", "b"}
	relevant := map[string]bool{"a": true, "b": true}

	r := Evaluate(ranked, relevant, 2)

	assert.InDelta(t, 1.0, r.Precision, 1e-9)
	assert.InDelta(t, 1.0, r.Recall, 1e-9)
	assert.InDelta(t, 1.0, r.MRR, 1e-9)
	assert.InDelta(t, 1.0, r.NDCG, 1e-9)
}

func TestEvaluateCutoff(t *testing.T) {
	ranked := []string{"a", "b", "c"}
	relevant := map[string]bool{"c": true}

	r := Evaluate(ranked, relevant, 2)

	assert.Zero(t, r.Precision)
	assert.Zero(t, r.Recall)
	assert.Zero(t, r.MRR)
	assert.Zero(t, r.NDCG)
}

func TestEvaluateEmpty(t *testing.T) {
	r := Evaluate(nil, map[string]bool{"a": true}, 5)
	assert.Zero(t, r.Precision)
	assert.Zero(t, r.Recall)

	r = Evaluate([]string{"a"}, map[string]bool{}, 5)
	assert.Zero(t, r.Precision)
}

func TestRelevanceFromFeedback(t *testing.T) {
	rows := []*types.Feedback{
		{RelevantChunks: []string{"a", "b"}},
		{RelevantChunks: []string{"c"}, IrrelevantChunks: []string{"b"}},
	}

	rel := RelevanceFromFeedback(rows)

	assert.True(t, rel["a"])
	assert.True(t, rel["c"])
	assert.False(t, rel["b"])
}
