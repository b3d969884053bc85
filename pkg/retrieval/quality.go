package retrieval

import (
	"math"

	"github.com/classmind/kbengine/pkg/types"
)

// QualityReport summarizes ranking quality at cutoff K against a
// labeled relevance set.
type QualityReport struct {
	K         int     `json:"k"`
	Retrieved int     `json:"retrieved"`
	Relevant  int     `json:"relevant"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	MRR       float64 `json:"mrr"`
	NDCG      float64 `json:"ndcg"`
}

// Evaluate scores a ranked chunk-id list against the relevant set,
// cut off at k. Binary relevance.
func Evaluate(ranked []string, relevant map[string]bool, k int) QualityReport {
	if k <= 0 || k > len(ranked) {
		k = len(ranked)
	}
	top := ranked[:k]

	report := QualityReport{K: k, Retrieved: len(top), Relevant: len(relevant)}
	if len(top) == 0 || len(relevant) == 0 {
		return report
	}

	hits := 0
	var dcg float64
	for i, id := range top {
		if !relevant[id] {
			continue
		}
		hits++
		if report.MRR == 0 {
			report.MRR = 1 / float64(i+1)
		}
		dcg += 1 / math.Log2(float64(i)+2)
	}

	report.Precision = float64(hits) / float64(len(top))
	report.Recall = float64(hits) / float64(len(relevant))

	ideal := len(relevant)
	if ideal > k {
		ideal = k
	}
	var idcg float64
	for i := 0; i < ideal; i++ {
		idcg += 1 / math.Log2(float64(i)+2)
	}
	if idcg > 0 {
		report.NDCG = dcg / idcg
	}
	return report
}

// RelevanceFromFeedback folds user feedback rows into a relevance set:
// chunks marked relevant anywhere count as relevant unless some row
// also marked them irrelevant, in which case the later judgement wins
// per row order.
func RelevanceFromFeedback(rows []*types.Feedback) map[string]bool {
	out := map[string]bool{}
	for _, f := range rows {
		for _, id := range f.RelevantChunks {
			out[id] = true
		}
		for _, id := range f.IrrelevantChunks {
			delete(out, id)
		}
	}
	return out
}
