package retrieval

import (
	"context"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/types"
)

// DatasetReport averages quality metrics across a dataset's queries.
type DatasetReport struct {
	DatasetID string                `json:"dataset_id"`
	Method    types.RetrievalMethod `json:"method"`
	Queries   int                   `json:"queries"`
	Precision float64               `json:"precision"`
	Recall    float64               `json:"recall"`
	MRR       float64               `json:"mrr"`
	NDCG      float64               `json:"ndcg"`
	PerQuery  []QualityReport       `json:"per_query"`
}

// EvaluateDataset runs every dataset query through the engine with the
// given method and averages the per-query quality metrics. Evaluation
// runs bypass the query-record history.
func (e *Engine) EvaluateDataset(ctx context.Context, userID string, ds *types.EvalDataset, method types.RetrievalMethod) (*DatasetReport, error) {
	if len(ds.Queries) == 0 {
		return nil, errdefs.E(errdefs.KindNotFound, "dataset %s has no queries", ds.ID)
	}

	report := &DatasetReport{DatasetID: ds.ID, Method: method}
	for _, q := range ds.Queries {
		// Evaluation ranks the full result list.
		resp, err := e.Search(ctx, userID, Request{Query: q.Query, Method: method, TopK: maxTopK})
		if err != nil {
			return nil, err
		}
		ranked := make([]string, len(resp.Results))
		for i, r := range resp.Results {
			ranked[i] = r.ChunkID
		}
		relevant := make(map[string]bool, len(q.RelevantChunks))
		for _, id := range q.RelevantChunks {
			relevant[id] = true
		}

		qr := Evaluate(ranked, relevant, len(ranked))
		report.PerQuery = append(report.PerQuery, qr)
		report.Precision += qr.Precision
		report.Recall += qr.Recall
		report.MRR += qr.MRR
		report.NDCG += qr.NDCG
	}

	n := float64(len(ds.Queries))
	report.Queries = len(ds.Queries)
	report.Precision /= n
	report.Recall /= n
	report.MRR /= n
	report.NDCG /= n

	log.WithTenant(userID).Info().
		Str("dataset", ds.ID).
		Str("method", string(method)).
		Int("queries", report.Queries).
		Float64("precision", report.Precision).
		Float64("mrr", report.MRR).
		Msg("evaluation run finished")
	return report, nil
}
