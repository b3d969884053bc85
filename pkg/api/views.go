package api

import (
	"time"

	"github.com/classmind/kbengine/pkg/types"
)

// documentView is the wire shape of a document record.
type documentView struct {
	ID              string            `json:"id"`
	FileName        string            `json:"file_name"`
	FileType        string            `json:"file_type"`
	FileSize        int64             `json:"file_size"`
	Status          string            `json:"status"`
	ProgressStage   string            `json:"progress_stage,omitempty"`
	ProgressPercent int               `json:"progress_percent"`
	ChunkCount      int               `json:"chunk_count"`
	ContentHash     string            `json:"content_hash"`
	Version         int               `json:"version"`
	Language        string            `json:"language,omitempty"`
	Category        string            `json:"category,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func viewDocument(d *types.Document) documentView {
	return documentView{
		ID:              d.ID,
		FileName:        d.FileName,
		FileType:        d.FileType,
		FileSize:        d.FileSize,
		Status:          string(d.Status),
		ProgressStage:   string(d.ProgressStage),
		ProgressPercent: d.ProgressPercent,
		ChunkCount:      d.ChunkCount,
		ContentHash:     d.ContentHash,
		Version:         d.Version,
		Language:        d.Language,
		Category:        d.Category,
		Tags:            d.Tags,
		Metadata:        d.ExtractedMetadata,
		ErrorMessage:    d.ErrorMessage,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func viewDocuments(docs []*types.Document) []documentView {
	out := make([]documentView, len(docs))
	for i, d := range docs {
		out[i] = viewDocument(d)
	}
	return out
}

type chunkView struct {
	ID         string              `json:"id"`
	ChunkIndex int                 `json:"chunk_index"`
	Text       string              `json:"text"`
	StartChar  int                 `json:"start_char"`
	EndChar    int                 `json:"end_char"`
	Metadata   types.ChunkMetadata `json:"metadata"`
	CreatedAt  time.Time           `json:"created_at"`
}

func viewChunks(chunks []types.Chunk) []chunkView {
	out := make([]chunkView, len(chunks))
	for i, c := range chunks {
		out[i] = chunkView{
			ID:         c.ID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			StartChar:  c.StartChar,
			EndChar:    c.EndChar,
			Metadata:   c.Metadata,
			CreatedAt:  c.CreatedAt,
		}
	}
	return out
}

type versionView struct {
	VersionNumber int                  `json:"version_number"`
	ContentHash   string               `json:"content_hash"`
	ChunkCount    int                  `json:"chunk_count"`
	ChangeSummary *types.ChangeSummary `json:"change_summary,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

func viewVersions(versions []*types.DocumentVersion) []versionView {
	out := make([]versionView, len(versions))
	for i, v := range versions {
		out[i] = versionView{
			VersionNumber: v.VersionNumber,
			ContentHash:   v.ContentHash,
			ChunkCount:    v.ChunkCount,
			ChangeSummary: v.ChangeSummary,
			CreatedAt:     v.CreatedAt,
		}
	}
	return out
}

type batchView struct {
	ID          string    `json:"id"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Status      string    `json:"status"`
	DocumentIDs []string  `json:"document_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewBatch(b *types.Batch) batchView {
	return batchView{
		ID:          b.ID,
		Total:       b.Total,
		Completed:   b.Completed,
		Failed:      b.Failed,
		Status:      string(b.Status),
		DocumentIDs: b.DocumentIDs,
		CreatedAt:   b.CreatedAt,
	}
}

type queryRecordView struct {
	ID             string    `json:"id"`
	Query          string    `json:"query"`
	Method         string    `json:"method"`
	TopK           int       `json:"top_k"`
	ScoreThreshold float64   `json:"score_threshold"`
	ResultCount    int       `json:"result_count"`
	EmbeddingMS    int64     `json:"embedding_ms"`
	SearchMS       int64     `json:"search_ms"`
	RerankMS       int64     `json:"rerank_ms"`
	TotalMS        int64     `json:"total_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

func viewQueryRecords(records []*types.QueryRecord) []queryRecordView {
	out := make([]queryRecordView, len(records))
	for i, r := range records {
		out[i] = queryRecordView{
			ID:             r.ID,
			Query:          r.Query,
			Method:         string(r.Method),
			TopK:           r.TopK,
			ScoreThreshold: r.ScoreThreshold,
			ResultCount:    r.ResultCount,
			EmbeddingMS:    r.EmbeddingMS,
			SearchMS:       r.SearchMS,
			RerankMS:       r.RerankMS,
			TotalMS:        r.TotalMS,
			CreatedAt:      r.CreatedAt,
		}
	}
	return out
}

type datasetView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Queries   int       `json:"queries"`
	CreatedAt time.Time `json:"created_at"`
}

func viewDatasets(datasets []*types.EvalDataset) []datasetView {
	out := make([]datasetView, len(datasets))
	for i, ds := range datasets {
		out[i] = datasetView{ID: ds.ID, Name: ds.Name, Queries: len(ds.Queries), CreatedAt: ds.CreatedAt}
	}
	return out
}
