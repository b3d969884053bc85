package types

import (
	"time"
)

// KnowledgeSpace is the per-user container for documents and processing rules.
// At most one space exists per user.
type KnowledgeSpace struct {
	ID           string
	UserID       string
	CleaningRule *CleaningRule
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CleaningRule configures the optional text cleaning passes.
// The minimum-invariant pass (control byte stripping) always runs.
type CleaningRule struct {
	CollapseWhitespace bool `json:"collapse_whitespace"`
	RemoveURLs         bool `json:"remove_urls"`
	RemoveEmails       bool `json:"remove_emails"`
}

// DocumentStatus represents the lifecycle state of a document
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// ProgressStage labels the sub-stage of a processing document
type ProgressStage string

const (
	StageExtracting     ProgressStage = "extracting"
	StageCleaning       ProgressStage = "cleaning"
	StageChunking       ProgressStage = "chunking"
	StageEmbedding      ProgressStage = "embedding"
	StageIndexing       ProgressStage = "indexing"
	StageUpdating       ProgressStage = "updating"
	StageComparing      ProgressStage = "comparing"
	StageAddingChunks   ProgressStage = "adding_chunks"
	StageUpdatingChunks ProgressStage = "updating_chunks"
	StageRollback       ProgressStage = "rollback"
)

// Document is an uploaded file owned by a knowledge space.
// Mutated only by the ingestion orchestrator.
type Document struct {
	ID                string
	SpaceID           string
	UserID            string
	FileName          string // unique within the space, forward-slash canonical
	FileType          string // MIME
	FileSize          int64
	FilePath          string
	Status            DocumentStatus
	ProgressStage     ProgressStage
	ProgressPercent   int // 0-100
	ChunkCount        int
	ContentHash       string // md5 of file bytes
	Version           int    // monotonic, starts at 1
	Language          string
	Category          string
	Tags              []string
	ExtractedMetadata map[string]string
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ChunkMetadata carries per-chunk annotations used in vector payloads.
type ChunkMetadata struct {
	Page         int    `json:"page,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	TokenCount   int    `json:"token_count"`
	HasTable     bool   `json:"has_table,omitempty"`
	HasCode      bool   `json:"has_code,omitempty"`
}

// Chunk is a contiguous span of a document's text and the unit of indexing.
// ChunkIndex is 0-based and dense within its document.
type Chunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Text       string
	StartChar  int
	EndChar    int
	Metadata   ChunkMetadata
	CreatedAt  time.Time
}

// DocumentVersion snapshots a document's prior bytes for rollback.
type DocumentVersion struct {
	ID            string
	DocumentID    string
	VersionNumber int
	FilePath      string
	ContentHash   string
	ChunkCount    int
	ChangeSummary *ChangeSummary
	CreatedAt     time.Time
}

// ChangeSummary is the outcome of a partial reindex.
type ChangeSummary struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// BatchStatus represents the aggregate state of a batch upload
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Batch groups documents uploaded together.
type Batch struct {
	ID          string
	UserID      string
	Total       int
	Completed   int
	Failed      int
	Status      BatchStatus
	DocumentIDs []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RetrievalMethod selects the first-stage candidate source
type RetrievalMethod string

const (
	MethodSemantic RetrievalMethod = "semantic"
	MethodKeyword  RetrievalMethod = "keyword"
	MethodHybrid   RetrievalMethod = "hybrid"
)

// RerankMode selects the second-stage ordering
type RerankMode string

const (
	RerankModel    RerankMode = "reranking_model"
	RerankWeighted RerankMode = "weighted_score"
	RerankNone     RerankMode = "none"
)

// QueryRecord stores one retrieval-test invocation.
// Only the 10 most recent per space are retained.
type QueryRecord struct {
	ID             string
	SpaceID        string
	Query          string
	Method         RetrievalMethod
	TopK           int
	ScoreThreshold float64
	ResultCount    int
	EmbeddingMS    int64
	SearchMS       int64
	RerankMS       int64
	TotalMS        int64
	CreatedAt      time.Time
}

// FeedbackRating is the user's judgement of a query's results
type FeedbackRating string

const (
	FeedbackPositive FeedbackRating = "positive"
	FeedbackNegative FeedbackRating = "negative"
	FeedbackNeutral  FeedbackRating = "neutral"
)

// Feedback records per-query user feedback.
type Feedback struct {
	ID               string
	QueryID          string
	Rating           FeedbackRating
	Score            int // 1-5, 0 when absent
	RelevantChunks   []string
	IrrelevantChunks []string
	CreatedAt        time.Time
}

// EvalQuery pairs a query with the chunk IDs judged relevant for it.
type EvalQuery struct {
	Query          string   `json:"query"`
	RelevantChunks []string `json:"relevant_chunks"`
}

// EvalDataset is a labeled query set used to score retrieval quality.
type EvalDataset struct {
	ID        string
	SpaceID   string
	Name      string
	Queries   []EvalQuery
	CreatedAt time.Time
}

// UsageRecord accounts assistant token consumption per conversation.
type UsageRecord struct {
	ID             string
	UserID         string
	OrgID          string
	ConversationID string
	Endpoint       string
	Usage          Usage
	CreatedAt      time.Time
}

// SearchResult is one retrieved chunk with its scores.
type SearchResult struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	DenseScore   float64 `json:"dense_score,omitempty"`
	KeywordScore float64 `json:"keyword_score,omitempty"`
	Page         int     `json:"page,omitempty"`
}

// Timing is the per-stage wall time of one retrieval.
type Timing struct {
	EmbeddingMS int64 `json:"embedding_ms"`
	SearchMS    int64 `json:"search_ms"`
	RerankMS    int64 `json:"rerank_ms"`
	TotalMS     int64 `json:"total_ms"`
}

// Usage is the token accounting triple returned by provider calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// PageInfo maps a page number to its character offsets in extracted text.
type PageInfo struct {
	Page  int `json:"page"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Reference is a citation or cross-reference found in extracted text.
type Reference struct {
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}
