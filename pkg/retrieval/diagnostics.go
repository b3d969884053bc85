package retrieval

import (
	"context"
	"fmt"

	"github.com/classmind/kbengine/pkg/keyword"
	"github.com/classmind/kbengine/pkg/store"
	"github.com/classmind/kbengine/pkg/vectorstore"
)

// DiagnosticsSource is the inspection slice of the vector adapter.
type DiagnosticsSource interface {
	Diagnostics(ctx context.Context, tenantID string) (*vectorstore.Diagnostics, error)
	CompressionMetrics(ctx context.Context, tenantID string) (*vectorstore.CompressionMetrics, error)
}

// SystemReport compares the relational chunk rows against the tenant's
// vector collection so index drift is visible before it corrupts
// search results.
type SystemReport struct {
	ChunkRows   int                             `json:"chunk_rows"`
	Collection  *vectorstore.Diagnostics        `json:"collection"`
	Compression *vectorstore.CompressionMetrics `json:"compression"`
	Drift       int                             `json:"drift"` // rows minus points
	FTSEnabled  bool                            `json:"fts_enabled"`
	Issues      []string                        `json:"issues"`
}

// Inspector produces per-tenant system reports.
type Inspector struct {
	store    *store.Store
	vectors  DiagnosticsSource
	keywords *keyword.Index
}

// NewInspector wires the inspector.
func NewInspector(st *store.Store, vectors DiagnosticsSource, kw *keyword.Index) *Inspector {
	return &Inspector{store: st, vectors: vectors, keywords: kw}
}

// Inspect builds the report for one tenant.
func (i *Inspector) Inspect(ctx context.Context, userID string) (*SystemReport, error) {
	rows, err := i.store.CountChunksByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &SystemReport{
		ChunkRows:  rows,
		FTSEnabled: i.keywords.FTSEnabled(),
	}

	diag, err := i.vectors.Diagnostics(ctx, userID)
	if err != nil {
		return nil, err
	}
	report.Collection = diag
	report.Drift = rows - int(diag.PointsCount)

	if comp, err := i.vectors.CompressionMetrics(ctx, userID); err == nil {
		report.Compression = comp
	}
	report.Issues = diagnose(report)
	return report, nil
}

// Compression returns the quantization metrics for one tenant.
func (i *Inspector) Compression(ctx context.Context, userID string) (*vectorstore.CompressionMetrics, error) {
	return i.vectors.CompressionMetrics(ctx, userID)
}

func diagnose(r *SystemReport) []string {
	var issues []string
	if r.ChunkRows > 0 && !r.Collection.CollectionExists {
		issues = append(issues, fmt.Sprintf(
			"collection missing: %d chunk rows exist but no vector collection was found", r.ChunkRows))
	}
	switch {
	case r.Drift > 0:
		issues = append(issues, fmt.Sprintf(
			"index drift: %d chunks have no vector point; affected documents need a reindex", r.Drift))
	case r.Drift < 0:
		issues = append(issues, fmt.Sprintf(
			"orphaned vectors: %d points have no chunk row; a delete may not have propagated", -r.Drift))
	}
	if !r.FTSEnabled {
		issues = append(issues, "full-text index unavailable, keyword search is running on the LIKE fallback")
	}
	return issues
}
