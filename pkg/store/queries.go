package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/types"
)

// queryRetention caps the retrieval-test history per space.
const queryRetention = 10

const queryColumns = `id, space_id, query, method, top_k, score_threshold, result_count,
	embedding_ms, search_ms, rerank_ms, total_ms, created_at`

// InsertQueryRecord saves one retrieval-test run and trims the space's
// history to the most recent entries. Feedback on trimmed records
// cascades away with them.
func (s *Store) InsertQueryRecord(ctx context.Context, r *types.QueryRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO query_records (`+queryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SpaceID, r.Query, r.Method, r.TopK, r.ScoreThreshold, r.ResultCount,
			r.EmbeddingMS, r.SearchMS, r.RerankMS, r.TotalMS, r.CreatedAt); err != nil {
			return writeErr(err, "insert query record %s", r.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM query_records WHERE space_id = ? AND id NOT IN (
			   SELECT id FROM query_records WHERE space_id = ?
			   ORDER BY created_at DESC, id DESC LIMIT ?)`,
			r.SpaceID, r.SpaceID, queryRetention); err != nil {
			return writeErr(err, "trim query history for space %s", r.SpaceID)
		}
		return nil
	})
}

// ListQueryRecords returns the retained history newest first.
func (s *Store) ListQueryRecords(ctx context.Context, spaceID string) ([]*types.QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queryColumns+` FROM query_records
		 WHERE space_id = ? ORDER BY created_at DESC, id DESC`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.QueryRecord
	for rows.Next() {
		var r types.QueryRecord
		if err := rows.Scan(&r.ID, &r.SpaceID, &r.Query, &r.Method, &r.TopK,
			&r.ScoreThreshold, &r.ResultCount, &r.EmbeddingMS, &r.SearchMS,
			&r.RerankMS, &r.TotalMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetQueryRecord fetches one record by id.
func (s *Store) GetQueryRecord(ctx context.Context, id string) (*types.QueryRecord, error) {
	var r types.QueryRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT `+queryColumns+` FROM query_records WHERE id = ?`, id).
		Scan(&r.ID, &r.SpaceID, &r.Query, &r.Method, &r.TopK, &r.ScoreThreshold,
			&r.ResultCount, &r.EmbeddingMS, &r.SearchMS, &r.RerankMS, &r.TotalMS, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.E(errdefs.KindNotFound, "query record %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertFeedback records user feedback against a query record.
func (s *Store) InsertFeedback(ctx context.Context, f *types.Feedback) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	relevant, _ := json.Marshal(orEmpty(f.RelevantChunks))
	irrelevant, _ := json.Marshal(orEmpty(f.IrrelevantChunks))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, query_id, rating, score, relevant_chunks, irrelevant_chunks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.QueryID, f.Rating, f.Score, string(relevant), string(irrelevant), f.CreatedAt)
	if err != nil {
		return writeErr(err, "insert feedback for query %s", f.QueryID)
	}
	return nil
}

// ListFeedback returns feedback for a query record.
func (s *Store) ListFeedback(ctx context.Context, queryID string) ([]*types.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_id, rating, score, relevant_chunks, irrelevant_chunks, created_at
		 FROM feedback WHERE query_id = ? ORDER BY created_at`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Feedback
	for rows.Next() {
		var f types.Feedback
		var relevant, irrelevant string
		if err := rows.Scan(&f.ID, &f.QueryID, &f.Rating, &f.Score,
			&relevant, &irrelevant, &f.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(relevant), &f.RelevantChunks)
		json.Unmarshal([]byte(irrelevant), &f.IrrelevantChunks)
		out = append(out, &f)
	}
	return out, rows.Err()
}
