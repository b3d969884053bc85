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

// CreateEvalDataset saves a labeled query set for quality evaluation.
func (s *Store) CreateEvalDataset(ctx context.Context, ds *types.EvalDataset) error {
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
	queries, err := json.Marshal(ds.Queries)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode dataset queries")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO eval_datasets (id, space_id, name, queries, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ds.ID, ds.SpaceID, ds.Name, string(queries), ds.CreatedAt)
	if err != nil {
		return writeErr(err, "insert eval dataset %s", ds.ID)
	}
	return nil
}

// GetEvalDataset fetches one dataset by id.
func (s *Store) GetEvalDataset(ctx context.Context, id string) (*types.EvalDataset, error) {
	var ds types.EvalDataset
	var queries string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, space_id, name, queries, created_at FROM eval_datasets WHERE id = ?`, id).
		Scan(&ds.ID, &ds.SpaceID, &ds.Name, &queries, &ds.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.E(errdefs.KindNotFound, "eval dataset %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(queries), &ds.Queries); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "decode dataset queries")
	}
	return &ds, nil
}

// ListEvalDatasets returns a space's datasets newest first.
func (s *Store) ListEvalDatasets(ctx context.Context, spaceID string) ([]*types.EvalDataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, space_id, name, queries, created_at FROM eval_datasets
		 WHERE space_id = ? ORDER BY created_at DESC, id DESC`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.EvalDataset
	for rows.Next() {
		var ds types.EvalDataset
		var queries string
		if err := rows.Scan(&ds.ID, &ds.SpaceID, &ds.Name, &queries, &ds.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(queries), &ds.Queries)
		out = append(out, &ds)
	}
	return out, rows.Err()
}

// InsertUsage persists one assistant token-usage row.
func (s *Store) InsertUsage(ctx context.Context, u *types.UsageRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, user_id, org_id, conversation_id, endpoint,
		   input_tokens, output_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.UserID, u.OrgID, u.ConversationID, u.Endpoint,
		u.Usage.InputTokens, u.Usage.OutputTokens, u.Usage.TotalTokens, u.CreatedAt)
	if err != nil {
		return writeErr(err, "insert usage record %s", u.ID)
	}
	return nil
}
