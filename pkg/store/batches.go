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

// CreateBatch inserts a batch row in processing state.
func (s *Store) CreateBatch(ctx context.Context, b *types.Batch) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = types.BatchStatusProcessing
	}
	ids, _ := json.Marshal(orEmpty(b.DocumentIDs))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, user_id, total, completed, failed, status, document_ids, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.Total, b.Completed, b.Failed, b.Status, string(ids), now, now)
	if err != nil {
		return writeErr(err, "create batch %s", b.ID)
	}
	return nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.Batch, error) {
	var b types.Batch
	var ids string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, total, completed, failed, status, document_ids, created_at, updated_at
		 FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.UserID, &b.Total, &b.Completed, &b.Failed, &b.Status, &ids,
			&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.E(errdefs.KindNotFound, "batch %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(ids), &b.DocumentIDs)
	return &b, nil
}

// RecordBatchOutcome bumps the batch counters for one finished document
// and finalizes the status when every document has reported. It returns
// the updated batch.
func (s *Store) RecordBatchOutcome(ctx context.Context, id string, failed bool) (*types.Batch, error) {
	col := "completed"
	if failed {
		col = "failed"
	}
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET `+col+` = `+col+` + 1, updated_at = ? WHERE id = ?`,
			time.Now().UTC(), id); err != nil {
			return writeErr(err, "bump batch %s", id)
		}
		// Finalize once all documents reported. A batch is failed only
		// when every document failed; partial success still completes.
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET status = CASE WHEN completed = 0 THEN ? ELSE ? END
			 WHERE id = ? AND completed + failed >= total`,
			types.BatchStatusFailed, types.BatchStatusCompleted, id); err != nil {
			return writeErr(err, "finalize batch %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, id)
}
