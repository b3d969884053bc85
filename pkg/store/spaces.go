package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/types"
)

// EnsureSpace returns the user's knowledge space, creating it on first
// touch. Every user owns exactly one space.
func (s *Store) EnsureSpace(ctx context.Context, userID string) (*types.KnowledgeSpace, error) {
	space, err := s.GetSpaceByUser(ctx, userID)
	if err == nil {
		return space, nil
	}
	if errdefs.KindOf(err) != errdefs.KindNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	space = &types.KnowledgeSpace{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_spaces (id, user_id, cleaning_rule, created_at, updated_at)
		 VALUES (?, ?, NULL, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		space.ID, userID, now, now)
	if err != nil {
		return nil, writeErr(err, "create knowledge space for %s", userID)
	}
	// A racing request may have created it first; read back the winner.
	return s.GetSpaceByUser(ctx, userID)
}

// GetSpaceByUser fetches a user's space.
func (s *Store) GetSpaceByUser(ctx context.Context, userID string) (*types.KnowledgeSpace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, cleaning_rule, created_at, updated_at
		 FROM knowledge_spaces WHERE user_id = ?`, userID)
	return scanSpace(row)
}

// GetSpace fetches a space by id.
func (s *Store) GetSpace(ctx context.Context, id string) (*types.KnowledgeSpace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, cleaning_rule, created_at, updated_at
		 FROM knowledge_spaces WHERE id = ?`, id)
	return scanSpace(row)
}

func scanSpace(row *sql.Row) (*types.KnowledgeSpace, error) {
	var space types.KnowledgeSpace
	var rule sql.NullString
	err := row.Scan(&space.ID, &space.UserID, &rule, &space.CreatedAt, &space.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.E(errdefs.KindNotFound, "knowledge space not found")
	}
	if err != nil {
		return nil, err
	}
	if rule.Valid && rule.String != "" {
		var cr types.CleaningRule
		if err := json.Unmarshal([]byte(rule.String), &cr); err == nil {
			space.CleaningRule = &cr
		}
	}
	return &space, nil
}

// SetCleaningRule replaces the space's cleaning rule. nil clears it.
func (s *Store) SetCleaningRule(ctx context.Context, spaceID string, rule *types.CleaningRule) error {
	var payload any
	if rule != nil {
		b, err := json.Marshal(rule)
		if err != nil {
			return writeErr(err, "encode cleaning rule")
		}
		payload = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_spaces SET cleaning_rule = ?, updated_at = ? WHERE id = ?`,
		payload, time.Now().UTC(), spaceID)
	if err != nil {
		return writeErr(err, "update cleaning rule for space %s", spaceID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.E(errdefs.KindNotFound, "knowledge space %s not found", spaceID)
	}
	return nil
}
