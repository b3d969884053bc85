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

const versionColumns = `id, document_id, version_number, file_path, content_hash, chunk_count, change_summary, created_at`

// InsertVersion snapshots a document version.
func (s *Store) InsertVersion(ctx context.Context, v *types.DocumentVersion) error {
	var summary any
	if v.ChangeSummary != nil {
		b, _ := json.Marshal(v.ChangeSummary)
		summary = string(b)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.DocumentID, v.VersionNumber, v.FilePath, v.ContentHash, v.ChunkCount,
		summary, v.CreatedAt)
	if err != nil {
		return writeErr(err, "insert version %d of document %s", v.VersionNumber, v.DocumentID)
	}
	return nil
}

// ListVersions returns a document's versions newest first.
func (s *Store) ListVersions(ctx context.Context, documentID string) ([]*types.DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM document_versions
		 WHERE document_id = ? ORDER BY version_number DESC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion fetches a specific version of a document.
func (s *Store) GetVersion(ctx context.Context, documentID string, number int) (*types.DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM document_versions
		 WHERE document_id = ? AND version_number = ?`, documentID, number)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.E(errdefs.KindNotFound,
			"version %d of document %s not found", number, documentID)
	}
	return v, err
}

func scanVersion(row interface{ Scan(...any) error }) (*types.DocumentVersion, error) {
	var v types.DocumentVersion
	var summary sql.NullString
	err := row.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.FilePath, &v.ContentHash,
		&v.ChunkCount, &summary, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if summary.Valid && summary.String != "" {
		var cs types.ChangeSummary
		if json.Unmarshal([]byte(summary.String), &cs) == nil {
			v.ChangeSummary = &cs
		}
	}
	return &v, nil
}
