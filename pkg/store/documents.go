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

const documentColumns = `id, space_id, user_id, file_name, file_type, file_size, file_path,
	status, progress_stage, progress_percent, chunk_count, content_hash, version,
	language, category, tags, extracted_metadata, error_message, created_at, updated_at`

// CreateDocument inserts a new document row. A duplicate file name in
// the same space surfaces as a Conflict.
func (s *Store) CreateDocument(ctx context.Context, doc *types.Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Version == 0 {
		doc.Version = 1
	}

	tags, _ := json.Marshal(orEmpty(doc.Tags))
	meta, _ := json.Marshal(orEmptyMap(doc.ExtractedMetadata))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SpaceID, doc.UserID, doc.FileName, doc.FileType, doc.FileSize, doc.FilePath,
		doc.Status, doc.ProgressStage, doc.ProgressPercent, doc.ChunkCount, doc.ContentHash, doc.Version,
		doc.Language, doc.Category, string(tags), string(meta), doc.ErrorMessage, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.E(errdefs.KindConflict, "document %q already exists", doc.FileName)
		}
		return writeErr(err, "create document %s", doc.ID)
	}
	return nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// GetDocumentByName fetches a document by its space-unique file name.
func (s *Store) GetDocumentByName(ctx context.Context, spaceID, fileName string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE space_id = ? AND file_name = ?`,
		spaceID, fileName)
	return scanDocument(row)
}

// ListDocuments returns a space's documents newest first.
func (s *Store) ListDocuments(ctx context.Context, spaceID string, limit, offset int) ([]*types.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE space_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		spaceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CountDocuments returns the number of documents in a space.
func (s *Store) CountDocuments(ctx context.Context, spaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE space_id = ?`, spaceID).Scan(&n)
	return n, err
}

// CountChunksByUser sums indexed chunks across the user's documents,
// used to enforce the tenant chunk cap.
func (s *Store) CountChunksByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE d.user_id = ?`, userID).Scan(&n)
	return n, err
}

// UpdateProgress moves a document's status, stage and percentage.
func (s *Store) UpdateProgress(ctx context.Context, id string, status types.DocumentStatus, stage types.ProgressStage, percent int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, progress_stage = ?, progress_percent = ?, updated_at = ?
		 WHERE id = ?`,
		status, stage, percent, time.Now().UTC(), id)
	if err != nil {
		return writeErr(err, "update progress for document %s", id)
	}
	return nil
}

// MarkFailed records a terminal failure with its operator message.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		types.DocumentStatusFailed, message, time.Now().UTC(), id)
	if err != nil {
		return writeErr(err, "mark document %s failed", id)
	}
	return nil
}

// FinishIndexing records a successful (re)index outcome.
func (s *Store) FinishIndexing(ctx context.Context, doc *types.Document) error {
	meta, _ := json.Marshal(orEmptyMap(doc.ExtractedMetadata))
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, progress_stage = '', progress_percent = 100,
		   chunk_count = ?, content_hash = ?, version = ?, language = ?,
		   extracted_metadata = ?, error_message = '', file_type = ?, file_size = ?, file_path = ?, updated_at = ?
		 WHERE id = ?`,
		types.DocumentStatusCompleted, doc.ChunkCount, doc.ContentHash, doc.Version,
		doc.Language, string(meta), doc.FileType, doc.FileSize, doc.FilePath, time.Now().UTC(), doc.ID)
	if err != nil {
		return writeErr(err, "finish indexing for document %s", doc.ID)
	}
	return nil
}

// UpdateDocumentMeta updates the caller-editable fields.
func (s *Store) UpdateDocumentMeta(ctx context.Context, id, category string, tags []string) error {
	encoded, _ := json.Marshal(orEmpty(tags))
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET category = ?, tags = ?, updated_at = ? WHERE id = ?`,
		category, string(encoded), time.Now().UTC(), id)
	if err != nil {
		return writeErr(err, "update metadata for document %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.E(errdefs.KindNotFound, "document %s not found", id)
	}
	return nil
}

// DeleteDocument removes the row; chunks and versions cascade.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return writeErr(err, "delete document %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.E(errdefs.KindNotFound, "document %s not found", id)
	}
	return nil
}

func scanDocument(row interface{ Scan(...any) error }) (*types.Document, error) {
	var doc types.Document
	var tags, meta string
	err := row.Scan(&doc.ID, &doc.SpaceID, &doc.UserID, &doc.FileName, &doc.FileType,
		&doc.FileSize, &doc.FilePath, &doc.Status, &doc.ProgressStage, &doc.ProgressPercent,
		&doc.ChunkCount, &doc.ContentHash, &doc.Version, &doc.Language, &doc.Category,
		&tags, &meta, &doc.ErrorMessage, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.E(errdefs.KindNotFound, "document not found")
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(tags), &doc.Tags)
	json.Unmarshal([]byte(meta), &doc.ExtractedMetadata)
	return &doc, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
