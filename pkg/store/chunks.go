package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/classmind/kbengine/pkg/types"
)

const chunkColumns = `id, document_id, chunk_index, text, start_char, end_char, metadata, created_at`

// InsertChunks writes a document's chunks inside one transaction so the
// relational store never holds a partial chunk set.
func (s *Store) InsertChunks(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.InTx(ctx, func(tx *sql.Tx) error {
		return insertChunksTx(ctx, tx, chunks)
	})
}

// InsertChunksTx writes chunks inside a caller-owned transaction, so
// the orchestrator can interleave the vector write before commit.
func (s *Store) InsertChunksTx(ctx context.Context, tx *sql.Tx, chunks []types.Chunk) error {
	return insertChunksTx(ctx, tx, chunks)
}

func insertChunksTx(ctx context.Context, tx *sql.Tx, chunks []types.Chunk) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return writeErr(err, "prepare chunk insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		meta, _ := json.Marshal(c.Metadata)
		created := c.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.ChunkIndex, c.Text, c.StartChar, c.EndChar,
			string(meta), created); err != nil {
			return writeErr(err, "insert chunk %s", c.ID)
		}
	}
	return nil
}

// ReplaceChunks deletes a document's chunks and writes the new set in
// one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []types.Chunk) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
			return writeErr(err, "clear chunks for document %s", documentID)
		}
		return insertChunksTx(ctx, tx, chunks)
	})
}

// UpdateChunkByIndex rewrites the text, offsets and metadata of the
// chunk at (document_id, chunk_index), preserving its id. Partial
// reindex uses this for updated and kept chunks.
func (s *Store) UpdateChunkByIndex(ctx context.Context, documentID string, c types.Chunk) error {
	meta, _ := json.Marshal(c.Metadata)
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET text = ?, start_char = ?, end_char = ?, metadata = ?
		 WHERE document_id = ? AND chunk_index = ?`,
		c.Text, c.StartChar, c.EndChar, string(meta), documentID, c.ChunkIndex)
	if err != nil {
		return writeErr(err, "update chunk %d of document %s", c.ChunkIndex, documentID)
	}
	return nil
}

// DeleteChunksByDocument removes every chunk of a document.
func (s *Store) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return writeErr(err, "delete chunks for document %s", documentID)
	}
	return nil
}

// DeleteChunksByIDs removes specific chunks, used by partial reindex.
func (s *Store) DeleteChunksByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if _, err := s.db.ExecContext(ctx, query, toAny(ids)...); err != nil {
		return writeErr(err, "delete %d chunks", len(ids))
	}
	return nil
}

// ListChunksByDocument returns a document's chunks in index order.
func (s *Store) ListChunksByDocument(ctx context.Context, documentID string) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY chunk_index`,
		documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunksPage returns one page of a document's chunks in index order
// plus the total count. page is 1-based.
func (s *Store) ChunksPage(ctx context.Context, documentID string, page, pageSize int) ([]types.Chunk, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ?
		 ORDER BY chunk_index LIMIT ? OFFSET ?`,
		documentID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	chunks, err := scanChunks(rows)
	return chunks, total, err
}

// GetChunksByIDs fetches chunks by id; missing ids are skipped.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) (map[string]types.Chunk, error) {
	out := map[string]types.Chunk{}
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, toAny(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out, nil
}

func scanChunks(rows *sql.Rows) ([]types.Chunk, error) {
	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var meta string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text,
			&c.StartChar, &c.EndChar, &meta, &c.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(meta), &c.Metadata)
		out = append(out, c)
	}
	return out, rows.Err()
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
