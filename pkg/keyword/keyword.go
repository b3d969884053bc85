package keyword

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/classmind/kbengine/pkg/log"
)

// Hit is one keyword match with its normalized score in (0, 1].
type Hit struct {
	ChunkID    string
	DocumentID string
	Score      float64
}

// Index provides full-text search over chunk text. It rides on the
// store's chunks table: an FTS5 shadow table kept in sync by triggers,
// or a tokenized LIKE scan when the SQLite build lacks FTS5.
type Index struct {
	db  *sql.DB
	fts bool
}

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	text,
	content='chunks',
	content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS chunks_fts_ai AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_fts_ad AFTER DELETE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_fts_au AFTER UPDATE OF text ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
	INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
END;
`

// NewIndex sets up the keyword index. FTS5 setup failure is not fatal;
// the index degrades to substring search.
func NewIndex(ctx context.Context, db *sql.DB) (*Index, error) {
	idx := &Index{db: db}
	if _, err := db.ExecContext(ctx, ftsSchema); err != nil {
		log.WithComponent("keyword").Warn().
			Err(err).
			Msg("FTS5 unavailable, using substring fallback")
		return idx, nil
	}
	idx.fts = true

	if err := idx.backfill(ctx); err != nil {
		return nil, fmt.Errorf("backfill keyword index: %w", err)
	}
	return idx, nil
}

// FTSEnabled reports whether full-text search is active.
func (i *Index) FTSEnabled() bool { return i.fts }

// backfill rebuilds the shadow table when it disagrees with the chunks
// table, which happens after a crash or when the database predates the
// triggers.
func (i *Index) backfill(ctx context.Context) error {
	var chunkCount, ftsCount int
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunkCount); err != nil {
		return err
	}
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks_fts`).Scan(&ftsCount); err != nil {
		return err
	}
	if chunkCount == ftsCount {
		return nil
	}

	log.WithComponent("keyword").Info().
		Int("chunks", chunkCount).
		Int("indexed", ftsCount).
		Msg("rebuilding keyword index")
	_, err := i.db.ExecContext(ctx, `INSERT INTO chunks_fts(chunks_fts) VALUES ('rebuild')`)
	return err
}

// Search returns the tenant's best keyword matches for query.
func (i *Index) Search(ctx context.Context, userID, query string, limit int) ([]Hit, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if i.fts {
		return i.searchFTS(ctx, userID, tokens, limit)
	}
	return i.searchLike(ctx, userID, tokens, limit)
}

// searchFTS matches any token and folds the BM25 rank s (lower is
// better, may be negative) into 1/(1+|s|).
func (i *Index) searchFTS(ctx context.Context, userID string, tokens []string, limit int) ([]Hit, error) {
	quoted := make([]string, len(tokens))
	for n, tok := range tokens {
		quoted[n] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	match := strings.Join(quoted, " OR ")

	rows, err := i.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, bm25(chunks_fts)
		 FROM chunks_fts
		 JOIN chunks c ON c.rowid = chunks_fts.rowid
		 JOIN documents d ON d.id = c.document_id
		 WHERE chunks_fts MATCH ? AND d.user_id = ?
		 ORDER BY bm25(chunks_fts)
		 LIMIT ?`,
		match, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rank float64
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &rank); err != nil {
			return nil, err
		}
		h.Score = 1 / (1 + math.Abs(rank))
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// fallbackScore is the flat score for substring matches, which carry no
// ranking signal.
const fallbackScore = 0.5

// searchLike requires every token as a substring.
func (i *Index) searchLike(ctx context.Context, userID string, tokens []string, limit int) ([]Hit, error) {
	conds := make([]string, len(tokens))
	args := []any{userID}
	for n, tok := range tokens {
		conds[n] = `c.text LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(tok)+"%")
	}
	args = append(args, limit)

	rows, err := i.db.QueryContext(ctx,
		`SELECT c.id, c.document_id
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE d.user_id = ? AND `+strings.Join(conds, " AND ")+`
		 LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID); err != nil {
			return nil, err
		}
		h.Score = fallbackScore
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
