package embedcache

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
)

// queryTTL bounds how long a query embedding stays cached. Reads
// refresh the TTL, so hot queries never age out.
const queryTTL = 600 * time.Second

// Cache stores embeddings at two tiers: a permanent document-chunk
// cache in SQLite keyed (model, provider, md5(text)), and a short-lived
// query cache in Redis. Both tiers validate vectors on read and treat
// anything invalid as a miss.
type Cache struct {
	db  *sql.DB
	rdb redis.Cmdable
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS embedding_cache (
	model      TEXT NOT NULL,
	provider   TEXT NOT NULL,
	text_hash  TEXT NOT NULL,
	vector     BLOB NOT NULL,
	dims       INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (model, provider, text_hash)
);
`

// New creates the cache, applying its table to the shared database.
// rdb may be nil; the query tier is then disabled.
func New(db *sql.DB, rdb redis.Cmdable) (*Cache, error) {
	if _, err := db.Exec(cacheSchema); err != nil {
		return nil, fmt.Errorf("apply embedding cache schema: %w", err)
	}
	return &Cache{db: db, rdb: rdb}, nil
}

// TextHash is the cache key component for a text: md5 of the exact
// bytes fed to the embedder.
func TextHash(text string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(text)))
}

// GetDoc looks up document-chunk embeddings for texts, returning a map
// from text index to vector for the hits.
func (c *Cache) GetDoc(ctx context.Context, model, provider string, texts []string) (map[int][]float32, error) {
	out := map[int][]float32{}
	for i, text := range texts {
		var blob []byte
		var dims int
		err := c.db.QueryRowContext(ctx,
			`SELECT vector, dims FROM embedding_cache
			 WHERE model = ? AND provider = ? AND text_hash = ?`,
			model, provider, TextHash(text)).Scan(&blob, &dims)
		if errors.Is(err, sql.ErrNoRows) {
			metrics.EmbeddingCacheHits.WithLabelValues("doc", "miss").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		vec, derr := decodeVector(blob, dims)
		if derr != nil {
			// Stored garbage is a miss; the writer will overwrite it.
			log.WithComponent("embedcache").Warn().
				Err(derr).
				Str("model", model).
				Msg("discarding invalid cached embedding")
			metrics.EmbeddingCacheHits.WithLabelValues("doc", "miss").Inc()
			continue
		}
		metrics.EmbeddingCacheHits.WithLabelValues("doc", "hit").Inc()
		out[i] = vec
	}
	return out, nil
}

// PutDoc stores document-chunk embeddings. A racing insert of the same
// key is a hit, not an error.
func (c *Cache) PutDoc(ctx context.Context, model, provider string, texts []string, vectors [][]float32) error {
	if len(texts) != len(vectors) {
		return fmt.Errorf("texts/vectors length mismatch: %d vs %d", len(texts), len(vectors))
	}
	now := time.Now().UTC()
	for i, text := range texts {
		if err := validateVector(vectors[i]); err != nil {
			return fmt.Errorf("refusing to cache invalid vector: %w", err)
		}
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO embedding_cache (model, provider, text_hash, vector, dims, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (model, provider, text_hash) DO NOTHING`,
			model, provider, TextHash(text), encodeVector(vectors[i]), len(vectors[i]), now)
		if err != nil {
			return fmt.Errorf("cache embedding: %w", err)
		}
	}
	return nil
}

// GetQuery looks up a query embedding, refreshing its TTL on hit.
func (c *Cache) GetQuery(ctx context.Context, model, provider, query string) []float32 {
	if c.rdb == nil {
		return nil
	}
	key := queryKey(model, provider, query)
	blob, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		metrics.EmbeddingCacheHits.WithLabelValues("query", "miss").Inc()
		return nil
	}
	if len(blob) < 4 || len(blob)%4 != 0 {
		metrics.EmbeddingCacheHits.WithLabelValues("query", "miss").Inc()
		return nil
	}
	vec, err := decodeVector(blob, len(blob)/4)
	if err != nil {
		metrics.EmbeddingCacheHits.WithLabelValues("query", "miss").Inc()
		return nil
	}
	c.rdb.Expire(ctx, key, queryTTL)
	metrics.EmbeddingCacheHits.WithLabelValues("query", "hit").Inc()
	return vec
}

// PutQuery stores a query embedding with the standard TTL. Failures are
// logged, not returned; the query cache is best-effort.
func (c *Cache) PutQuery(ctx context.Context, model, provider, query string, vec []float32) {
	if c.rdb == nil {
		return
	}
	if err := validateVector(vec); err != nil {
		return
	}
	if err := c.rdb.Set(ctx, queryKey(model, provider, query), encodeVector(vec), queryTTL).Err(); err != nil {
		log.WithComponent("embedcache").Warn().
			Err(err).
			Msg("query embedding cache write failed")
	}
}

func queryKey(model, provider, query string) string {
	return fmt.Sprintf("embed:query:%s:%s:%s", model, provider, TextHash(query))
}

func encodeVector(vec []float32) []byte {
	blob := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(x))
	}
	return blob
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if dims <= 0 || len(blob) != 4*dims {
		return nil, fmt.Errorf("vector blob size %d does not match dims %d", len(blob), dims)
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	if err := validateVector(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func validateVector(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector")
	}
	var norm float64
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("vector contains NaN or Inf")
		}
		norm += f * f
	}
	if norm == 0 {
		return fmt.Errorf("vector has zero norm")
	}
	return nil
}
