package vectorstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/qdrant/go-client/qdrant"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
)

// Point is one chunk embedding bound for the tenant collection.
// The point id is the chunk id, so deletes and lookups key directly.
type Point struct {
	ChunkID string
	Vector  []float32
	Payload Payload
}

// Payload is the filterable metadata attached to every point.
type Payload struct {
	DocumentID   string
	TenantID     string
	ChunkIndex   int
	Page         int
	Category     string
	DocumentType string
}

// Filter restricts a search to matching payloads. Zero values mean no
// restriction.
type Filter struct {
	DocumentID   string
	DocumentType string
	Category     string
}

// Hit is one search result.
type Hit struct {
	ChunkID string
	Score   float64
}

// CompressionMetrics describes the effect of scalar quantization on a
// tenant collection.
type CompressionMetrics struct {
	Enabled     bool    `json:"enabled"`
	Type        string  `json:"type"`
	PointsCount uint64  `json:"points_count"`
	VectorSize  uint64  `json:"vector_size"`
	Ratio       float64 `json:"ratio"`
	SavingsPct  float64 `json:"savings_pct"`
}

// Diagnostics summarizes a tenant collection for drift detection
// against the relational store.
type Diagnostics struct {
	CollectionExists  bool     `json:"collection_exists"`
	PointsCount       uint64   `json:"points_count"`
	Dims              uint64   `json:"dims"`
	SamplePayloadKeys []string `json:"sample_payload_keys"`
}

// Store adapts Qdrant to the engine's per-tenant collection model.
type Store struct {
	client      *qdrant.Client
	prefix      string
	dims        int
	compression bool
}

// Config holds the Qdrant connection settings.
type Config struct {
	Host        string
	Port        int
	APIKey      string
	Prefix      string // collection name prefix, default "user_"
	Dims        int
	Compression bool
}

// New connects to Qdrant.
func New(cfg Config) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "user_"
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}
	return &Store{
		client:      client,
		prefix:      cfg.Prefix,
		dims:        cfg.Dims,
		compression: cfg.Compression,
	}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.client.Close() }

// CollectionName returns the tenant's collection name.
func (s *Store) CollectionName(tenantID string) string {
	return s.prefix + tenantID
}

// EnsureCollection creates the tenant collection if absent. Idempotent.
func (s *Store) EnsureCollection(ctx context.Context, tenantID string, dims int) error {
	name := s.CollectionName(tenantID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return errdefs.Wrap(errdefs.KindStoreWriteFailed, err, "check collection %s", name)
	}
	if exists {
		return nil
	}

	if dims <= 0 {
		dims = s.dims
	}
	req := &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: qdrant.Distance_Cosine,
		}),
	}
	if s.compression {
		req.QuantizationConfig = qdrant.NewQuantizationScalar(&qdrant.ScalarQuantization{
			Type:      qdrant.QuantizationType_Int8,
			AlwaysRam: qdrant.PtrOf(true),
		})
	}
	if err := s.client.CreateCollection(ctx, req); err != nil {
		return errdefs.Wrap(errdefs.KindStoreWriteFailed, err, "create collection %s", name)
	}
	log.WithComponent("vectorstore").Info().
		Str("collection", name).
		Int("dims", dims).
		Bool("compression", s.compression).
		Msg("collection created")
	return nil
}

// UpsertPoints writes chunk embeddings, waiting for the operation to
// land so a subsequent rollback delete sees them.
func (s *Store) UpsertPoints(ctx context.Context, tenantID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ChunkID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"document_id":   p.Payload.DocumentID,
				"tenant_id":     p.Payload.TenantID,
				"chunk_index":   p.Payload.ChunkIndex,
				"page":          p.Payload.Page,
				"category":      p.Payload.Category,
				"document_type": p.Payload.DocumentType,
			}),
		}
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.CollectionName(tenantID),
		Points:         structs,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindStoreWriteFailed, err,
			"upsert %d points for tenant %s", len(points), tenantID)
	}
	return nil
}

// DeletePointsByChunkIDs removes specific points.
func (s *Store) DeletePointsByChunkIDs(ctx context.Context, tenantID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = qdrant.NewID(id)
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.CollectionName(tenantID),
		Points:         qdrant.NewPointsSelector(ids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindStoreWriteFailed, err,
			"delete %d points for tenant %s", len(chunkIDs), tenantID)
	}
	return nil
}

// DeletePointsByDocument removes every point of a document.
func (s *Store) DeletePointsByDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.CollectionName(tenantID),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindStoreWriteFailed, err,
			"delete points of document %s", documentID)
	}
	return nil
}

// Search returns the k nearest chunks to vec under the optional filter.
func (s *Store) Search(ctx context.Context, tenantID string, vec []float32, k int, filter *Filter) ([]Hit, error) {
	req := &qdrant.QueryPoints{
		CollectionName: s.CollectionName(tenantID),
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
	}
	if f := buildFilter(filter); f != nil {
		req.Filter = f
	}

	scored, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vector search for tenant %s: %w", tenantID, err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, p := range scored {
		hits = append(hits, Hit{
			ChunkID: p.GetId().GetUuid(),
			Score:   float64(p.GetScore()),
		})
	}
	return hits, nil
}

func buildFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	var must []*qdrant.Condition
	if f.DocumentID != "" {
		must = append(must, qdrant.NewMatch("document_id", f.DocumentID))
	}
	if f.DocumentType != "" {
		must = append(must, qdrant.NewMatch("document_type", f.DocumentType))
	}
	if f.Category != "" {
		must = append(must, qdrant.NewMatch("category", f.Category))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// CompressionMetrics reports the quantization state and estimated
// storage effect for a tenant collection.
func (s *Store) CompressionMetrics(ctx context.Context, tenantID string) (*CompressionMetrics, error) {
	info, err := s.client.GetCollectionInfo(ctx, s.CollectionName(tenantID))
	if err != nil {
		return nil, fmt.Errorf("collection info for tenant %s: %w", tenantID, err)
	}

	m := &CompressionMetrics{
		PointsCount: info.GetPointsCount(),
		VectorSize:  vectorSize(info),
	}
	if q := info.GetConfig().GetQuantizationConfig().GetScalar(); q != nil {
		m.Enabled = true
		m.Type = q.GetType().String()
		// float32 components quantize to one byte each.
		m.Ratio = 4
		m.SavingsPct = 75
	}
	return m, nil
}

// Diagnostics summarizes the collection for drift checks.
func (s *Store) Diagnostics(ctx context.Context, tenantID string) (*Diagnostics, error) {
	name := s.CollectionName(tenantID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", name, err)
	}
	if !exists {
		return &Diagnostics{}, nil
	}

	info, err := s.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("collection info for %s: %w", name, err)
	}
	d := &Diagnostics{
		CollectionExists: true,
		PointsCount:      info.GetPointsCount(),
		Dims:             vectorSize(info),
	}

	// Sample one point for payload shape.
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Limit:          qdrant.PtrOf(uint32(1)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err == nil && len(points) > 0 {
		for key := range points[0].GetPayload() {
			d.SamplePayloadKeys = append(d.SamplePayloadKeys, key)
		}
		sort.Strings(d.SamplePayloadKeys)
	}
	return d, nil
}

func vectorSize(info *qdrant.CollectionInfo) uint64 {
	return info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
}
