package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/classmind/kbengine/pkg/config"
	"github.com/classmind/kbengine/pkg/embedcache"
	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/keyword"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
	"github.com/classmind/kbengine/pkg/provider"
	"github.com/classmind/kbengine/pkg/ratelimit"
	"github.com/classmind/kbengine/pkg/store"
	"github.com/classmind/kbengine/pkg/types"
	"github.com/classmind/kbengine/pkg/vectorstore"
)

const (
	minTopK = 1
	maxTopK = 10

	// First-stage candidate pools are oversampled so reranking has
	// material to reorder.
	candidateFactor = 2
)

// VectorSearcher is the slice of the vector adapter the engine needs.
type VectorSearcher interface {
	Search(ctx context.Context, tenantID string, vec []float32, k int, filter *vectorstore.Filter) ([]vectorstore.Hit, error)
}

// Reranker reorders candidate texts against the query.
type Reranker interface {
	Rerank(ctx context.Context, alias, query string, docs []string, topN int, threshold float64) ([]provider.RerankResult, provider.CallMeta, error)
}

// Request is one retrieval invocation.
type Request struct {
	Query          string
	Method         types.RetrievalMethod // empty uses the configured default
	RerankMode     types.RerankMode      // empty uses the configured default
	TopK           int
	ScoreThreshold float64
	DocumentID     string // optional scope
	Category       string // optional scope
	DocumentType   string // optional scope
	Record         bool   // persist a query record (retrieval testing)
}

// Response carries the ranked results with per-stage timings.
type Response struct {
	QueryID string               `json:"query_id,omitempty"`
	Method  types.RetrievalMethod `json:"method"`
	Results []types.SearchResult `json:"results"`
	Timing  types.Timing         `json:"timing"`
}

// Engine runs hybrid retrieval: dense and keyword candidates in
// parallel, merged, optionally reranked, trimmed to top-k.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	vectors  VectorSearcher
	keywords *keyword.Index
	cache    *embedcache.Cache
	embedder provider.Embedder
	reranker Reranker
	limits   *ratelimit.Limits

	embedAlias  string
	embedModel  string
	rerankAlias string
}

// NewEngine wires the retrieval engine. reranker may be nil, in which
// case reranking_model requests degrade to weighted_score.
func NewEngine(cfg *config.Config, st *store.Store, vectors VectorSearcher, kw *keyword.Index,
	cache *embedcache.Cache, embedder provider.Embedder, reranker Reranker, limits *ratelimit.Limits) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       st,
		vectors:     vectors,
		keywords:    kw,
		cache:       cache,
		embedder:    embedder,
		reranker:    reranker,
		limits:      limits,
		embedAlias:  "qwen",
		embedModel:  "text-embedding-v3",
		rerankAlias: "qwen",
	}
}

// Search executes one retrieval for the user.
func (e *Engine) Search(ctx context.Context, userID string, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, errdefs.E(errdefs.KindUnsupportedType, "empty query")
	}
	if err := e.limits.AllowRetrieval(ctx, userID); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = types.RetrievalMethod(e.cfg.DefaultRetrievalMethod)
	}
	mode := req.RerankMode
	if mode == "" {
		mode = types.RerankMode(e.cfg.RerankingMode)
	}
	// Out-of-range tuning knobs clamp rather than error.
	topK := req.TopK
	if topK < minTopK {
		topK = minTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	if req.ScoreThreshold < 0 {
		req.ScoreThreshold = 0
	}
	if req.ScoreThreshold > 1 {
		req.ScoreThreshold = 1
	}

	metrics.RetrievalRequests.WithLabelValues(string(method)).Inc()
	started := time.Now()
	var timing types.Timing

	var queryVec []float32
	if method != types.MethodKeyword {
		embStart := time.Now()
		vec, err := e.queryVector(ctx, userID, req.Query)
		if err != nil {
			return nil, err
		}
		queryVec = vec
		timing.EmbeddingMS = time.Since(embStart).Milliseconds()
		metrics.RetrievalStageDuration.WithLabelValues("embedding").
			Observe(time.Since(embStart).Seconds())
	}

	searchStart := time.Now()
	dense, kwHits, err := e.gatherCandidates(ctx, userID, method, req, queryVec, topK*candidateFactor)
	if err != nil {
		return nil, err
	}
	timing.SearchMS = time.Since(searchStart).Milliseconds()
	metrics.RetrievalStageDuration.WithLabelValues("search").
		Observe(time.Since(searchStart).Seconds())

	candidates := e.merge(method, dense, kwHits)
	results, err := e.hydrate(ctx, candidates)
	if err != nil {
		return nil, err
	}

	rerankStart := time.Now()
	results, err = e.rerank(ctx, mode, req.Query, results, topK)
	if err != nil {
		return nil, err
	}
	timing.RerankMS = time.Since(rerankStart).Milliseconds()
	metrics.RetrievalStageDuration.WithLabelValues("rerank").
		Observe(time.Since(rerankStart).Seconds())

	results = applyThreshold(results, req.ScoreThreshold)
	if len(results) > topK {
		results = results[:topK]
	}
	timing.TotalMS = time.Since(started).Milliseconds()

	resp := &Response{Method: method, Results: results, Timing: timing}
	if req.Record {
		resp.QueryID = e.record(ctx, userID, req, method, topK, len(results), timing)
	}
	return resp, nil
}

// queryVector resolves the query embedding through the short-lived
// query cache.
func (e *Engine) queryVector(ctx context.Context, userID, query string) ([]float32, error) {
	if vec := e.cache.GetQuery(ctx, e.embedModel, e.embedAlias, query); vec != nil {
		return vec, nil
	}
	vecs, _, err := e.embedder.Embed(ctx, e.embedAlias, []string{query}, e.cfg.EmbeddingDimensions)
	if err != nil {
		return nil, err
	}
	e.cache.PutQuery(ctx, e.embedModel, e.embedAlias, query, vecs[0])
	return vecs[0], nil
}

// gatherCandidates runs the first-stage searches the method requires,
// in parallel for hybrid.
func (e *Engine) gatherCandidates(ctx context.Context, userID string, method types.RetrievalMethod,
	req Request, queryVec []float32, k int) ([]vectorstore.Hit, []keyword.Hit, error) {

	var filter *vectorstore.Filter
	if req.DocumentID != "" || req.Category != "" || req.DocumentType != "" {
		filter = &vectorstore.Filter{
			DocumentID:   req.DocumentID,
			Category:     req.Category,
			DocumentType: req.DocumentType,
		}
	}

	var dense []vectorstore.Hit
	var kwHits []keyword.Hit

	g, gctx := errgroup.WithContext(ctx)
	if method == types.MethodSemantic || method == types.MethodHybrid {
		g.Go(func() error {
			hits, err := e.vectors.Search(gctx, userID, queryVec, k, filter)
			if err != nil {
				return err
			}
			dense = hits
			return nil
		})
	}
	if method == types.MethodKeyword || method == types.MethodHybrid {
		g.Go(func() error {
			hits, err := e.keywords.Search(gctx, userID, req.Query, k)
			if err != nil {
				return err
			}
			kwHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return dense, kwHits, nil
}

// candidate accumulates per-source scores for one chunk.
type candidate struct {
	chunkID      string
	denseScore   float64
	keywordScore float64
	combined     float64
}

// merge unions the candidate sets. Hybrid combines scores with the
// configured weights; single-method searches pass the source score
// through.
func (e *Engine) merge(method types.RetrievalMethod, dense []vectorstore.Hit, kwHits []keyword.Hit) []candidate {
	byID := map[string]*candidate{}
	order := []string{}

	for _, h := range dense {
		c := &candidate{chunkID: h.ChunkID, denseScore: h.Score}
		byID[h.ChunkID] = c
		order = append(order, h.ChunkID)
	}
	for _, h := range kwHits {
		c, ok := byID[h.ChunkID]
		if !ok {
			c = &candidate{chunkID: h.ChunkID}
			byID[h.ChunkID] = c
			order = append(order, h.ChunkID)
		}
		c.keywordScore = h.Score
	}

	vw, kw := e.cfg.HybridVectorWeight, e.cfg.HybridKeywordWeight
	out := make([]candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		switch method {
		case types.MethodSemantic:
			c.combined = c.denseScore
		case types.MethodKeyword:
			c.combined = c.keywordScore
		default:
			c.combined = vw*c.denseScore + kw*c.keywordScore
		}
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].combined > out[j].combined })
	return out
}

// hydrate joins candidates against their chunk and document rows.
// Candidates whose rows disappeared between search and lookup are
// dropped.
func (e *Engine) hydrate(ctx context.Context, candidates []candidate) ([]types.SearchResult, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.chunkID
	}
	chunks, err := e.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	docNames := map[string]string{}
	var out []types.SearchResult
	for _, c := range candidates {
		chunk, ok := chunks[c.chunkID]
		if !ok {
			continue
		}
		name, ok := docNames[chunk.DocumentID]
		if !ok {
			doc, err := e.store.GetDocument(ctx, chunk.DocumentID)
			if err == nil {
				name = doc.FileName
			}
			docNames[chunk.DocumentID] = name
		}
		out = append(out, types.SearchResult{
			ChunkID:      chunk.ID,
			DocumentID:   chunk.DocumentID,
			DocumentName: name,
			ChunkIndex:   chunk.ChunkIndex,
			Text:         chunk.Text,
			Score:        c.combined,
			DenseScore:   c.denseScore,
			KeywordScore: c.keywordScore,
			Page:         chunk.Metadata.Page,
		})
	}
	return out, nil
}

// rerank applies the second-stage ordering. weighted_score keeps the
// merge order (scores are already weight-combined); reranking_model
// calls the provider and replaces scores with model relevance.
func (e *Engine) rerank(ctx context.Context, mode types.RerankMode, query string, results []types.SearchResult, topK int) ([]types.SearchResult, error) {
	if mode != types.RerankModel || len(results) == 0 {
		return results, nil
	}
	if e.reranker == nil {
		log.WithComponent("retrieval").Warn().
			Msg("reranking model requested but no reranker configured, keeping weighted order")
		return results, nil
	}

	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Text
	}
	ranked, _, err := e.reranker.Rerank(ctx, e.rerankAlias, query, docs, topK, 0)
	if err != nil {
		// Rerank degradation keeps first-stage order rather than
		// failing the whole search.
		log.WithComponent("retrieval").Warn().Err(err).
			Msg("rerank call failed, keeping weighted order")
		return results, nil
	}

	out := make([]types.SearchResult, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(results) {
			continue
		}
		res := results[r.Index]
		res.Score = r.Score
		out = append(out, res)
	}
	return out, nil
}

func applyThreshold(results []types.SearchResult, threshold float64) []types.SearchResult {
	if threshold <= 0 {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}

// record persists a query record for the retrieval-testing history,
// best effort.
func (e *Engine) record(ctx context.Context, userID string, req Request, method types.RetrievalMethod, topK, resultCount int, timing types.Timing) string {
	space, err := e.store.GetSpaceByUser(ctx, userID)
	if err != nil {
		return ""
	}
	rec := &types.QueryRecord{
		ID:             uuid.NewString(),
		SpaceID:        space.ID,
		Query:          req.Query,
		Method:         method,
		TopK:           topK,
		ScoreThreshold: req.ScoreThreshold,
		ResultCount:    resultCount,
		EmbeddingMS:    timing.EmbeddingMS,
		SearchMS:       timing.SearchMS,
		RerankMS:       timing.RerankMS,
		TotalMS:        timing.TotalMS,
	}
	if err := e.store.InsertQueryRecord(ctx, rec); err != nil {
		log.WithTenant(userID).Warn().Err(err).Msg("query record write failed")
		return ""
	}
	return rec.ID
}
