package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmind/kbengine/pkg/chunker"
	"github.com/classmind/kbengine/pkg/config"
	"github.com/classmind/kbengine/pkg/embedcache"
	"github.com/classmind/kbengine/pkg/events"
	"github.com/classmind/kbengine/pkg/extract"
	"github.com/classmind/kbengine/pkg/ingest"
	"github.com/classmind/kbengine/pkg/jobs"
	"github.com/classmind/kbengine/pkg/keyword"
	"github.com/classmind/kbengine/pkg/provider"
	"github.com/classmind/kbengine/pkg/ratelimit"
	"github.com/classmind/kbengine/pkg/retrieval"
	"github.com/classmind/kbengine/pkg/store"
	"github.com/classmind/kbengine/pkg/types"
	"github.com/classmind/kbengine/pkg/vectorstore"
)

// memVectors backs both ingestion writes and retrieval searches with a
// brute-force in-memory index.
type memVectors struct {
	mu     sync.Mutex
	points map[string]map[string]vectorstore.Point // tenant -> chunk id
}

func newMemVectors() *memVectors {
	return &memVectors{points: map[string]map[string]vectorstore.Point{}}
}

func (m *memVectors) tenant(id string) map[string]vectorstore.Point {
	if m.points[id] == nil {
		m.points[id] = map[string]vectorstore.Point{}
	}
	return m.points[id]
}

func (m *memVectors) EnsureCollection(ctx context.Context, tenantID string, dims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenant(tenantID)
	return nil
}

func (m *memVectors) UpsertPoints(ctx context.Context, tenantID string, points []vectorstore.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	for _, p := range points {
		t[p.ChunkID] = p
	}
	return nil
}

func (m *memVectors) DeletePointsByChunkIDs(ctx context.Context, tenantID string, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	for _, id := range chunkIDs {
		delete(t, id)
	}
	return nil
}

func (m *memVectors) DeletePointsByDocument(ctx context.Context, tenantID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.tenant(tenantID) {
		if p.Payload.DocumentID == documentID {
			delete(m.points[tenantID], id)
		}
	}
	return nil
}

func (m *memVectors) Search(ctx context.Context, tenantID string, vec []float32, k int, filter *vectorstore.Filter) ([]vectorstore.Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []vectorstore.Hit
	for id, p := range m.tenant(tenantID) {
		if filter != nil {
			if filter.DocumentID != "" && p.Payload.DocumentID != filter.DocumentID {
				continue
			}
			if filter.Category != "" && p.Payload.Category != filter.Category {
				continue
			}
		}
		var dot float64
		for i := range vec {
			if i < len(p.Vector) {
				dot += float64(vec[i]) * float64(p.Vector[i])
			}
		}
		hits = append(hits, vectorstore.Hit{ChunkID: id, Score: dot})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *memVectors) Diagnostics(ctx context.Context, tenantID string) (*vectorstore.Diagnostics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &vectorstore.Diagnostics{
		CollectionExists: true,
		PointsCount:      uint64(len(m.tenant(tenantID))),
		Dims:             64,
	}, nil
}

func (m *memVectors) CompressionMetrics(ctx context.Context, tenantID string) (*vectorstore.CompressionMetrics, error) {
	return &vectorstore.CompressionMetrics{Enabled: false}, nil
}

type fakeChat struct {
	reply  string
	deltas []string
	usage  *types.Usage
}

func (f *fakeChat) Chat(ctx context.Context, alias string, messages []provider.Message) (string, provider.CallMeta, error) {
	return f.reply, provider.CallMeta{Vendor: "fake", Usage: types.Usage{TotalTokens: 4}}, nil
}

func (f *fakeChat) ChatStream(ctx context.Context, alias string, messages []provider.Message, emit func(provider.StreamEvent)) (provider.CallMeta, error) {
	for _, d := range f.deltas {
		emit(provider.StreamEvent{Delta: d})
	}
	emit(provider.StreamEvent{Done: true, Usage: f.usage})
	return provider.CallMeta{Vendor: "fake"}, nil
}

type fixture struct {
	srv   *httptest.Server
	store *store.Store
	queue *jobs.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		StorageDir:             t.TempDir(),
		ChunkSize:              60,
		ChunkOverlap:           10,
		MaxChunksPerUser:       1000,
		MaxDocumentsPerUser:    5,
		MaxFileSize:            1 << 20,
		EmbeddingDimensions:    64,
		DefaultRetrievalMethod: "hybrid",
		RerankingMode:          "weighted_score",
		HybridVectorWeight:     0.7,
		HybridKeywordWeight:    0.3,
		KBRetrievalRPM:         1000,
		KBEmbeddingRPM:         1000,
		KBUploadPerHour:        1000,
	}

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	kw, err := keyword.NewIndex(context.Background(), st.DB())
	require.NoError(t, err)

	cache, err := embedcache.New(st.DB(), nil)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	queue := jobs.NewQueue(2)
	queue.Start()
	t.Cleanup(queue.Stop)

	vectors := newMemVectors()
	embedder := provider.NewDeterministic(64)
	limits := ratelimit.NewLimits(ratelimit.NewCounter(nil), cfg)

	ingestor := ingest.New(cfg, st, vectors, cache, embedder, limits,
		chunker.NewFastChunker(), extract.NewProcessor(nil), broker, queue)
	engine := retrieval.NewEngine(cfg, st, vectors, kw, cache, embedder, nil, limits)
	inspector := retrieval.NewInspector(st, vectors, kw)
	chat := &fakeChat{
		reply:  "graph TD; upload-->index",
		deltas: []string{"Photosynthesis ", "converts light."},
		usage:  &types.Usage{InputTokens: 6, OutputTokens: 4, TotalTokens: 10},
	}

	server := NewServer(cfg, st, ingestor, engine, inspector, chat)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &fixture{srv: ts, store: st, queue: queue}
}

const sampleText = "Photosynthesis converts light energy into chemical energy. " +
	"Plants absorb carbon dioxide through stomata in their leaves. " +
	"Chlorophyll captures photons and drives the electron transport chain."

func (f *fixture) do(t *testing.T, method, path, user string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) doJSON(t *testing.T, method, path, user string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.do(t, method, path, user, bytes.NewReader(data), "application/json")
}

func multipartBody(t *testing.T, field, name, content string, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func (f *fixture) uploadAndProcess(t *testing.T, user, name, content string) string {
	t.Helper()
	body, ct := multipartBody(t, "file", name, content, nil)
	resp := f.do(t, http.MethodPost, "/knowledge-space/documents/upload", user, body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var doc struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &doc)
	f.queue.Wait()
	return doc.ID
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTenantHeaderRequired(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/knowledge-space/documents", "", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadLifecycle(t *testing.T) {
	f := newFixture(t)
	docID := f.uploadAndProcess(t, "u1", "biology.txt", sampleText)

	resp := f.do(t, http.MethodGet, "/knowledge-space/documents/"+docID+"/status", "u1", nil, "")
	var status struct {
		Status          string `json:"status"`
		ProgressPercent int    `json:"progress_percent"`
	}
	decodeBody(t, resp, &status)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 100, status.ProgressPercent)

	resp = f.do(t, http.MethodGet, "/knowledge-space/documents", "u1", nil, "")
	var list struct {
		Documents []documentView `json:"documents"`
		Total     int            `json:"total"`
	}
	decodeBody(t, resp, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "biology.txt", list.Documents[0].FileName)

	resp = f.do(t, http.MethodGet, "/knowledge-space/documents/"+docID+"/chunks?page=1&page_size=2", "u1", nil, "")
	var chunks struct {
		Chunks []chunkView `json:"chunks"`
		Total  int         `json:"total"`
	}
	decodeBody(t, resp, &chunks)
	assert.LessOrEqual(t, len(chunks.Chunks), 2)
	assert.Greater(t, chunks.Total, 0)

	resp = f.do(t, http.MethodDelete, "/knowledge-space/documents/"+docID, "u1", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/knowledge-space/documents/"+docID, "u1", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDocumentOwnership(t *testing.T) {
	f := newFixture(t)
	docID := f.uploadAndProcess(t, "u1", "biology.txt", sampleText)

	resp := f.do(t, http.MethodGet, "/knowledge-space/documents/"+docID, "u2", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDuplicateUploadLocalized(t *testing.T) {
	f := newFixture(t)
	f.uploadAndProcess(t, "u1", "biology.txt", sampleText)

	body, ct := multipartBody(t, "file", "biology.txt", sampleText, nil)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/knowledge-space/documents/upload", body)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Accept-Language", "zh-CN")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var errBody struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &errBody)
	assert.Contains(t, errBody.Error, "同名")
}

func TestUpdateDocumentMetadata(t *testing.T) {
	f := newFixture(t)
	docID := f.uploadAndProcess(t, "u1", "biology.txt", sampleText)

	resp := f.doJSON(t, http.MethodPut, "/knowledge-space/documents/"+docID, "u1",
		map[string]any{"category": "science", "tags": []string{"plants"}})
	var doc documentView
	decodeBody(t, resp, &doc)
	assert.Equal(t, "science", doc.Category)
	assert.Equal(t, []string{"plants"}, doc.Tags)
}

func TestBatchUpload(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, name := range []string{"a.txt", "b.txt"} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		fmt.Fprintf(fw, "document %d. %s", i, sampleText)
	}
	require.NoError(t, mw.Close())

	resp := f.do(t, http.MethodPost, "/knowledge-space/documents/batch-upload", "u1", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Batch     batchView      `json:"batch"`
		Documents []documentView `json:"documents"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, 2, out.Batch.Total)
	assert.Len(t, out.Documents, 2)
	f.queue.Wait()
}

func TestRetrievalTestAndFeedback(t *testing.T) {
	f := newFixture(t)
	f.uploadAndProcess(t, "u1", "biology.txt", sampleText)

	resp := f.doJSON(t, http.MethodPost, "/knowledge-space/retrieval-test", "u1",
		map[string]any{"query": "photosynthesis chlorophyll", "method": "hybrid", "top_k": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		QueryID string               `json:"query_id"`
		Results []types.SearchResult `json:"results"`
	}
	decodeBody(t, resp, &result)
	require.NotEmpty(t, result.Results)
	require.NotEmpty(t, result.QueryID)

	resp = f.do(t, http.MethodGet, "/knowledge-space/query-records", "u1", nil, "")
	var records struct {
		Records []queryRecordView `json:"records"`
	}
	decodeBody(t, resp, &records)
	require.Len(t, records.Records, 1)

	resp = f.doJSON(t, http.MethodPost, "/knowledge-space/feedback", "u1", map[string]any{
		"query_id":        result.QueryID,
		"rating":          "positive",
		"score":           5,
		"relevant_chunks": []string{result.Results[0].ChunkID},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestInvalidRetrievalMethod(t *testing.T) {
	f := newFixture(t)
	resp := f.doJSON(t, http.MethodPost, "/knowledge-space/retrieval-test", "u1",
		map[string]any{"query": "anything", "method": "psychic"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetrievalKnobsClampInsteadOfRejecting(t *testing.T) {
	f := newFixture(t)
	f.uploadAndProcess(t, "u1", "biology.txt", sampleText)

	resp := f.doJSON(t, http.MethodPost, "/knowledge-space/retrieval-test", "u1",
		map[string]any{"query": "photosynthesis", "top_k": 0, "score_threshold": -0.4})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Results []types.SearchResult `json:"results"`
	}
	decodeBody(t, resp, &result)
	assert.Len(t, result.Results, 1, "top_k clamps up to 1")

	// A threshold above 1 clamps to 1 and filters every result.
	resp = f.doJSON(t, http.MethodPost, "/knowledge-space/retrieval-test", "u1",
		map[string]any{"query": "photosynthesis", "top_k": 5, "score_threshold": 2.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &result)
	assert.Empty(t, result.Results)
}

func TestRequestDeadlineMiddleware(t *testing.T) {
	s := &Server{cfg: &config.Config{RequestTimeout: 40 * time.Second}}

	var deadline time.Time
	var bounded bool
	h := s.deadline(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, bounded = r.Context().Deadline()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/knowledge-space/documents/", nil))
	require.True(t, bounded)
	assert.WithinDuration(t, time.Now().Add(40*time.Second), deadline, time.Second)

	// Zero timeout leaves the context unbounded.
	s.cfg.RequestTimeout = 0
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/knowledge-space/documents/", nil))
	assert.False(t, bounded)
}

func TestEvaluationRun(t *testing.T) {
	f := newFixture(t)
	f.uploadAndProcess(t, "u1", "biology.txt", sampleText)

	resp := f.doJSON(t, http.MethodPost, "/knowledge-space/retrieval-test", "u1",
		map[string]any{"query": "photosynthesis"})
	var result struct {
		Results []types.SearchResult `json:"results"`
	}
	decodeBody(t, resp, &result)
	require.NotEmpty(t, result.Results)

	resp = f.doJSON(t, http.MethodPost, "/knowledge-space/evaluation/datasets", "u1", map[string]any{
		"name": "smoke",
		"queries": []map[string]any{{
			"query":           "photosynthesis",
			"relevant_chunks": []string{result.Results[0].ChunkID},
		}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)

	resp = f.doJSON(t, http.MethodPost, "/knowledge-space/evaluation/run", "u1",
		map[string]any{"dataset_id": created.ID, "method": "hybrid"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report retrieval.DatasetReport
	decodeBody(t, resp, &report)
	assert.Equal(t, 1, report.Queries)
	assert.Greater(t, report.MRR, 0.0)
}

func TestCleaningRule(t *testing.T) {
	f := newFixture(t)
	resp := f.doJSON(t, http.MethodPut, "/knowledge-space/cleaning-rule", "u1",
		map[string]any{"collapse_whitespace": true, "remove_urls": true})

	var rule types.CleaningRule
	decodeBody(t, resp, &rule)
	assert.True(t, rule.CollapseWhitespace)
	assert.True(t, rule.RemoveURLs)
	assert.False(t, rule.RemoveEmails)
}

func TestDiagnostics(t *testing.T) {
	f := newFixture(t)
	f.uploadAndProcess(t, "u1", "biology.txt", sampleText)

	resp := f.do(t, http.MethodGet, "/knowledge-space/debug/qdrant-diagnostics", "u1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report retrieval.SystemReport
	decodeBody(t, resp, &report)
	assert.Zero(t, report.Drift)
	assert.Greater(t, report.ChunkRows, 0)

	resp = f.do(t, http.MethodGet, "/knowledge-space/metrics/compression", "u1", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGenerateGraph(t *testing.T) {
	f := newFixture(t)
	resp := f.doJSON(t, http.MethodPost, "/api/generate_graph", "u1",
		map[string]any{"description": "upload then index"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Graph string `json:"graph"`
	}
	decodeBody(t, resp, &out)
	assert.Contains(t, out.Graph, "graph TD")
}

func TestAssistantStream(t *testing.T) {
	f := newFixture(t)
	resp := f.doJSON(t, http.MethodPost, "/api/ai_assistant/stream", "u1",
		map[string]any{"message": "explain photosynthesis", "conversation_id": "c1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, `"answer":"Photosynthesis `)
	assert.Contains(t, body, "event: message_end")
	assert.Contains(t, body, `"total_tokens":10`)

	var count int
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT COUNT(*) FROM usage_records WHERE user_id = 'u1' AND conversation_id = 'c1'`).Scan(&count))
	assert.Equal(t, 1, count)

	if !strings.Contains(body, "data: ") {
		t.Fatal("no SSE data frames in response")
	}
}
