package provider

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmind/kbengine/pkg/config"
	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/ratelimit"
)

// embeddingServer answers /embeddings with fixed-direction vectors and
// records how many texts each call carried.
func embeddingServer(t *testing.T, batches *[]int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*batches = append(*batches, len(req.Input))

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{
				"index":     i,
				"embedding": []float64{3, 4, 0},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":  data,
			"usage": map[string]int{"prompt_tokens": len(req.Input), "total_tokens": len(req.Input)},
		})
	}))
}

func singleRoute(url, embedModel string) map[string][]Route {
	return map[string][]Route{
		"qwen": {{Vendor: "dashscope", APIKey: "k", BaseURL: url, EmbedModel: embedModel, ChatModel: "qwen-plus"}},
	}
}

func TestEmbedBatchingAndNormalization(t *testing.T) {
	var batches []int
	srv := embeddingServer(t, &batches)
	defer srv.Close()

	g := NewGateway(singleRoute(srv.URL, "text-embedding-v3"), nil, nil, 0)

	texts := make([]string, 60)
	for i := range texts {
		texts[i] = "text"
	}
	vectors, meta, err := g.Embed(context.Background(), "qwen", texts, 3)
	require.NoError(t, err)
	require.Len(t, vectors, 60)

	// 60 texts in batches of 25
	assert.Equal(t, []int{25, 25, 10}, batches)
	assert.Equal(t, 60, meta.Usage.InputTokens)
	assert.Equal(t, "dashscope", meta.Vendor)

	// (3,4,0) normalizes to (0.6, 0.8, 0)
	assert.InDelta(t, 0.6, vectors[0][0], 1e-6)
	assert.InDelta(t, 0.8, vectors[0][1], 1e-6)
}

func TestEmbedV4BatchSize(t *testing.T) {
	var batches []int
	srv := embeddingServer(t, &batches)
	defer srv.Close()

	g := NewGateway(singleRoute(srv.URL, "text-embedding-v4"), nil, nil, 0)

	texts := make([]string, 25)
	for i := range texts {
		texts[i] = "text"
	}
	_, _, err := g.Embed(context.Background(), "qwen", texts, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 5}, batches)
}

func TestEmbedRejectsInvalidVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float64{0, 0, 0}},
			},
			"usage": map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	g := NewGateway(singleRoute(srv.URL, "m"), nil, nil, 0)
	_, _, err := g.Embed(context.Background(), "qwen", []string{"x"}, 3)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindEmbedInvalidVector, errdefs.KindOf(err))
}

func TestCallRetriesOnThrottling(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"throttled"}}`))
	}))
	defer bad.Close()
	var batches []int
	good := embeddingServer(t, &batches)
	defer good.Close()

	g := NewGateway(map[string][]Route{
		"deepseek": {
			{Vendor: "volcengine", APIKey: "k", BaseURL: bad.URL, EmbedModel: "m"},
			{Vendor: "deepseek", APIKey: "k", BaseURL: good.URL, EmbedModel: "m"},
		},
	}, nil, nil, 0)

	vectors, meta, err := g.Embed(context.Background(), "deepseek", []string{"x"}, 3)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, "deepseek", meta.Vendor)
}

func TestCallNeverRetriesInvalidKey(t *testing.T) {
	badCalls := 0
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badCalls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid_api_key"}}`))
	}))
	defer bad.Close()
	goodCalls := 0
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodCalls++
	}))
	defer good.Close()

	g := NewGateway(map[string][]Route{
		"deepseek": {
			{Vendor: "volcengine", APIKey: "k", BaseURL: bad.URL, EmbedModel: "m"},
			{Vendor: "deepseek", APIKey: "k", BaseURL: good.URL, EmbedModel: "m"},
		},
	}, nil, nil, 0)

	_, _, err := g.Embed(context.Background(), "deepseek", []string{"x"}, 3)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindProviderInvalidKey, errdefs.KindOf(err))
	assert.Equal(t, 1, badCalls)
	assert.Equal(t, 0, goodCalls)
}

func TestRerankThresholdAndTopN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.5},
				{"index": 1, "relevance_score": 0.1},
			},
			"usage": map[string]int{"total_tokens": 30},
		})
	}))
	defer srv.Close()

	g := NewGateway(map[string][]Route{
		"qwen": {{Vendor: "dashscope", APIKey: "k", BaseURL: srv.URL, RerankModel: "gte-rerank-v2"}},
	}, nil, nil, 0)

	results, meta, err := g.Rerank(context.Background(), "qwen", "q", []string{"a", "b", "c"}, 10, 0.3)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].Index)
	assert.Equal(t, 0, results[1].Index)
	assert.Equal(t, 30, meta.Usage.TotalTokens)
}

func TestChatFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello"}},
			},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
		})
	}))
	defer srv.Close()

	g := NewGateway(singleRoute(srv.URL, ""), nil, nil, 0)
	content, meta, err := g.Chat(context.Background(), "qwen", []Message{
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.Equal(t, 7, meta.Usage.TotalTokens)
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.NoError(t, NormalizeL2(v))
	assert.InDelta(t, 1.0, math.Hypot(float64(v[0]), float64(v[1])), 1e-6)

	assert.Error(t, NormalizeL2([]float32{0, 0}))
	assert.Error(t, NormalizeL2([]float32{float32(math.NaN()), 1}))
	assert.Error(t, NormalizeL2([]float32{float32(math.Inf(1)), 1}))
}

func TestBuildRoutes(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"dashscope":  {APIKey: "a"},
			"volcengine": {APIKey: "b", BaseURL: "https://ark.example/v3"},
			"deepseek":   {APIKey: "c"},
		},
		DifyBaseURL: "https://dify.example/v1",
		DifyAPIKey:  "d",
	}

	routes := BuildRoutes(cfg)

	require.Len(t, routes["qwen"], 1)
	assert.Equal(t, "dashscope", routes["qwen"][0].Vendor)
	assert.NotEmpty(t, routes["qwen"][0].EmbedModel)

	// deepseek has two routes: native and volcengine
	require.Len(t, routes["deepseek"], 2)
	assert.Equal(t, "https://ark.example/v3", routes["deepseek"][1].BaseURL)

	require.Len(t, routes["dify"], 1)
	assert.Empty(t, routes["kimi"], "no moonshot key configured")
}

func TestGatewayEnforcesProviderLimits(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{
			"data":  []map[string]any{{"index": 0, "embedding": []float64{3, 4, 0}}},
			"usage": map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{
		ProviderLimits: map[string]config.ProviderLimit{
			"dashscope": {QPM: 2, Concurrent: 1},
		},
	}
	limits := ratelimit.NewLimits(ratelimit.NewCounter(nil), cfg)
	g := NewGateway(singleRoute(srv.URL, "m"), nil, limits, 0)

	var wg sync.WaitGroup
	var ok, limited int
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := g.Embed(context.Background(), "qwen", []string{"x"}, 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errdefs.KindOf(err) == errdefs.KindRateLimited:
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok, "QPM of 2 admits two calls")
	assert.Equal(t, 4, limited)
	assert.Equal(t, 1, maxInFlight, "concurrency pool of 1 serializes vendor calls")
}

func TestDeterministicEmbedder(t *testing.T) {
	d := NewDeterministic(64)

	a, _, err := d.Embed(context.Background(), "qwen", []string{"hello", "hello", "world"}, 0)
	require.NoError(t, err)
	require.Len(t, a, 3)

	assert.Equal(t, a[0], a[1], "identical texts embed identically")
	assert.NotEqual(t, a[0], a[2])

	var norm float64
	for _, x := range a[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}
