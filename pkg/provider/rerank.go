package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/classmind/kbengine/pkg/log"
)

// The rerank endpoints are not part of the OpenAI-compatible surface,
// so the call is a plain JSON POST against the vendor rerank path.

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
	Usage   struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Rerank scores docs against query and returns results ordered by score
// descending, filtered to score >= threshold, at most topN entries.
func (g *Gateway) Rerank(ctx context.Context, alias, query string, docs []string, topN int, threshold float64) ([]RerankResult, CallMeta, error) {
	started := time.Now()
	if len(docs) == 0 {
		return nil, CallMeta{Elapsed: time.Since(started)}, nil
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	var results []RerankResult
	var totalTokens int

	vendor, err := g.call(ctx, alias, "rerank", func(cctx context.Context, r Route) error {
		if r.RerankModel == "" {
			return fmt.Errorf("vendor %s has no rerank model", r.Vendor)
		}
		body, err := json.Marshal(rerankRequest{
			Model:     r.RerankModel,
			Query:     query,
			Documents: docs,
			TopN:      topN,
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(cctx, http.MethodPost, r.BaseURL+"/rerank", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+r.APIKey)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return httpStatusError(resp.StatusCode, payload)
		}

		var parsed rerankResponse
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return fmt.Errorf("decode rerank response: %w", err)
		}
		results = parsed.Results
		totalTokens = parsed.Usage.TotalTokens
		return nil
	})

	meta := CallMeta{Vendor: vendor, Elapsed: time.Since(started)}
	meta.Usage.TotalTokens = totalTokens
	if err != nil {
		return nil, meta, err
	}

	filtered := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) > topN {
		filtered = filtered[:topN]
	}

	log.WithComponent("provider").Debug().
		Str("alias", alias).
		Int("docs", len(docs)).
		Int("kept", len(filtered)).
		Dur("elapsed", meta.Elapsed).
		Msg("rerank")
	return filtered, meta, nil
}

// httpStatusError carries the status code through Classify.
type rerankHTTPError struct {
	status int
	body   string
}

func (e *rerankHTTPError) Error() string {
	return fmt.Sprintf("rerank HTTP %d: %s", e.status, e.body)
}

func httpStatusError(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &rerankHTTPError{status: status, body: msg}
}
