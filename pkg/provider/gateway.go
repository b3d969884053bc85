package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
	"github.com/classmind/kbengine/pkg/types"
)

// Throttle gates vendor calls: one QPM unit and one concurrency slot
// per call, both keyed by vendor. ratelimit.Limits implements it.
type Throttle interface {
	AllowProviderCall(ctx context.Context, vendor string) error
	AcquireSlot(ctx context.Context, vendor string) (release func(), err error)
}

// Gateway fronts all model vendors behind logical aliases. Route
// selection for multi-route aliases goes through the Selector; a
// throttling or transient failure re-selects a different route once,
// arrearage and invalid-key failures never retry. Every call first
// clears the Throttle for its vendor; streaming calls hold their slot
// until the stream closes.
type Gateway struct {
	routes   map[string][]Route
	selector Selector
	throttle Throttle
	timeout  time.Duration

	// newClient is swappable in tests.
	newClient func(r Route) *openai.Client
}

// NewGateway builds a gateway over the given route table. throttle may
// be nil, which leaves vendor calls unbounded.
func NewGateway(routes map[string][]Route, selector Selector, throttle Throttle, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 40 * time.Second
	}
	return &Gateway{
		routes:   routes,
		selector: selector,
		throttle: throttle,
		timeout:  timeout,
		newClient: func(r Route) *openai.Client {
			cfg := openai.DefaultConfig(r.APIKey)
			cfg.BaseURL = r.BaseURL
			return openai.NewClientWithConfig(cfg)
		},
	}
}

// Routes exposes the route table, used by diagnostics.
func (g *Gateway) Routes() map[string][]Route { return g.routes }

func (g *Gateway) pick(alias string, exclude int) (Route, int, error) {
	candidates := g.routes[alias]
	if len(candidates) == 0 {
		return Route{}, -1, errdefs.E(errdefs.KindInternal, "no routes configured for alias %s", alias)
	}
	if len(candidates) == 1 {
		return candidates[0], 0, nil
	}

	idx := 0
	if g.selector != nil {
		vendors := make([]string, len(candidates))
		for i, r := range candidates {
			vendors[i] = r.Vendor
		}
		idx = g.selector.Pick(alias, vendors)
		if idx < 0 || idx >= len(candidates) {
			idx = 0
		}
	}
	if idx == exclude {
		idx = (idx + 1) % len(candidates)
	}
	return candidates[idx], idx, nil
}

// call runs fn against a selected route, re-selecting once on a
// retryable vendor failure when the alias has an alternative.
func (g *Gateway) call(ctx context.Context, alias, op string, fn func(ctx context.Context, r Route) error) (string, error) {
	route, idx, err := g.pick(alias, -1)
	if err != nil {
		return "", err
	}

	runOnce := func(r Route) error {
		if g.throttle != nil {
			if err := g.throttle.AllowProviderCall(ctx, r.Vendor); err != nil {
				return err
			}
			release, err := g.throttle.AcquireSlot(ctx, r.Vendor)
			if err != nil {
				return err
			}
			defer release()
		}
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(cctx, r)
	}

	err = runOnce(route)
	if err == nil {
		metrics.ProviderCalls.WithLabelValues(alias, route.Vendor, op, "ok").Inc()
		return route.Vendor, nil
	}

	kind := Classify(err)
	metrics.ProviderCalls.WithLabelValues(alias, route.Vendor, op, callOutcome(kind, err)).Inc()

	// Local QPM exhaustion shifts traffic like a vendor throttle: the
	// alias's alternative route gets one chance before the caller sees
	// the rate-limit error.
	if (kind.Retryable() || localLimited(err)) && len(g.routes[alias]) > 1 {
		retryRoute, _, perr := g.pick(alias, idx)
		if perr == nil && retryRoute.Vendor != route.Vendor {
			log.WithComponent("provider").Warn().
				Str("alias", alias).
				Str("op", op).
				Str("failed_vendor", route.Vendor).
				Str("retry_vendor", retryRoute.Vendor).
				Str("kind", string(kind)).
				Msg("re-selecting route after retryable failure")
			rerr := runOnce(retryRoute)
			if rerr == nil {
				metrics.ProviderCalls.WithLabelValues(alias, retryRoute.Vendor, op, "ok").Inc()
				return retryRoute.Vendor, nil
			}
			retryKind := Classify(rerr)
			metrics.ProviderCalls.WithLabelValues(alias, retryRoute.Vendor, op, callOutcome(retryKind, rerr)).Inc()
			return retryRoute.Vendor, finishErr(retryKind, retryRoute.Vendor, rerr)
		}
	}
	return route.Vendor, finishErr(kind, route.Vendor, err)
}

// localLimited distinguishes this process's own rate limit from vendor
// failures; it must reach callers unreclassified.
func localLimited(err error) bool {
	return errdefs.KindOf(err) == errdefs.KindRateLimited
}

func callOutcome(kind ErrorKind, err error) string {
	if localLimited(err) {
		return "rate_limited"
	}
	return string(kind)
}

func finishErr(kind ErrorKind, vendor string, err error) error {
	if localLimited(err) {
		return err
	}
	return asEngineError(kind, vendor, err)
}

// Embed embeds texts in vendor-sized batches and returns L2-normalized
// vectors in input order.
func (g *Gateway) Embed(ctx context.Context, alias string, texts []string, dims int) ([][]float32, CallMeta, error) {
	started := time.Now()
	meta := CallMeta{}
	if len(texts) == 0 {
		return nil, meta, nil
	}

	vectors := make([][]float32, 0, len(texts))
	var usage types.Usage

	vendor, err := g.call(ctx, alias, "embed", func(cctx context.Context, r Route) error {
		client := g.newClient(r)
		batch := embedBatchSize(r.EmbedModel)

		vectors = vectors[:0]
		usage = types.Usage{}
		for start := 0; start < len(texts); start += batch {
			end := start + batch
			if end > len(texts) {
				end = len(texts)
			}
			req := openai.EmbeddingRequest{
				Input: texts[start:end],
				Model: openai.EmbeddingModel(r.EmbedModel),
			}
			if dims > 0 {
				req.Dimensions = dims
			}
			resp, err := client.CreateEmbeddings(cctx, req)
			if err != nil {
				return err
			}
			if len(resp.Data) != end-start {
				return fmt.Errorf("embedding count mismatch: sent %d got %d", end-start, len(resp.Data))
			}
			for _, d := range resp.Data {
				vectors = append(vectors, d.Embedding)
			}
			usage.InputTokens += resp.Usage.PromptTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}
		return nil
	})

	meta.Vendor = vendor
	meta.Usage = usage
	meta.Elapsed = time.Since(started)
	if err != nil {
		return nil, meta, err
	}

	for i := range vectors {
		if err := NormalizeL2(vectors[i]); err != nil {
			return nil, meta, errdefs.Wrap(errdefs.KindEmbedInvalidVector, err,
				"embedding %d of %d invalid", i, len(vectors))
		}
	}

	metrics.ProviderTokens.WithLabelValues(alias, "input").Add(float64(usage.InputTokens))
	log.WithComponent("provider").Debug().
		Str("alias", alias).
		Str("vendor", vendor).
		Int("texts", len(texts)).
		Int("dims", dims).
		Dur("elapsed", meta.Elapsed).
		Msg("embed")
	return vectors, meta, nil
}

// Chat runs a full (non-streaming) chat completion.
func (g *Gateway) Chat(ctx context.Context, alias string, messages []Message) (string, CallMeta, error) {
	started := time.Now()
	var content string
	var usage types.Usage

	vendor, err := g.call(ctx, alias, "chat", func(cctx context.Context, r Route) error {
		resp, err := g.newClient(r).CreateChatCompletion(cctx, openai.ChatCompletionRequest{
			Model:    r.ChatModel,
			Messages: messages,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty choices in chat response")
		}
		content = resp.Choices[0].Message.Content
		usage = types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
		return nil
	})

	meta := CallMeta{Vendor: vendor, Usage: usage, Elapsed: time.Since(started)}
	if err != nil {
		return "", meta, err
	}
	metrics.ProviderTokens.WithLabelValues(alias, "input").Add(float64(usage.InputTokens))
	metrics.ProviderTokens.WithLabelValues(alias, "output").Add(float64(usage.OutputTokens))
	return content, meta, nil
}

// ChatStream runs a streaming chat completion, invoking emit for each
// delta and once more with Done set. Usage is reported when the vendor
// includes it in the final chunk; absent usage is not an error.
func (g *Gateway) ChatStream(ctx context.Context, alias string, messages []Message, emit func(StreamEvent)) (CallMeta, error) {
	started := time.Now()
	var usage types.Usage

	vendor, err := g.call(ctx, alias, "chat_stream", func(cctx context.Context, r Route) error {
		stream, err := g.newClient(r).CreateChatCompletionStream(cctx, openai.ChatCompletionRequest{
			Model:    r.ChatModel,
			Messages: messages,
			StreamOptions: &openai.StreamOptions{
				IncludeUsage: true,
			},
		})
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if chunk.Usage != nil {
				usage = types.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				emit(StreamEvent{Delta: chunk.Choices[0].Delta.Content})
			}
		}
		return nil
	})

	meta := CallMeta{Vendor: vendor, Usage: usage, Elapsed: time.Since(started)}
	if err != nil {
		return meta, err
	}
	emit(StreamEvent{Done: true, Usage: &usage})
	metrics.ProviderTokens.WithLabelValues(alias, "output").Add(float64(usage.OutputTokens))
	return meta, nil
}

// OCR extracts text from an image by asking a vision-capable chat model.
func (g *Gateway) OCR(ctx context.Context, alias string, data []byte, mime string) (string, CallMeta, error) {
	started := time.Now()
	var text string
	var usage types.Usage

	vendor, err := g.call(ctx, alias, "ocr", func(cctx context.Context, r Route) error {
		if r.VisionModel == "" {
			return fmt.Errorf("vendor %s has no vision model", r.Vendor)
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
		resp, err := g.newClient(r).CreateChatCompletion(cctx, openai.ChatCompletionRequest{
			Model: r.VisionModel,
			Messages: []openai.ChatCompletionMessage{{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: dataURL,
						},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Extract all text from this image. Output only the text, preserving the reading order.",
					},
				},
			}},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty choices in OCR response")
		}
		text = resp.Choices[0].Message.Content
		usage = types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
		return nil
	})

	meta := CallMeta{Vendor: vendor, Usage: usage, Elapsed: time.Since(started)}
	if err != nil {
		return "", meta, err
	}
	return text, meta, nil
}

// NormalizeL2 scales v to unit length in place. NaN, Inf and zero-norm
// vectors are rejected.
func NormalizeL2(v []float32) error {
	var sum float64
	for _, x := range v {
		fx := float64(x)
		if math.IsNaN(fx) || math.IsInf(fx, 0) {
			return fmt.Errorf("vector contains NaN or Inf")
		}
		sum += fx * fx
	}
	if sum == 0 {
		return fmt.Errorf("vector has zero norm")
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return nil
}
