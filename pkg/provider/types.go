package provider

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/classmind/kbengine/pkg/types"
)

// ErrorKind classifies a vendor failure for route selection and retry.
type ErrorKind string

const (
	ErrArrearage  ErrorKind = "arrearage"
	ErrInvalidKey ErrorKind = "invalid_key"
	ErrThrottling ErrorKind = "throttling"
	ErrTimeout    ErrorKind = "timeout"
	ErrBadRequest ErrorKind = "bad_request"
	ErrTransient  ErrorKind = "transient"
	ErrUnknown    ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may be retried on
// another route of the same alias.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrThrottling, ErrTimeout, ErrTransient:
		return true
	}
	return false
}

// Route is one concrete vendor endpoint behind a logical alias.
type Route struct {
	Vendor      string
	APIKey      string
	BaseURL     string
	EmbedModel  string
	ChatModel   string
	RerankModel string
	VisionModel string
}

// Selector picks one route among an alias's candidates. The rate
// limiter's balancer satisfies this; a nil selector means first-route.
type Selector interface {
	Pick(alias string, vendors []string) int
}

// Message is a chat turn sent to the gateway.
type Message = openai.ChatCompletionMessage

// StreamEvent is one parsed server-sent chunk of a streaming chat call.
type StreamEvent struct {
	Delta string
	Done  bool
	Usage *types.Usage
}

// RerankResult is one reranked document reference.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// CallMeta is the accounting attached to every gateway call.
type CallMeta struct {
	Vendor  string
	Usage   types.Usage
	Elapsed time.Duration
}

// Embedder is the capability the ingestion and retrieval paths need.
// The production gateway and the deterministic test embedder both
// implement it.
type Embedder interface {
	Embed(ctx context.Context, alias string, texts []string, dims int) ([][]float32, CallMeta, error)
}
