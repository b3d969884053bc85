package ratelimit

import (
	"context"
	"time"

	"github.com/classmind/kbengine/pkg/config"
)

// Counting scopes.
const (
	ScopeProviderQPM = "provider_qpm"
	ScopeRetrieval   = "kb_retrieval"
	ScopeEmbedding   = "kb_embedding"
	ScopeUpload      = "kb_upload"
)

const uploadWindow = time.Hour

// Limits binds the configured tenant and provider limits to a counter
// and the per-provider concurrency pools.
type Limits struct {
	counter *Counter
	cfg     *config.Config
	pools   map[string]*Pool
}

// NewLimits builds the limit surface from configuration.
func NewLimits(counter *Counter, cfg *config.Config) *Limits {
	pools := map[string]*Pool{}
	for vendor, pl := range cfg.ProviderLimits {
		pools[vendor] = NewPool(vendor, pl.Concurrent)
	}
	return &Limits{counter: counter, cfg: cfg, pools: pools}
}

// AllowProviderCall consumes one QPM unit for the vendor.
func (l *Limits) AllowProviderCall(ctx context.Context, vendor string) error {
	limit := l.cfg.ProviderLimits[vendor].QPM
	return l.counter.Allow(ctx, ScopeProviderQPM, vendor, limit, Window)
}

// Pool returns the vendor's concurrency pool, unbounded when none is
// configured.
func (l *Limits) Pool(vendor string) *Pool {
	if p, ok := l.pools[vendor]; ok {
		return p
	}
	return NewPool(vendor, 0)
}

// AcquireSlot takes a concurrency slot for the vendor, blocking until
// one frees or ctx is done. The returned release must run when the
// vendor call finishes; for streaming calls that is stream close.
func (l *Limits) AcquireSlot(ctx context.Context, vendor string) (func(), error) {
	p := l.Pool(vendor)
	if err := p.Acquire(ctx); err != nil {
		return nil, err
	}
	return p.Release, nil
}

// AllowRetrieval consumes one retrieval RPM unit for the tenant.
func (l *Limits) AllowRetrieval(ctx context.Context, tenant string) error {
	return l.counter.Allow(ctx, ScopeRetrieval, tenant, l.cfg.KBRetrievalRPM, Window)
}

// AllowEmbedding consumes n embedding RPM units for the tenant, one
// per chunk to embed.
func (l *Limits) AllowEmbedding(ctx context.Context, tenant string, n int) error {
	return l.counter.AllowN(ctx, ScopeEmbedding, tenant, n, l.cfg.KBEmbeddingRPM, Window)
}

// AllowUpload consumes one upload unit in the tenant's hourly window.
func (l *Limits) AllowUpload(ctx context.Context, tenant string) error {
	return l.counter.Allow(ctx, ScopeUpload, tenant, l.cfg.KBUploadPerHour, uploadWindow)
}

// EmbeddingHeadroom reports the remaining embedding calls in the
// tenant's current window, so batch work can fail fast before
// embedding anything.
func (l *Limits) EmbeddingHeadroom(ctx context.Context, tenant string) int {
	return l.counter.Headroom(ctx, ScopeEmbedding, tenant, l.cfg.KBEmbeddingRPM, Window)
}
