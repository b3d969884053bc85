package ratelimit

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/metrics"
)

// Pool bounds in-flight calls against one provider pool.
type Pool struct {
	name string
	sem  *semaphore.Weighted
	size int64
}

// NewPool creates a concurrency pool. size <= 0 means unbounded.
func NewPool(name string, size int) *Pool {
	p := &Pool{name: name, size: int64(size)}
	if size > 0 {
		p.sem = semaphore.NewWeighted(int64(size))
	}
	return p
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if p.sem == nil {
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errdefs.Wrap(errdefs.KindRateLimited, err,
			"waiting for %s concurrency slot", p.name)
	}
	return nil
}

// TryAcquire takes a slot without blocking.
func (p *Pool) TryAcquire() bool {
	if p.sem == nil {
		return true
	}
	ok := p.sem.TryAcquire(1)
	if !ok {
		metrics.RateLimitRejections.WithLabelValues("concurrency:" + p.name).Inc()
	}
	return ok
}

// Release returns a slot to the pool.
func (p *Pool) Release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}
