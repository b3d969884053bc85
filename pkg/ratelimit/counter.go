package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
)

// Window is the fixed counting window for all per-minute limits.
const Window = 60 * time.Second

// Counter enforces fixed-window request limits. Counts live in Redis so
// every worker shares state; when Redis is unreachable the counter runs
// on process-local buckets and logs the degradation once per
// transition.
type Counter struct {
	rdb redis.Cmdable

	mu       sync.Mutex
	local    map[string]*localBucket
	degraded bool

	now func() time.Time
}

type localBucket struct {
	slot  int64
	count int
}

// NewCounter creates a counter. rdb may be nil for a purely local
// deployment; that is not reported as degradation.
func NewCounter(rdb redis.Cmdable) *Counter {
	return &Counter{
		rdb:   rdb,
		local: map[string]*localBucket{},
		now:   time.Now,
	}
}

// Allow consumes one unit of scope/key within the window. The returned
// error is a RateLimited engine error when the limit is exhausted.
func (c *Counter) Allow(ctx context.Context, scope, key string, limit int, window time.Duration) error {
	return c.AllowN(ctx, scope, key, 1, limit, window)
}

// AllowN consumes n units at once, so batch work charges every unit it
// represents in a single window update.
func (c *Counter) AllowN(ctx context.Context, scope, key string, n, limit int, window time.Duration) error {
	if limit <= 0 || n <= 0 {
		return nil
	}
	if window <= 0 {
		window = Window
	}

	total, err := c.incr(ctx, scope, key, n, window)
	if err != nil {
		total = c.incrLocal(scope, key, n, window)
	}
	if total > limit {
		metrics.RateLimitRejections.WithLabelValues(scope).Inc()
		return errdefs.E(errdefs.KindRateLimited,
			"%s limit exceeded for %s: %d/%d in %s", scope, key, total, limit, window)
	}
	return nil
}

// Headroom reports how many units remain in the current window without
// consuming any. Callers use it to fail fast before batch work.
func (c *Counter) Headroom(ctx context.Context, scope, key string, limit int, window time.Duration) int {
	if limit <= 0 {
		return int(^uint(0) >> 1)
	}
	if window <= 0 {
		window = Window
	}

	var n int
	if c.rdb != nil {
		v, err := c.rdb.Get(ctx, c.redisKey(scope, key, window)).Int()
		if err == nil {
			n = v
		} else if err != redis.Nil {
			n = c.peekLocal(scope, key, window)
		}
	} else {
		n = c.peekLocal(scope, key, window)
	}

	if n >= limit {
		return 0
	}
	return limit - n
}

func (c *Counter) redisKey(scope, key string, window time.Duration) string {
	slot := c.now().Unix() / int64(window.Seconds())
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, key, slot)
}

func (c *Counter) incr(ctx context.Context, scope, key string, n int, window time.Duration) (int, error) {
	if c.rdb == nil {
		return 0, fmt.Errorf("no shared store")
	}
	rkey := c.redisKey(scope, key, window)
	total, err := c.rdb.IncrBy(ctx, rkey, int64(n)).Result()
	if err != nil {
		c.setDegraded(true, err)
		return 0, err
	}
	if total == int64(n) {
		// First write in the window owns the expiry.
		c.rdb.Expire(ctx, rkey, window)
	}
	c.setDegraded(false, nil)
	return int(total), nil
}

func (c *Counter) setDegraded(degraded bool, cause error) {
	c.mu.Lock()
	changed := c.degraded != degraded
	c.degraded = degraded
	c.mu.Unlock()
	if !changed {
		return
	}
	if degraded {
		metrics.RateLimitDegraded.Set(1)
		log.WithComponent("ratelimit").Warn().
			Err(cause).
			Msg("shared counter store unavailable, falling back to process-local limits")
		return
	}
	metrics.RateLimitDegraded.Set(0)
	log.WithComponent("ratelimit").Info().
		Msg("shared counter store recovered")
}

// Degraded reports whether the counter is running on local fallback.
func (c *Counter) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Counter) incrLocal(scope, key string, n int, window time.Duration) int {
	slot := c.now().Unix() / int64(window.Seconds())
	bkey := scope + ":" + key

	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.local[bkey]
	if b == nil || b.slot != slot {
		b = &localBucket{slot: slot}
		c.local[bkey] = b
	}
	b.count += n
	return b.count
}

func (c *Counter) peekLocal(scope, key string, window time.Duration) int {
	slot := c.now().Unix() / int64(window.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.local[scope+":"+key]
	if b == nil || b.slot != slot {
		return 0
	}
	return b.count
}
