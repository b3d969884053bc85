package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
)

// Fn is the body of a background job.
type Fn func(ctx context.Context) error

const (
	defaultWorkers = 4
	maxAttempts    = 3
	backoffBase    = 60 * time.Second
)

// Job is one queued unit of work.
type Job struct {
	ID      string
	Name    string
	fn      Fn
	attempt int
}

// Queue runs background jobs on a fixed worker pool. Retryable
// failures re-enqueue with exponential backoff (base 60s, doubling per
// attempt) up to three attempts total.
type Queue struct {
	ch      chan *Job
	workers int
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending sync.WaitGroup
	timers  map[string]*time.Timer
}

// NewQueue creates a queue with the given worker count.
func NewQueue(workers int) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		ch:      make(chan *Job, 256),
		workers: workers,
		backoff: backoffBase,
		timers:  map[string]*time.Timer{},
	}
}

// Start launches the workers.
func (q *Queue) Start() {
	q.ctx, q.cancel = context.WithCancel(context.Background())
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	log.WithComponent("jobs").Info().
		Int("workers", q.workers).
		Msg("job queue started")
}

// Stop cancels running jobs and waits for the workers to drain.
func (q *Queue) Stop() {
	q.mu.Lock()
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = map[string]*time.Timer{}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Enqueue schedules fn and returns the job id. Enqueue never blocks
// the caller beyond channel capacity.
func (q *Queue) Enqueue(name string, fn Fn) string {
	job := &Job{ID: uuid.NewString(), Name: name, fn: fn, attempt: 1}
	q.pending.Add(1)
	q.ch <- job
	return job.ID
}

// Wait blocks until every enqueued job (including retries) finished.
// Test helper; servers rely on Stop instead.
func (q *Queue) Wait() {
	q.pending.Wait()
}

type attemptKey struct{}

// WithAttempt marks ctx as running attempt n of a queued job. The
// queue annotates job contexts itself.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// FinalAttempt reports whether no further retry can follow the running
// attempt. Contexts outside the queue are final.
func FinalAttempt(ctx context.Context) bool {
	n, ok := ctx.Value(attemptKey{}).(int)
	if !ok {
		return true
	}
	return n >= maxAttempts
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.ch:
			q.run(job)
		}
	}
}

func (q *Queue) run(job *Job) {
	logger := log.WithJob(job.ID).With().Str("job", job.Name).Int("attempt", job.attempt).Logger()

	err := job.fn(WithAttempt(q.ctx, job.attempt))
	if err == nil {
		metrics.JobsProcessed.WithLabelValues("ok").Inc()
		q.pending.Done()
		return
	}

	if errdefs.IsRetryable(err) && job.attempt < maxAttempts {
		delay := q.backoff << (job.attempt - 1)
		logger.Warn().
			Err(err).
			Dur("retry_in", delay).
			Msg("job failed, retrying")
		metrics.JobRetries.Inc()
		q.scheduleRetry(job, delay)
		return
	}

	logger.Error().
		Err(err).
		Msg("job failed permanently")
	metrics.JobsProcessed.WithLabelValues("failed").Inc()
	q.pending.Done()
}

func (q *Queue) scheduleRetry(job *Job, delay time.Duration) {
	retry := &Job{ID: job.ID, Name: job.Name, fn: job.fn, attempt: job.attempt + 1}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers[retry.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, retry.ID)
		q.mu.Unlock()

		select {
		case q.ch <- retry:
		case <-q.ctx.Done():
			q.pending.Done()
		}
	})
}
