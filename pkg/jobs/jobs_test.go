package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmind/kbengine/pkg/errdefs"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(2)
	q.backoff = time.Millisecond
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func TestJobRuns(t *testing.T) {
	q := newTestQueue(t)

	var ran atomic.Int32
	id := q.Enqueue("noop", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	require.NotEmpty(t, id)

	q.Wait()
	assert.Equal(t, int32(1), ran.Load())
}

func TestRetryableJobRetriesThreeTimes(t *testing.T) {
	q := newTestQueue(t)

	var attempts atomic.Int32
	q.Enqueue("flaky", func(ctx context.Context) error {
		attempts.Add(1)
		return errdefs.E(errdefs.KindProviderTransient, "vendor hiccup")
	})

	q.Wait()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryableJobStopsOnSuccess(t *testing.T) {
	q := newTestQueue(t)

	var attempts atomic.Int32
	q.Enqueue("recovers", func(ctx context.Context) error {
		if attempts.Add(1) < 2 {
			return errdefs.E(errdefs.KindProviderThrottled, "throttled")
		}
		return nil
	})

	q.Wait()
	assert.Equal(t, int32(2), attempts.Load())
}

func TestNonRetryableJobFailsOnce(t *testing.T) {
	q := newTestQueue(t)

	var attempts atomic.Int32
	q.Enqueue("doomed", func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("plain failure")
	})

	q.Wait()
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFinalAttempt(t *testing.T) {
	ctx := context.Background()
	assert.True(t, FinalAttempt(ctx), "contexts outside the queue are final")
	assert.False(t, FinalAttempt(WithAttempt(ctx, 1)))
	assert.False(t, FinalAttempt(WithAttempt(ctx, 2)))
	assert.True(t, FinalAttempt(WithAttempt(ctx, 3)))
}

func TestJobContextCarriesAttempt(t *testing.T) {
	q := newTestQueue(t)

	var finals []bool
	q.Enqueue("flaky", func(ctx context.Context) error {
		finals = append(finals, FinalAttempt(ctx))
		return errdefs.E(errdefs.KindProviderTransient, "vendor hiccup")
	})

	q.Wait()
	assert.Equal(t, []bool{false, false, true}, finals)
}

func TestJobsRunConcurrently(t *testing.T) {
	q := newTestQueue(t)

	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		q.Enqueue("parallel", func(ctx context.Context) error {
			started <- struct{}{}
			<-gate
			return nil
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("jobs did not start concurrently")
		}
	}
	close(gate)
	q.Wait()
}
