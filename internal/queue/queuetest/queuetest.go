// Package queuetest holds behaviour tests every queue.Backend must pass.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// Factory builds a started backend around exec. It should register cleanup
// that closes the backend.
type Factory func(t *testing.T, exec *queue.Executor) queue.Backend

const testKind queue.Kind = "test-kind"

type harness struct {
	reg     *queue.Registry
	backend queue.Backend
	adapter *queue.Adapter
}

func newHarness(t *testing.T, factory Factory, cfg queue.KindConfig) *harness {
	t.Helper()
	reg := queue.NewRegistry()
	reg.Register(testKind, cfg)
	exec := queue.NewExecutor(reg, queue.WithInitialBackoff(5*time.Millisecond))
	backend := factory(t, exec)
	return &harness{reg: reg, backend: backend, adapter: queue.NewAdapter(backend, reg)}
}

func (h *harness) enqueue(t *testing.T, key string, payload any, tags ...string) string {
	t.Helper()
	handle, err := h.adapter.Enqueue(context.Background(), testKind, payload, queue.EnqueueOptions{
		ConcurrencyKey: key,
		Tags:           tags,
	})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)
	return handle.ID
}

func (h *harness) waitStatus(t *testing.T, id string, want queue.Status) *queue.Info {
	t.Helper()
	var last *queue.Info
	require.Eventually(t, func() bool {
		info, err := h.adapter.Status(context.Background(), id)
		if err != nil || info == nil {
			return false
		}
		last = info
		return info.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s (last: %+v)", id, want, last)
	return last
}

// Run exercises the backend produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("same key runs FIFO without overlap", func(t *testing.T) { testFIFO(t, factory) })
	t.Run("kind parallelism is bounded", func(t *testing.T) { testBounded(t, factory) })
	t.Run("cancel queued job", func(t *testing.T) { testCancelQueued(t, factory) })
	t.Run("cancel terminal and unknown", func(t *testing.T) { testCancelTerminal(t, factory) })
	t.Run("find by tags", func(t *testing.T) { testFind(t, factory) })
	t.Run("caller chosen id", func(t *testing.T) { testCallerID(t, factory) })
	t.Run("retries until success", func(t *testing.T) { testRetry(t, factory) })
	t.Run("fails after max attempts", func(t *testing.T) { testExhausted(t, factory) })
	t.Run("permanent error is not retried", func(t *testing.T) { testPermanent(t, factory) })
	t.Run("timeout fails the attempt", func(t *testing.T) { testTimeout(t, factory) })
}

func testFIFO(t *testing.T, factory Factory) {
	var (
		mu      sync.Mutex
		order   = map[string][]int{}
		running = map[string]int{}
		overlap atomic.Bool
	)
	h := newHarness(t, factory, queue.KindConfig{
		Concurrency: 4,
		Timeout:     time.Second,
		Handler: func(ctx context.Context, job *queue.Job) error {
			var p struct {
				Key string `json:"key"`
				Seq int    `json:"seq"`
			}
			if err := job.Decode(&p); err != nil {
				return err
			}
			mu.Lock()
			running[p.Key]++
			if running[p.Key] > 1 {
				overlap.Store(true)
			}
			order[p.Key] = append(order[p.Key], p.Seq)
			mu.Unlock()

			time.Sleep(3 * time.Millisecond)

			mu.Lock()
			running[p.Key]--
			mu.Unlock()
			return nil
		},
	})

	keys := []string{"user-a", "user-b", "user-c"}
	var ids []string
	for seq := 0; seq < 5; seq++ {
		for _, k := range keys {
			ids = append(ids, h.enqueue(t, k, map[string]any{"key": k, "seq": seq}))
		}
	}
	for _, id := range ids {
		h.waitStatus(t, id, queue.StatusCompleted)
	}

	assert.False(t, overlap.Load(), "two jobs with the same key ran at once")
	mu.Lock()
	defer mu.Unlock()
	for _, k := range keys {
		assert.Equal(t, []int{0, 1, 2, 3, 4}, order[k], "jobs for %s ran out of order", k)
	}
}

func testBounded(t *testing.T, factory Factory) {
	var current, peak atomic.Int32
	h := newHarness(t, factory, queue.KindConfig{
		Concurrency: 2,
		Timeout:     time.Second,
		Handler: func(ctx context.Context, job *queue.Job) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return nil
		},
	})

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, h.enqueue(t, fmt.Sprintf("key-%d", i), nil))
	}
	for _, id := range ids {
		h.waitStatus(t, id, queue.StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func testCancelQueued(t *testing.T, factory Factory) {
	release := make(chan struct{})
	var ran sync.Map
	abandoned := make(chan error, 4)
	h := newHarness(t, factory, queue.KindConfig{
		Concurrency: 2,
		Timeout:     5 * time.Second,
		OnAbandon: func(ctx context.Context, job *queue.Job, cause error) {
			abandoned <- fmt.Errorf("%s: %w", job.ID, cause)
		},
		Handler: func(ctx context.Context, job *queue.Job) error {
			ran.Store(job.ID, true)
			var block bool
			_ = job.Decode(&block)
			if block {
				select {
				case <-release:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	})

	first := h.enqueue(t, "same", true)
	h.waitStatus(t, first, queue.StatusExecuting)
	second := h.enqueue(t, "same", false)
	third := h.enqueue(t, "same", false)

	require.NoError(t, h.adapter.Cancel(context.Background(), second))
	info := h.waitStatus(t, second, queue.StatusCanceled)
	assert.True(t, info.IsCompleted)

	select {
	case err := <-abandoned:
		assert.ErrorIs(t, err, queue.ErrCancelled)
		assert.Contains(t, err.Error(), second)
	case <-time.After(time.Second):
		t.Fatal("abandon hook not called for cancelled job")
	}

	close(release)
	h.waitStatus(t, first, queue.StatusCompleted)
	h.waitStatus(t, third, queue.StatusCompleted)

	_, secondRan := ran.Load(second)
	assert.False(t, secondRan, "cancelled job must not run")
	assert.Empty(t, abandoned, "finished jobs are not abandoned")
}

func testCallerID(t *testing.T, factory Factory) {
	h := newHarness(t, factory, queue.KindConfig{
		Handler: func(ctx context.Context, job *queue.Job) error { return nil },
	})
	ctx := context.Background()
	opts := queue.EnqueueOptions{ID: "run-fixed-id", ConcurrencyKey: "k"}

	handle, err := h.adapter.Enqueue(ctx, testKind, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "run-fixed-id", handle.ID)
	h.waitStatus(t, handle.ID, queue.StatusCompleted)

	_, err = h.adapter.Enqueue(ctx, testKind, nil, opts)
	assert.ErrorIs(t, err, queue.ErrDispatch)
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)
}

func testCancelTerminal(t *testing.T, factory Factory) {
	h := newHarness(t, factory, queue.KindConfig{
		Handler: func(ctx context.Context, job *queue.Job) error { return nil },
	})

	id := h.enqueue(t, "k", nil)
	h.waitStatus(t, id, queue.StatusCompleted)

	require.NoError(t, h.adapter.Cancel(context.Background(), id))
	info := h.waitStatus(t, id, queue.StatusCompleted)
	assert.True(t, info.IsCompleted)

	// Status is idempotent.
	again, err := h.adapter.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, info.Status, again.Status)

	err = h.adapter.Cancel(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	missing, err := h.adapter.Status(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testFind(t *testing.T, factory Factory) {
	release := make(chan struct{})
	h := newHarness(t, factory, queue.KindConfig{
		Concurrency: 1,
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, job *queue.Job) error {
			<-release
			return nil
		},
	})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	a := h.enqueue(t, "u1", nil, "user-1", "rec-1")
	time.Sleep(2 * time.Millisecond)
	b := h.enqueue(t, "u1", nil, "user-1", "rec-2")
	time.Sleep(2 * time.Millisecond)
	c := h.enqueue(t, "u2", nil, "user-2", "rec-3")

	ctx := context.Background()
	found, err := h.adapter.FindByTags(ctx, []string{"user-1"}, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, b, found[0].ID, "newest first")
	assert.Equal(t, a, found[1].ID)

	found, err = h.adapter.FindByTags(ctx, []string{"user-1", "rec-2"}, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, b, found[0].ID)
	assert.Equal(t, []string{"user-1", "rec-2"}, found[0].Tags)

	found, err = h.adapter.FindByTags(ctx, []string{"user-1"}, queue.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = h.adapter.FindByTags(ctx, []string{"user-2"}, queue.Filter{Kinds: []queue.Kind{"other"}})
	require.NoError(t, err)
	assert.Empty(t, found)

	close(release)
	h.waitStatus(t, c, queue.StatusCompleted)
	h.waitStatus(t, b, queue.StatusCompleted)

	found, err = h.adapter.FindByTags(ctx, []string{"user-1"}, queue.Filter{Statuses: queue.ActiveStatuses})
	require.NoError(t, err)
	assert.Empty(t, found, "completed jobs are not active")
}

func testRetry(t *testing.T, factory Factory) {
	var calls atomic.Int32
	var sawFinal atomic.Bool
	h := newHarness(t, factory, queue.KindConfig{
		MaxAttempts: 3,
		Timeout:     time.Second,
		Handler: func(ctx context.Context, job *queue.Job) error {
			n := calls.Add(1)
			attempt, max := queue.AttemptFromContext(ctx)
			if int32(attempt) != n || max != 3 {
				return queue.Permanent(fmt.Errorf("attempt %d/%d on call %d", attempt, max, n))
			}
			if n < 3 {
				return errors.New("transient")
			}
			sawFinal.Store(queue.IsFinalAttempt(ctx))
			return nil
		},
	})

	id := h.enqueue(t, "k", nil)
	info := h.waitStatus(t, id, queue.StatusCompleted)
	assert.Equal(t, 3, info.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, sawFinal.Load())
}

func testExhausted(t *testing.T, factory Factory) {
	var calls atomic.Int32
	h := newHarness(t, factory, queue.KindConfig{
		MaxAttempts: 3,
		Handler: func(ctx context.Context, job *queue.Job) error {
			calls.Add(1)
			return errors.New("knowledge engine unavailable")
		},
	})

	id := h.enqueue(t, "k", nil)
	info := h.waitStatus(t, id, queue.StatusFailed)
	assert.Equal(t, 3, info.Attempts)
	assert.Contains(t, info.Error, "knowledge engine unavailable")
	assert.True(t, info.IsCompleted)
	assert.Equal(t, int32(3), calls.Load())
}

func testPermanent(t *testing.T, factory Factory) {
	var calls atomic.Int32
	h := newHarness(t, factory, queue.KindConfig{
		MaxAttempts: 3,
		Handler: func(ctx context.Context, job *queue.Job) error {
			calls.Add(1)
			return queue.Permanent(errors.New("bad payload"))
		},
	})

	id := h.enqueue(t, "k", nil)
	info := h.waitStatus(t, id, queue.StatusFailed)
	assert.Equal(t, 1, info.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func testTimeout(t *testing.T, factory Factory) {
	h := newHarness(t, factory, queue.KindConfig{
		MaxAttempts: 1,
		Timeout:     20 * time.Millisecond,
		Handler: func(ctx context.Context, job *queue.Job) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	id := h.enqueue(t, "k", nil)
	info := h.waitStatus(t, id, queue.StatusFailed)
	assert.Contains(t, info.Error, "timed out")
}
