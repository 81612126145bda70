// Package local runs jobs inside the current process. Each (kind,
// concurrency key) pair gets a FIFO lane that is created on first use and
// evicted once it has been idle for the configured TTL. Lanes of one kind
// share an ants pool sized to the kind's concurrency.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

type laneKey struct {
	kind queue.Kind
	key  string
}

// lane holds the queued jobs of one concurrency key. At most one of its
// jobs is executing at any time (active).
type lane struct {
	key       laneKey
	pending   []*entry
	active    bool
	idleSince time.Time
}

type entry struct {
	job  *queue.Job
	info queue.Info
	lane *lane
}

type kindRunner struct {
	kind  queue.Kind
	pool  *ants.Pool
	ready []*lane
	wake  chan struct{}
}

// Backend is the in-process queue.Backend.
type Backend struct {
	exec      *queue.Executor
	logger    *slog.Logger
	idleTTL   time.Duration
	retention time.Duration
	sweep     time.Duration

	mu      sync.Mutex
	jobs    map[string]*entry
	tags    map[string]map[string]struct{}
	lanes   map[laneKey]*lane
	runners map[queue.Kind]*kindRunner
	started bool
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

var _ queue.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLaneIdleTTL sets how long an empty lane is kept before eviction.
// Default is 10 minutes.
func WithLaneIdleTTL(d time.Duration) Option {
	return func(b *Backend) { b.idleTTL = d }
}

// WithRetention sets how long finished job snapshots stay queryable.
// Default is one hour.
func WithRetention(d time.Duration) Option {
	return func(b *Backend) { b.retention = d }
}

// WithSweepInterval sets how often idle lanes and old jobs are removed.
// Default is one minute.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Backend) { b.sweep = d }
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a backend executing jobs with exec.
func New(exec *queue.Executor, opts ...Option) *Backend {
	ctx, cancel := context.WithCancelCause(context.Background())
	b := &Backend{
		exec:      exec,
		logger:    slog.Default(),
		idleTTL:   10 * time.Minute,
		retention: time.Hour,
		sweep:     time.Minute,
		jobs:      make(map[string]*entry),
		tags:      make(map[string]map[string]struct{}),
		lanes:     make(map[laneKey]*lane),
		runners:   make(map[queue.Kind]*kindRunner),
		ctx:       ctx,
		cancel:    func() { cancel(queue.ErrClosed) },
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Capabilities: no tokens, running jobs cannot be interrupted.
func (b *Backend) Capabilities() queue.Capabilities {
	return queue.Capabilities{}
}

// Start launches one dispatcher per kind plus the sweeper.
func (b *Backend) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	if b.started {
		return nil
	}
	b.started = true

	for _, kind := range b.exec.Registry().Kinds() {
		if _, err := b.runnerLocked(kind); err != nil {
			return err
		}
	}
	for _, r := range b.runners {
		if err := b.startRunnerLocked(r); err != nil {
			return err
		}
	}

	b.loops.Add(1)
	go b.sweepLoop()
	b.logger.Info("local queue started", "kinds", len(b.runners))
	return nil
}

// runnerLocked returns the runner for kind, creating it if needed.
// Caller must hold b.mu.
func (b *Backend) runnerLocked(kind queue.Kind) (*kindRunner, error) {
	if r, ok := b.runners[kind]; ok {
		return r, nil
	}
	r := &kindRunner{kind: kind, wake: make(chan struct{}, 1)}
	b.runners[kind] = r
	if b.started {
		if err := b.startRunnerLocked(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (b *Backend) startRunnerLocked(r *kindRunner) error {
	if r.pool != nil {
		return nil
	}
	size := 1
	if cfg, ok := b.exec.Registry().Lookup(r.kind); ok {
		size = cfg.Concurrency
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		b.logger.Error("queue worker panicked", "kind", r.kind, "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("create pool for %s: %w", r.kind, err)
	}
	r.pool = pool

	b.loops.Add(1)
	go b.dispatch(r)
	if len(r.ready) > 0 {
		signal(r.wake)
	}
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue appends job to its lane and schedules the lane if it is idle.
func (b *Backend) Enqueue(_ context.Context, job *queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}

	if _, ok := b.jobs[job.ID]; ok {
		return queue.ErrDuplicateJob
	}
	r, err := b.runnerLocked(job.Kind)
	if err != nil {
		return err
	}

	k := laneKey{kind: job.Kind, key: job.ConcurrencyKey}
	ln, ok := b.lanes[k]
	if !ok {
		ln = &lane{key: k}
		b.lanes[k] = ln
	}

	e := &entry{
		job:  job,
		lane: ln,
		info: queue.Info{
			ID:             job.ID,
			Kind:           job.Kind,
			Status:         queue.StatusQueued,
			ConcurrencyKey: job.ConcurrencyKey,
			Tags:           job.Tags,
			CreatedAt:      job.CreatedAt,
		},
	}
	b.jobs[job.ID] = e
	for _, t := range job.Tags {
		set, ok := b.tags[t]
		if !ok {
			set = make(map[string]struct{})
			b.tags[t] = set
		}
		set[job.ID] = struct{}{}
	}

	ln.pending = append(ln.pending, e)
	if !ln.active {
		ln.active = true
		r.ready = append(r.ready, ln)
		signal(r.wake)
	}
	return nil
}

// dispatch hands ready lanes to the pool. Submit blocks while every worker
// of the kind is busy, which bounds the kind's parallelism.
func (b *Backend) dispatch(r *kindRunner) {
	defer b.loops.Done()
	for {
		b.mu.Lock()
		var ln *lane
		if len(r.ready) > 0 && !b.closed {
			ln = r.ready[0]
			r.ready = r.ready[1:]
			b.inflight.Add(1)
		}
		b.mu.Unlock()

		if ln == nil {
			select {
			case <-r.wake:
				continue
			case <-b.stop:
				return
			}
		}

		if err := r.pool.Submit(func() {
			defer b.inflight.Done()
			b.runNext(r, ln)
		}); err != nil {
			b.inflight.Done()
			b.mu.Lock()
			ln.active = false
			b.mu.Unlock()
			b.logger.Warn("queue dispatcher stopped", "kind", r.kind, "error", err)
			return
		}
	}
}

// runNext executes the oldest job of ln and reschedules the lane if more
// work is waiting.
func (b *Backend) runNext(r *kindRunner, ln *lane) {
	b.mu.Lock()
	if len(ln.pending) == 0 || b.closed {
		ln.active = false
		ln.idleSince = time.Now()
		b.mu.Unlock()
		return
	}
	e := ln.pending[0]
	ln.pending = ln.pending[1:]
	started := time.Now()
	e.info.Status = queue.StatusExecuting
	e.info.StartedAt = &started
	b.mu.Unlock()

	res := b.exec.Run(b.ctx, e.job)

	b.mu.Lock()
	defer b.mu.Unlock()
	finished := time.Now()
	e.info.Status = res.Status
	e.info.IsCompleted = true
	e.info.Attempts = res.Attempts
	e.info.FinishedAt = &finished
	if res.Err != nil {
		e.info.Error = res.Err.Error()
	}

	if len(ln.pending) > 0 && !b.closed {
		r.ready = append(r.ready, ln)
		signal(r.wake)
		return
	}
	ln.active = false
	ln.idleSince = finished
}

// Status returns a copy of the job snapshot.
func (b *Backend) Status(_ context.Context, id string) (*queue.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.jobs[id]
	if !ok {
		return nil, nil
	}
	info := snapshot(e)
	return &info, nil
}

func snapshot(e *entry) queue.Info {
	info := e.info
	info.Tags = slices.Clone(e.info.Tags)
	return info
}

// Find scans the jobs indexed under the first tag.
func (b *Backend) Find(_ context.Context, tags []string, f queue.Filter) ([]queue.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []*entry
	if len(tags) == 0 {
		for _, e := range b.jobs {
			candidates = append(candidates, e)
		}
	} else {
		for id := range b.tags[tags[0]] {
			candidates = append(candidates, b.jobs[id])
		}
	}

	var out []queue.Info
	for _, e := range candidates {
		if e == nil || !queue.HasTags(e.info.Tags, tags) || !f.Match(&e.info) {
			continue
		}
		out = append(out, snapshot(e))
	}
	slices.SortFunc(out, func(a, b queue.Info) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Cancel removes a queued job from its lane and runs the kind's abandon
// hook. Executing jobs run to completion.
func (b *Backend) Cancel(ctx context.Context, id string) error {
	b.mu.Lock()
	e, ok := b.jobs[id]
	if !ok {
		b.mu.Unlock()
		return queue.ErrJobNotFound
	}

	switch e.info.Status {
	case queue.StatusQueued:
		e.lane.pending = slices.DeleteFunc(e.lane.pending, func(p *entry) bool { return p == e })
		now := time.Now()
		e.info.Status = queue.StatusCanceled
		e.info.IsCompleted = true
		e.info.FinishedAt = &now
		e.info.Error = queue.ErrCancelled.Error()
		b.mu.Unlock()
		b.logger.Info("job cancelled", "job_id", id, "kind", e.info.Kind)
		b.exec.Abandon(ctx, e.job, queue.StatusCanceled, queue.ErrCancelled)
		return nil
	case queue.StatusExecuting:
		b.logger.Warn("cannot interrupt running job", "job_id", id, "kind", e.info.Kind)
	}
	b.mu.Unlock()
	return nil
}

// Lanes returns the number of live lanes.
func (b *Backend) Lanes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lanes)
}

func (b *Backend) sweepLoop() {
	defer b.loops.Done()
	ticker := time.NewTicker(b.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.evict(time.Now())
		case <-b.stop:
			return
		}
	}
}

// evict drops lanes idle past the TTL and job snapshots past retention.
func (b *Backend) evict(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lanes := 0
	for k, ln := range b.lanes {
		if !ln.active && len(ln.pending) == 0 && now.Sub(ln.idleSince) >= b.idleTTL {
			delete(b.lanes, k)
			lanes++
		}
	}

	jobs := 0
	for id, e := range b.jobs {
		if e.info.FinishedAt == nil || now.Sub(*e.info.FinishedAt) < b.retention {
			continue
		}
		delete(b.jobs, id)
		for _, t := range e.info.Tags {
			if set := b.tags[t]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(b.tags, t)
				}
			}
		}
		jobs++
	}

	if lanes > 0 || jobs > 0 {
		b.logger.Debug("evicted idle queue state", "lanes", lanes, "jobs", jobs)
	}
}

// Close stops dispatching, waits for executing jobs until ctx expires,
// then cancels them. Jobs still queued are dropped.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("cancelling running jobs on shutdown")
		b.cancel()
		<-done
	}
	b.cancel()
	b.loops.Wait()

	b.mu.Lock()
	for _, r := range b.runners {
		if r.pool != nil {
			r.pool.Release()
		}
	}
	b.mu.Unlock()
	return nil
}
