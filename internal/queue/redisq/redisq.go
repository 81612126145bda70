// Package redisq is a queue.Backend on Redis. Jobs live in hashes, each
// (kind, concurrency key) pair has a FIFO lane list, and lanes with work
// waiting are pushed to a per-kind ready list that workers block on. A
// lane marker with a lease guarantees at most one worker drains a lane at
// a time, across processes. A job whose worker vanished mid-run is put
// back at the head of its lane by the sweeper.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// DefaultPrefix namespaces every key the backend writes.
const DefaultPrefix = "knowhow:queue:"

// Backend is the Redis queue.Backend.
type Backend struct {
	rdb    redis.UniversalClient
	exec   *queue.Executor
	logger *slog.Logger
	owner  string

	prefix      string
	pollTimeout time.Duration
	cancelPoll  time.Duration
	lease       time.Duration
	retention   time.Duration
	sweep       time.Duration
	recoveries  int

	mu      sync.Mutex
	started bool
	closed  bool

	loopCtx    context.Context
	stopLoops  context.CancelFunc
	jobCtx     context.Context
	cancelJobs context.CancelCauseFunc
	loops      sync.WaitGroup
	inflight   sync.WaitGroup
}

var _ queue.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix sets the key prefix. Default is DefaultPrefix.
func WithPrefix(p string) Option {
	return func(b *Backend) {
		if p != "" {
			b.prefix = p
		}
	}
}

// WithPollTimeout sets how long a worker blocks waiting for a ready lane.
// Redis rounds it up to whole seconds. Default is one second.
func WithPollTimeout(d time.Duration) Option {
	return func(b *Backend) { b.pollTimeout = d }
}

// WithCancelPoll sets how often a running job checks for a cancel request
// and renews its lane lease. Default is 500ms.
func WithCancelPoll(d time.Duration) Option {
	return func(b *Backend) { b.cancelPoll = d }
}

// WithLease sets how long a lane stays owned by a worker that stops
// renewing it. Default is 30 seconds.
func WithLease(d time.Duration) Option {
	return func(b *Backend) { b.lease = d }
}

// WithMaxRecoveries sets how often a job left running by a vanished worker
// is requeued before it is failed with queue.ErrWorkerLost. Default is 3.
func WithMaxRecoveries(n int) Option {
	return func(b *Backend) { b.recoveries = n }
}

// WithRetention sets how long finished jobs stay queryable. Default is 24 hours.
func WithRetention(d time.Duration) Option {
	return func(b *Backend) { b.retention = d }
}

// WithSweepInterval sets how often idle lanes are evicted and orphaned
// lanes rescheduled. Default is one minute.
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

// Connect parses url, applies password when set and verifies the server
// answers.
func Connect(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// New creates a backend on rdb executing jobs with exec. The caller owns rdb.
func New(rdb redis.UniversalClient, exec *queue.Executor, opts ...Option) *Backend {
	b := &Backend{
		rdb:         rdb,
		exec:        exec,
		logger:      slog.Default(),
		owner:       "worker-" + uuid.NewString()[:8],
		prefix:      DefaultPrefix,
		pollTimeout: time.Second,
		cancelPoll:  500 * time.Millisecond,
		lease:       30 * time.Second,
		retention:   24 * time.Hour,
		sweep:       time.Minute,
		recoveries:  3,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.loopCtx, b.stopLoops = context.WithCancel(context.Background())
	b.jobCtx, b.cancelJobs = context.WithCancelCause(context.Background())
	return b
}

// Capabilities: scoped tokens and interruption of running jobs.
func (b *Backend) Capabilities() queue.Capabilities {
	return queue.Capabilities{ScopedTokens: true, InterruptRunning: true}
}

func (b *Backend) jobKey(id string) string      { return b.prefix + "job:" + id }
func (b *Backend) readyKey(k queue.Kind) string { return b.prefix + "ready:" + string(k) }
func (b *Backend) lanesKey(k queue.Kind) string { return b.prefix + "lanes:" + string(k) }
func (b *Backend) tagKey(tag string) string     { return b.prefix + "tag:" + tag }
func (b *Backend) jobsKey() string              { return b.prefix + "jobs" }
func (b *Backend) laneKey(k queue.Kind, key string) string {
	return b.prefix + "lane:" + string(k) + ":" + key
}
func (b *Backend) markerKey(k queue.Kind, key string) string {
	return b.prefix + "active:" + string(k) + ":" + key
}
func (b *Backend) inflightKey(k queue.Kind, key string) string {
	return b.prefix + "running:" + string(k) + ":" + key
}

// Enqueue stores job and schedules its lane atomically.
func (b *Backend) Enqueue(ctx context.Context, job *queue.Job) error {
	if b.isClosed() {
		return queue.ErrClosed
	}

	tags, err := json.Marshal(job.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	created := strconv.FormatInt(job.CreatedAt.UnixNano(), 10)

	keys := []string{
		b.jobKey(job.ID),
		b.laneKey(job.Kind, job.ConcurrencyKey),
		b.markerKey(job.Kind, job.ConcurrencyKey),
		b.readyKey(job.Kind),
		b.lanesKey(job.Kind),
		b.jobsKey(),
	}
	for _, t := range job.Tags {
		keys = append(keys, b.tagKey(t))
	}
	args := []any{
		job.ID, job.ConcurrencyKey, created, b.lease.Milliseconds(),
		"id", job.ID,
		"kind", string(job.Kind),
		"concurrency_key", job.ConcurrencyKey,
		"payload", string(job.Payload),
		"tags", string(tags),
		"queue", job.Queue,
		"status", string(queue.StatusQueued),
		"attempts", 0,
		"created_at", created,
	}

	added, err := enqueueScript.Run(ctx, b.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if added == 0 {
		return queue.ErrDuplicateJob
	}
	return nil
}

// Status reads the job hash. Unknown or expired ids yield nil.
func (b *Backend) Status(ctx context.Context, id string) (*queue.Info, error) {
	fields, err := b.rdb.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	info := decodeInfo(fields)
	return &info, nil
}

func decodeInfo(f map[string]string) queue.Info {
	info := queue.Info{
		ID:             f["id"],
		Kind:           queue.Kind(f["kind"]),
		Status:         queue.Status(f["status"]),
		ConcurrencyKey: f["concurrency_key"],
		Error:          f["error"],
		CreatedAt:      parseNanos(f["created_at"]),
	}
	info.IsCompleted = info.Status.IsTerminal()
	info.Attempts, _ = strconv.Atoi(f["attempts"])
	_ = json.Unmarshal([]byte(f["tags"]), &info.Tags)
	if t := parseNanos(f["started_at"]); !t.IsZero() {
		info.StartedAt = &t
	}
	if t := parseNanos(f["finished_at"]); !t.IsZero() {
		info.FinishedAt = &t
	}
	return info
}

func parseNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nowNanos() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// Find intersects the tag sets and returns matching jobs newest first.
// Ids whose hashes have expired are pruned from the sets.
func (b *Backend) Find(ctx context.Context, tags []string, f queue.Filter) ([]queue.Info, error) {
	var ids []string
	var err error
	if len(tags) == 0 {
		ids, err = b.rdb.ZRevRange(ctx, b.jobsKey(), 0, -1).Result()
	} else {
		keys := make([]string, len(tags))
		for i, t := range tags {
			keys[i] = b.tagKey(t)
		}
		ids, err = b.rdb.SInter(ctx, keys...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, b.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}

	var out []queue.Info
	var expired []string
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			expired = append(expired, ids[i])
			continue
		}
		info := decodeInfo(fields)
		if f.Match(&info) {
			out = append(out, info)
		}
	}
	if len(expired) > 0 {
		b.prune(ctx, tags, expired)
	}

	slices.SortFunc(out, func(a, b queue.Info) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (b *Backend) prune(ctx context.Context, tags, ids []string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, t := range tags {
			p.SRem(ctx, b.tagKey(t), members...)
		}
		p.ZRem(ctx, b.jobsKey(), members...)
		return nil
	})
	if err != nil {
		b.logger.Warn("failed to prune expired jobs", "error", err)
	}
}

// Cancel removes a queued job from its lane or asks the worker running it
// to stop. Terminal jobs are left untouched.
func (b *Backend) Cancel(ctx context.Context, id string) error {
	res, err := cancelScript.Run(ctx, b.rdb, []string{b.jobKey(id)},
		b.prefix, id, nowNanos(), queue.ErrCancelled.Error(), b.retention.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	switch res {
	case "missing":
		return queue.ErrJobNotFound
	case "canceled":
		b.logger.Info("job cancelled", "job_id", id)
		b.abandon(ctx, id, queue.StatusCanceled, queue.ErrCancelled)
	case "requested":
		b.logger.Info("cancel requested for running job", "job_id", id)
	}
	return nil
}

// Start launches Concurrency workers per registered kind plus the sweeper.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	if b.started {
		return nil
	}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	b.started = true

	reg := b.exec.Registry()
	kinds := reg.Kinds()
	for _, kind := range kinds {
		cfg, _ := reg.Lookup(kind)
		for i := 0; i < cfg.Concurrency; i++ {
			b.loops.Add(1)
			go b.worker(kind)
		}
	}
	b.loops.Add(1)
	go b.sweepLoop(kinds)

	b.logger.Info("redis queue started", "kinds", len(kinds), "owner", b.owner)
	return nil
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) worker(kind queue.Kind) {
	defer b.loops.Done()
	ready := b.readyKey(kind)

	for {
		if b.loopCtx.Err() != nil {
			return
		}
		res, err := b.rdb.BLPop(b.loopCtx, b.pollTimeout, ready).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if b.loopCtx.Err() != nil {
				return
			}
			b.logger.Warn("failed to poll ready lanes", "kind", kind, "error", err)
			select {
			case <-time.After(time.Second):
			case <-b.loopCtx.Done():
				return
			}
			continue
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			b.giveBack(kind, res[1])
			return
		}
		b.inflight.Add(1)
		b.mu.Unlock()

		b.drainOne(kind, res[1])
		b.inflight.Done()
	}
}

// giveBack returns a popped lane to the ready list. The lane's next claim
// decides whether it still has work.
func (b *Backend) giveBack(kind queue.Kind, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.rdb.LPush(ctx, b.readyKey(kind), key).Err(); err != nil {
		b.logger.Error("failed to return lane", "kind", kind, "key", key, "error", err)
	}
}

// drainOne claims the lane, runs its oldest job and releases or
// reschedules the lane.
func (b *Backend) drainOne(kind queue.Kind, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	marker := b.markerKey(kind, key)
	id, err := claimScript.Run(ctx, b.rdb, []string{b.laneKey(kind, key), marker, b.inflightKey(kind, key)},
		b.prefix+"job:", b.owner, b.lease.Milliseconds(), nowNanos()).Text()
	if errors.Is(err, redis.Nil) {
		return
	}
	if err != nil {
		b.logger.Error("failed to claim lane", "kind", kind, "key", key, "error", err)
		b.giveBack(kind, key)
		return
	}

	job, err := b.loadJob(ctx, id)
	if err != nil {
		b.logger.Error("failed to load claimed job", "job_id", id, "error", err)
		b.finish(kind, key, id, queue.Result{Status: queue.StatusFailed, Err: err})
		return
	}

	runCtx, stop := context.WithCancelCause(b.jobCtx)
	watchDone := make(chan struct{})
	go b.watch(runCtx, stop, id, marker, watchDone)

	res := b.exec.Run(runCtx, job)
	stop(nil)
	<-watchDone

	b.finish(kind, key, id, res)
}

// watch renews the lane lease and cancels the job when a cancel request
// shows up on its hash.
func (b *Backend) watch(ctx context.Context, stop context.CancelCauseFunc, id, marker string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var flag *redis.StringCmd
		_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			flag = p.HGet(ctx, b.jobKey(id), "cancel_requested")
			p.PExpire(ctx, marker, b.lease)
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() == nil {
				b.logger.Warn("failed to renew lane lease", "job_id", id, "error", err)
			}
			continue
		}
		if flag.Val() == "1" {
			stop(queue.ErrCancelled)
			return
		}
	}
}

func (b *Backend) finish(kind queue.Kind, key, id string, res queue.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keys := []string{b.jobKey(id), b.laneKey(kind, key), b.markerKey(kind, key), b.readyKey(kind), b.inflightKey(kind, key)}

	if res.Status == queue.StatusCanceled && errors.Is(res.Err, queue.ErrClosed) {
		if err := requeueScript.Run(ctx, b.rdb, keys, id, key, b.lease.Milliseconds()).Err(); err != nil {
			b.logger.Error("failed to requeue interrupted job", "job_id", id, "error", err)
		}
		return
	}

	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	written, err := finishScript.Run(ctx, b.rdb, keys,
		string(res.Status), res.Attempts, errText, nowNanos(), key, b.retention.Milliseconds(),
		id, b.lease.Milliseconds()).Int()
	if err != nil {
		b.logger.Error("failed to record job result", "job_id", id, "status", res.Status, "error", err)
		return
	}
	if written == 0 {
		b.logger.Warn("job was recovered by the sweeper, dropping result", "job_id", id, "status", res.Status)
	}
}

// loadJob reads a job hash back into a queue.Job.
func (b *Backend) loadJob(ctx context.Context, id string) (*queue.Job, error) {
	fields, err := b.rdb.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("load job %s: %w", id, queue.ErrJobNotFound)
	}
	job := &queue.Job{
		ID:             id,
		Kind:           queue.Kind(fields["kind"]),
		Payload:        json.RawMessage(fields["payload"]),
		ConcurrencyKey: fields["concurrency_key"],
		Queue:          fields["queue"],
		CreatedAt:      parseNanos(fields["created_at"]),
	}
	_ = json.Unmarshal([]byte(fields["tags"]), &job.Tags)
	return job, nil
}

// abandon runs the kind's abandon hook for a job that ended without its
// handler returning.
func (b *Backend) abandon(ctx context.Context, id string, status queue.Status, cause error) {
	job, err := b.loadJob(ctx, id)
	if err != nil {
		b.logger.Error("failed to load abandoned job", "job_id", id, "error", err)
		return
	}
	b.exec.Abandon(ctx, job, status, cause)
}

func (b *Backend) sweepLoop(kinds []queue.Kind) {
	defer b.loops.Done()
	ticker := time.NewTicker(b.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, k := range kinds {
				if err := b.sweepKind(b.loopCtx, k); err != nil && b.loopCtx.Err() == nil {
					b.logger.Warn("lane sweep failed", "kind", k, "error", err)
				}
			}
		case <-b.loopCtx.Done():
			return
		}
	}
}

// sweepKind evicts idle lanes of kind, reschedules lanes whose lease
// expired while jobs were still waiting and recovers jobs left running by
// a vanished worker.
func (b *Backend) sweepKind(ctx context.Context, kind queue.Kind) error {
	keys, err := b.rdb.SMembers(ctx, b.lanesKey(kind)).Result()
	if err != nil {
		return fmt.Errorf("list lanes: %w", err)
	}

	evicted, rescued := 0, 0
	for _, key := range keys {
		res, err := sweepScript.Run(ctx, b.rdb,
			[]string{b.laneKey(kind, key), b.markerKey(kind, key), b.readyKey(kind), b.lanesKey(kind), b.inflightKey(kind, key)},
			key, b.prefix+"job:", b.lease.Milliseconds(), b.recoveries, nowNanos(), b.retention.Milliseconds(),
			queue.ErrWorkerLost.Error(), queue.ErrCancelled.Error()).Text()
		if err != nil {
			return fmt.Errorf("sweep lane %s: %w", key, err)
		}

		action, id, _ := strings.Cut(res, ":")
		switch action {
		case "evicted":
			evicted++
		case "rescued":
			rescued++
		case "requeued":
			rescued++
			b.logger.Warn("requeued job of lost worker", "job_id", id, "kind", kind)
		case "canceled":
			b.abandon(ctx, id, queue.StatusCanceled, queue.ErrCancelled)
		case "failed":
			b.logger.Error("job failed after repeated worker loss", "job_id", id, "kind", kind)
			b.abandon(ctx, id, queue.StatusFailed, queue.ErrWorkerLost)
		}
	}

	if rescued > 0 {
		b.logger.Warn("rescheduled orphaned lanes", "kind", kind, "lanes", rescued)
	}
	if evicted > 0 {
		b.logger.Debug("evicted idle lanes", "kind", kind, "lanes", evicted)
	}
	return nil
}

// Close stops polling, waits for running jobs until ctx expires and then
// cancels them. Cancelled jobs go back to the head of their lane.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.stopLoops()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("cancelling running jobs on shutdown")
		b.cancelJobs(queue.ErrClosed)
		<-done
	}
	b.cancelJobs(queue.ErrClosed)
	b.loops.Wait()
	return nil
}
