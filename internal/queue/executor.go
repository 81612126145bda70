package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultInitialBackoff is the delay before the second attempt. It doubles
// for every further attempt.
const DefaultInitialBackoff = 2 * time.Second

type attemptKey struct{}

type attemptInfo struct {
	attempt, max int
}

// AttemptFromContext returns the 1-based attempt number and the attempt
// limit of the job running under ctx.
func AttemptFromContext(ctx context.Context) (attempt, max int) {
	if a, ok := ctx.Value(attemptKey{}).(attemptInfo); ok {
		return a.attempt, a.max
	}
	return 1, 1
}

// IsFinalAttempt reports whether a failure under ctx will not be retried.
func IsFinalAttempt(ctx context.Context) bool {
	a, max := AttemptFromContext(ctx)
	return a >= max
}

// WithAttempt returns a context carrying attempt information. Backends set
// it through the Executor; tests use it to drive handlers directly.
func WithAttempt(ctx context.Context, attempt, max int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attemptInfo{attempt: attempt, max: max})
}

// Observer receives one call per finished job.
type Observer interface {
	JobFinished(kind Kind, status Status, attempts int, elapsed time.Duration)
}

// Result is the outcome of running a job to completion.
type Result struct {
	Status   Status
	Attempts int
	Err      error
}

// Executor runs handlers with the per-kind timeout and retry policy.
type Executor struct {
	registry       *Registry
	initialBackoff time.Duration
	observer       Observer
	logger         *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithInitialBackoff overrides DefaultInitialBackoff.
func WithInitialBackoff(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.initialBackoff = d }
}

// WithObserver reports finished jobs to o.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithExecutorLogger sets the logger. Default is slog.Default().
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor for the kinds in reg.
func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       reg,
		initialBackoff: DefaultInitialBackoff,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the executor resolves kinds from.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Run executes job until it succeeds, exhausts its attempts, fails
// permanently or ctx is cancelled. Cancellation yields StatusCanceled.
func (e *Executor) Run(ctx context.Context, job *Job) Result {
	start := time.Now()
	res := e.run(ctx, job)
	if e.observer != nil {
		e.observer.JobFinished(job.Kind, res.Status, res.Attempts, time.Since(start))
	}

	log := e.logger.With("job_id", job.ID, "kind", job.Kind, "attempts", res.Attempts,
		"duration_ms", time.Since(start).Milliseconds())
	switch res.Status {
	case StatusCompleted:
		log.Info("job completed")
	case StatusCanceled:
		log.Info("job cancelled")
	default:
		log.Error("job failed", "error", res.Err)
	}
	return res
}

// Abandon reports a job that became terminal with status without its
// handler returning and runs the kind's OnAbandon hook.
func (e *Executor) Abandon(ctx context.Context, job *Job, status Status, cause error) {
	if e.observer != nil {
		e.observer.JobFinished(job.Kind, status, 0, 0)
	}
	e.logger.Info("job abandoned", "job_id", job.ID, "kind", job.Kind, "status", status, "cause", cause)

	cfg, ok := e.registry.Lookup(job.Kind)
	if !ok || cfg.OnAbandon == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("abandon hook panicked", "job_id", job.ID, "kind", job.Kind, "panic", r)
		}
	}()
	cfg.OnAbandon(ctx, job, cause)
}

func (e *Executor) run(ctx context.Context, job *Job) Result {
	cfg, ok := e.registry.Lookup(job.Kind)
	if !ok || cfg.Handler == nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		actx, cancel := context.WithTimeout(WithAttempt(ctx, attempts, cfg.MaxAttempts), cfg.Timeout)
		defer cancel()

		err := invoke(actx, cfg.Handler, job)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", cfg.Timeout, err)
		}
		if ctx.Err() != nil || IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		e.logger.Warn("job attempt failed, retrying",
			"job_id", job.ID, "kind", job.Kind, "attempt", attempts, "retry_in", wait, "error", err)
	})

	switch {
	case err == nil:
		return Result{Status: StatusCompleted, Attempts: attempts}
	case ctx.Err() != nil:
		cause := context.Cause(ctx)
		if cause == nil {
			cause = ctx.Err()
		}
		return Result{Status: StatusCanceled, Attempts: attempts, Err: cause}
	default:
		return Result{Status: StatusFailed, Attempts: attempts, Err: err}
	}
}

func invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
