package queue

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Handler processes one job. Returning an error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// AbandonFunc settles the state a job's handler would have settled when
// the job ends without the handler returning. cause is ErrCancelled for a
// job cancelled while queued and ErrWorkerLost for one given up after its
// worker vanished.
type AbandonFunc func(ctx context.Context, job *Job, cause error)

// KindConfig holds a kind's handler and limits.
type KindConfig struct {
	Handler     Handler
	OnAbandon   AbandonFunc
	Concurrency int
	Timeout     time.Duration
	MaxAttempts int
}

func (c KindConfig) withDefaults() KindConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Registry maps kinds to their configuration. Register every kind before
// starting a backend.
type Registry struct {
	mu    sync.RWMutex
	kinds map[Kind]KindConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[Kind]KindConfig)}
}

// Register sets the configuration for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, cfg KindConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = cfg.withDefaults()
}

// Lookup returns the configuration for kind.
func (r *Registry) Lookup(kind Kind) (KindConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.kinds[kind]
	return cfg, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
