// Package queue defines the job queue contract shared by the in-process and
// Redis backends: job kinds, handles, status snapshots, the handler
// registry, the retrying executor and the Adapter callers dispatch through.
package queue

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Kind names a class of job with its own handler and limits.
type Kind string

// Job kinds handled by this service.
const (
	KindIngestEpisode     Kind = "ingest-episode"
	KindIngestDocument    Kind = "ingest-document"
	KindConversationChat  Kind = "conversation-chat"
	KindConversationTitle Kind = "conversation-title"
	KindCreditRecovery    Kind = "credit-recovery"
)

// Status is the execution state of a job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// IsTerminal reports whether the job will not run again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusQueued, StatusExecuting}

// Handle identifies an enqueued job. Token is a read-only credential scoped
// to this job and is empty when the backend does not issue tokens.
type Handle struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
}

// Info is a point-in-time snapshot of a job.
type Info struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	Status         Status     `json:"status"`
	IsCompleted    bool       `json:"isCompleted"`
	ConcurrencyKey string     `json:"concurrencyKey"`
	Tags           []string   `json:"tags"`
	Attempts       int        `json:"attempts"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// EnqueueOptions controls how a job is queued.
type EnqueueOptions struct {
	// ID sets the job id instead of generating one. It must be unique.
	ID string
	// ConcurrencyKey serializes jobs of the same kind: they run FIFO and
	// never overlap. Required.
	ConcurrencyKey string
	Tags           []string
	// Queue is an optional queue name recorded with the job.
	Queue string
}

// Filter narrows FindByTags results. Empty fields match everything.
type Filter struct {
	Kinds    []Kind
	Statuses []Status
	Limit    int
}

// Match reports whether info passes the filter's kind and status checks.
func (f Filter) Match(info *Info) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, info.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, info.Status) {
		return false
	}
	return true
}

// HasTags reports whether have contains every tag in want.
func HasTags(have, want []string) bool {
	for _, t := range want {
		if !slices.Contains(have, t) {
			return false
		}
	}
	return true
}

// Job is a unit of work handed to a Handler.
type Job struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	ConcurrencyKey string          `json:"concurrencyKey"`
	Tags           []string        `json:"tags"`
	Queue          string          `json:"queue,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(err)
	}
	return nil
}

// Capabilities declares what a backend supports. Callers consult it instead
// of inspecting the backend type.
type Capabilities struct {
	// ScopedTokens: handles carry a read-only token for the job.
	ScopedTokens bool
	// InterruptRunning: Cancel stops a job that is already executing.
	InterruptRunning bool
}

// Backend executes jobs. Implementations: queue/local and queue/redisq.
type Backend interface {
	Capabilities() Capabilities
	// Enqueue stores job and schedules it behind earlier jobs sharing its
	// kind and concurrency key.
	Enqueue(ctx context.Context, job *Job) error
	// Status returns nil, nil for an unknown id.
	Status(ctx context.Context, id string) (*Info, error)
	// Find returns jobs carrying every tag, newest first.
	Find(ctx context.Context, tags []string, f Filter) ([]Info, error)
	// Cancel stops a job. Cancelling a terminal job is a no-op.
	Cancel(ctx context.Context, id string) error
	// Start begins executing jobs until Close.
	Start(ctx context.Context) error
	Close(ctx context.Context) error
}
