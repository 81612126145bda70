package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TokenIssuer mints read-only credentials scoped to one job.
type TokenIssuer interface {
	IssueRunToken(runID string) (string, error)
}

// Adapter is the single entry point callers use to dispatch and inspect
// jobs, independent of the configured backend.
type Adapter struct {
	backend  Backend
	registry *Registry
	tokens   TokenIssuer
	logger   *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithTokenIssuer enables scoped tokens on handles when the backend
// supports them.
func WithTokenIssuer(t TokenIssuer) AdapterOption {
	return func(a *Adapter) { a.tokens = t }
}

// WithAdapterLogger sets the logger. Default is slog.Default().
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter wraps backend. reg is consulted to reject unknown kinds.
func NewAdapter(backend Backend, reg *Registry, opts ...AdapterOption) *Adapter {
	a := &Adapter{backend: backend, registry: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capabilities returns the backend's capabilities.
func (a *Adapter) Capabilities() Capabilities {
	return a.backend.Capabilities()
}

// Enqueue dispatches a job of kind carrying payload. payload may be a
// json.RawMessage or any JSON-marshalable value. Every failure is a
// *DispatchError.
func (a *Adapter) Enqueue(ctx context.Context, kind Kind, payload any, opts EnqueueOptions) (Handle, error) {
	if _, ok := a.registry.Lookup(kind); !ok {
		return Handle{}, &DispatchError{Kind: kind, Err: ErrUnknownKind}
	}
	if opts.ConcurrencyKey == "" {
		return Handle{}, &DispatchError{Kind: kind, Err: errors.New("concurrency key is required")}
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Handle{}, &DispatchError{Kind: kind, Err: fmt.Errorf("encode payload: %w", err)}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	job := &Job{
		ID:             id,
		Kind:           kind,
		Payload:        raw,
		ConcurrencyKey: opts.ConcurrencyKey,
		Tags:           append([]string(nil), opts.Tags...),
		Queue:          opts.Queue,
		CreatedAt:      time.Now(),
	}
	if err := a.backend.Enqueue(ctx, job); err != nil {
		return Handle{}, &DispatchError{Kind: kind, Err: err}
	}

	handle := Handle{ID: job.ID}
	if handle.Token, err = a.IssueToken(job.ID); err != nil {
		a.logger.Warn("failed to issue run token", "job_id", job.ID, "error", err)
	}

	a.logger.Debug("job enqueued", "job_id", job.ID, "kind", kind, "concurrency_key", opts.ConcurrencyKey, "tags", opts.Tags)
	return handle, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	case nil:
		return json.RawMessage("null"), nil
	default:
		return json.Marshal(p)
	}
}

// IssueToken returns a scoped token for id, or "" when the backend does not
// support tokens or no issuer is configured.
func (a *Adapter) IssueToken(id string) (string, error) {
	if a.tokens == nil || !a.backend.Capabilities().ScopedTokens {
		return "", nil
	}
	return a.tokens.IssueRunToken(id)
}

// FindByTags returns jobs carrying every tag that pass f, newest first.
func (a *Adapter) FindByTags(ctx context.Context, tags []string, f Filter) ([]Info, error) {
	jobs, err := a.backend.Find(ctx, tags, f)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	return jobs, nil
}

// Cancel cancels a job. Terminal jobs are left untouched.
func (a *Adapter) Cancel(ctx context.Context, id string) error {
	if err := a.backend.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// Status returns the job snapshot, or nil if the id is unknown.
func (a *Adapter) Status(ctx context.Context, id string) (*Info, error) {
	info, err := a.backend.Status(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job status %s: %w", id, err)
	}
	return info, nil
}
