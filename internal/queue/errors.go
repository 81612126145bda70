package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrDispatch is matched by every *DispatchError.
	ErrDispatch = errors.New("dispatch failed")

	// ErrCancelled is the context cause observed by a handler whose job
	// was cancelled.
	ErrCancelled = errors.New("job cancelled")

	// ErrWorkerLost is the cause recorded for a job whose worker stopped
	// renewing its lease too many times.
	ErrWorkerLost = errors.New("worker lost")

	// ErrJobNotFound is returned by Cancel for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnknownKind indicates no handler is registered for a kind.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrDuplicateJob indicates a job with the requested id already exists.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrClosed indicates the backend has been shut down.
	ErrClosed = errors.New("queue closed")
)

// DispatchError reports that a job could not be enqueued.
type DispatchError struct {
	Kind Kind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDispatch) true for any DispatchError.
func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
