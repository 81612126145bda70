package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrCreditExhausted is matched by every *CreditExhaustedError.
	ErrCreditExhausted = errors.New("credits exhausted")

	// ErrProcessing is matched by every *ProcessingError.
	ErrProcessing = errors.New("processing failed")

	// ErrRunActive is returned when a conversation already has a run in
	// flight.
	ErrRunActive = errors.New("conversation run already active")
)

// ValidationError reports a malformed ingestion request. Nothing has been
// persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CreditExhaustedError reports that a request was parked as NO_CREDITS.
type CreditExhaustedError struct {
	WorkspaceID string
	RecordID    string
}

func (e *CreditExhaustedError) Error() string {
	return fmt.Sprintf("workspace %s has no credits left (record %s parked)", e.WorkspaceID, e.RecordID)
}

func (e *CreditExhaustedError) Is(target error) bool { return target == ErrCreditExhausted }

// ProcessingError is the terminal failure of a job handler.
type ProcessingError struct {
	RecordID string
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process record %s: %v", e.RecordID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }
