package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// Sentinel errors for database operations.
var (
	// ErrAlreadyExists indicates a row with the same record id exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// It also matches store.ErrStaleRecord so CAS callers reload and retry.
	ErrTransactionConflict = fmt.Errorf("transaction conflict: %w", store.ErrStaleRecord)
)

// wrapQueryError inspects a SurrealDB error and wraps it with the matching
// sentinel. Anything else is returned unchanged.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "already exists") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
		}
		if strings.Contains(msg, "Transaction conflict") {
			return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
		}
	}

	return err
}
