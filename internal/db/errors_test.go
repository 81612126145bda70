package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

func TestWrapQueryError(t *testing.T) {
	assert.NoError(t, wrapQueryError(nil))

	exists := wrapQueryError(fmt.Errorf("query: %w", &surrealdb.QueryError{
		Message: "Database record `ingestion_queue:abc` already exists",
	}))
	assert.ErrorIs(t, exists, ErrAlreadyExists)

	conflict := wrapQueryError(&surrealdb.QueryError{Message: "Transaction conflict: resource busy"})
	assert.ErrorIs(t, conflict, ErrTransactionConflict)
	assert.ErrorIs(t, conflict, store.ErrStaleRecord, "conflicts are retried like lost CAS writes")

	other := errors.New("connection reset")
	assert.Same(t, other, wrapQueryError(other))
}
