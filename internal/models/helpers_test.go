package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordIDString(t *testing.T) {
	id, err := RecordIDString(surrealmodels.NewRecordID("episode", "ep-1"))
	require.NoError(t, err)
	assert.Equal(t, "ep-1", id)

	_, err = RecordIDString(surrealmodels.NewRecordID("episode", 42))
	assert.Error(t, err)

	assert.Panics(t, func() { MustRecordIDString(surrealmodels.NewRecordID("episode", 42)) })
}
