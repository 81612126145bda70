package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from RecordStatus
		to   RecordStatus
		want bool
	}{
		{"pending to processing", RecordPending, RecordProcessing, true},
		{"pending to failed on dispatch error", RecordPending, RecordFailed, true},
		{"processing to completed", RecordProcessing, RecordCompleted, true},
		{"processing to failed", RecordProcessing, RecordFailed, true},
		{"processing rewrite", RecordProcessing, RecordProcessing, true},
		{"no credits reset", RecordNoCredits, RecordPending, true},
		{"no credits straight to processing", RecordNoCredits, RecordProcessing, false},
		{"completed is terminal", RecordCompleted, RecordFailed, false},
		{"completed rewrite", RecordCompleted, RecordCompleted, false},
		{"failed is terminal", RecordFailed, RecordPending, false},
		{"pending back to no credits", RecordPending, RecordNoCredits, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestDocumentProgress(t *testing.T) {
	rec := &IngestionQueueRecord{}

	out, err := rec.DocumentProgress()
	require.NoError(t, err)
	assert.Zero(t, out.TotalChunks, "empty output decodes to zero value")

	require.NoError(t, rec.SetOutput(DocumentOutput{DocumentUUID: "doc-1", TotalChunks: 3, CompletedChunks: 2, FailedChunks: 1}))
	out, err = rec.DocumentProgress()
	require.NoError(t, err)
	assert.Equal(t, "doc-1", out.DocumentUUID)
	assert.True(t, out.Settled())
}
