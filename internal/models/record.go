// Package models defines the data structures shared by the ingestion queue,
// the stores and the job handlers.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordStatus is the lifecycle state of an IngestionQueueRecord.
type RecordStatus string

const (
	RecordPending    RecordStatus = "PENDING"
	RecordProcessing RecordStatus = "PROCESSING"
	RecordCompleted  RecordStatus = "COMPLETED"
	RecordFailed     RecordStatus = "FAILED"
	RecordNoCredits  RecordStatus = "NO_CREDITS"
)

// IsTerminal reports whether no further transition may leave this status.
func (s RecordStatus) IsTerminal() bool {
	return s == RecordCompleted || s == RecordFailed
}

// EpisodeType classifies an ingestion request.
type EpisodeType string

const (
	EpisodeConversation EpisodeType = "CONVERSATION"
	EpisodeDocument     EpisodeType = "DOCUMENT"
)

// transitions lists every allowed status change. A record may be rewritten
// in place (same status) to record intermediate errors or output.
var transitions = map[RecordStatus][]RecordStatus{
	RecordPending:    {RecordProcessing, RecordFailed},
	RecordProcessing: {RecordCompleted, RecordFailed},
	RecordNoCredits:  {RecordPending, RecordFailed},
}

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to RecordStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IngestionQueueRecord is the durable row tracking one ingestion request.
type IngestionQueueRecord struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	UserID      string          `json:"userId"`
	SpaceID     string          `json:"spaceId,omitempty"`
	ActivityID  string          `json:"activityId,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	JobID       string          `json:"jobId,omitempty"`
	Type        EpisodeType     `json:"type"`
	Data        json.RawMessage `json:"data"`
	Status      RecordStatus    `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	Error       string          `json:"error,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Payload decodes the original request snapshot.
func (r *IngestionQueueRecord) Payload() (EpisodePayload, error) {
	var p EpisodePayload
	if err := json.Unmarshal(r.Data, &p); err != nil {
		return p, fmt.Errorf("decode record data: %w", err)
	}
	return p, nil
}

// SetOutput encodes v as the record output.
func (r *IngestionQueueRecord) SetOutput(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record output: %w", err)
	}
	r.Output = b
	return nil
}

// EpisodeOutput is written to a completed episode record.
type EpisodeOutput struct {
	EpisodeUUID string   `json:"episodeUuid"`
	Entities    []string `json:"entities"`
	Statements  []string `json:"statements"`
}

// DocumentOutput is written to a document record once it has been split.
// CompletedChunks and FailedChunks are advanced as chunk records finish.
// A FAILED document record keeps its output next to the error, so the
// progress of its chunks stays readable; other failed records drop theirs.
type DocumentOutput struct {
	DocumentUUID    string   `json:"documentUuid"`
	TotalChunks     int      `json:"totalChunks"`
	CompletedChunks int      `json:"completedChunks"`
	FailedChunks    int      `json:"failedChunks"`
	Episodes        []string `json:"episodes"`
}

// Settled reports whether every chunk has reached a terminal state.
func (o DocumentOutput) Settled() bool {
	return o.CompletedChunks+o.FailedChunks >= o.TotalChunks
}

// DocumentProgress decodes the record output as a DocumentOutput.
func (r *IngestionQueueRecord) DocumentProgress() (DocumentOutput, error) {
	var out DocumentOutput
	if len(r.Output) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Output, &out); err != nil {
		return out, fmt.Errorf("decode document output: %w", err)
	}
	return out, nil
}
