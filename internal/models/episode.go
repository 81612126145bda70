package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// EpisodePayload is the content of an ingestion request and of every
// episode job derived from it.
type EpisodePayload struct {
	EpisodeBody   string         `json:"episodeBody"`
	ReferenceTime string         `json:"referenceTime"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Source        string         `json:"source"`
	SpaceID       string         `json:"spaceId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Type          EpisodeType    `json:"type,omitempty"`
	DocumentID    string         `json:"documentId,omitempty"`
	DocumentTitle string         `json:"documentTitle,omitempty"`
	ChunkIndex    *int           `json:"chunkIndex,omitempty"`
}

// Episode is an episodic memory stored by the knowledge engine.
type Episode struct {
	ID         surrealmodels.RecordID `json:"id"`
	Content    string                 `json:"content"`
	Embedding  []float32              `json:"embedding,omitempty"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
	Entities   []string               `json:"entities"`
	Statements []string               `json:"statements"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
	Context    *string                `json:"context,omitempty"`
	Created    time.Time              `json:"created,omitempty"`
}

// EpisodeInput is the data written for one ingested episode.
type EpisodeInput struct {
	ID         string
	Content    string
	Embedding  []float32
	Timestamp  string // RFC3339
	Metadata   map[string]any
	Entities   []string
	Statements []string
	Context    *string
}
