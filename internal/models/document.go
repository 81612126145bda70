package models

import "time"

// Document is a long-form source persisted before it is split into chunks.
type Document struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspaceId"`
	UserID        string         `json:"userId"`
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	Source        string         `json:"source"`
	SpaceID       string         `json:"spaceId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	QueueRecordID string         `json:"queueRecordId"`
	CreatedAt     time.Time      `json:"createdAt"`
}
