package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/knowhow-ingest/internal/analytics"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/parser"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// DocumentStore is the persistence the pipeline needs.
type DocumentStore interface {
	store.RecordStore
	store.DocumentStore
}

// DocumentPipeline splits a document record into chunk records and
// dispatches one episode job per chunk.
type DocumentPipeline struct {
	store      DocumentStore
	chunker    DocumentChunker
	dispatcher RecordDispatcher
	sink       analytics.Sink
}

// NewDocumentPipeline creates a DocumentPipeline.
func NewDocumentPipeline(st DocumentStore, chunker DocumentChunker, d RecordDispatcher, sink analytics.Sink) *DocumentPipeline {
	if sink == nil {
		sink = analytics.LogSink{}
	}
	return &DocumentPipeline{store: st, chunker: chunker, dispatcher: d, sink: sink}
}

// Handle is the queue.Handler for ingest-document. Pipeline failures are
// permanent: chunks already dispatched are not rolled back, so retrying
// would duplicate them.
func (p *DocumentPipeline) Handle(ctx context.Context, job *queue.Job) error {
	var j EpisodeJob
	if err := job.Decode(&j); err != nil {
		return err
	}
	_, err := p.Run(ctx, j.RecordID, job.ID)
	return err
}

// Abandon is the queue.AbandonFunc for ingest-document.
func (p *DocumentPipeline) Abandon(ctx context.Context, job *queue.Job, cause error) {
	abandonRecord(ctx, p.store, job, cause)
}

// Run processes the document record recordID and returns its progress
// output. A record that already carries output was split by an earlier
// delivery; only chunks without a dispatched record are dispatched again.
func (p *DocumentPipeline) Run(ctx context.Context, recordID, jobID string) (models.DocumentOutput, error) {
	rec, err := startRecord(ctx, p.store, recordID, jobID)
	if err != nil {
		return models.DocumentOutput{}, err
	}
	if rec.Status.IsTerminal() {
		slog.Info("document already settled, skipping", "record_id", rec.ID, "status", rec.Status)
		return rec.DocumentProgress()
	}

	payload, err := rec.Payload()
	if err != nil {
		return models.DocumentOutput{}, p.abort(ctx, rec.ID, err)
	}
	doc := newDocument(rec, payload)

	chunks, err := p.chunker.ChunkDocument(payload.EpisodeBody, doc.Title)
	if err != nil {
		return models.DocumentOutput{}, p.abort(ctx, rec.ID, fmt.Errorf("chunk document: %w", err))
	}

	var out models.DocumentOutput
	if len(rec.Output) > 0 {
		if out, err = rec.DocumentProgress(); err != nil {
			return out, p.abort(ctx, rec.ID, err)
		}
		if out.TotalChunks != len(chunks) {
			return out, p.abort(ctx, rec.ID, fmt.Errorf("document split into %d chunks, expected %d", len(chunks), out.TotalChunks))
		}
		doc.ID = out.DocumentUUID
		slog.Info("resuming document split", "record_id", rec.ID, "document_id", doc.ID, "chunks", len(chunks))
	} else {
		if err := p.persistDocument(ctx, doc); err != nil {
			return models.DocumentOutput{}, p.abort(ctx, rec.ID, err)
		}
		out = models.DocumentOutput{
			DocumentUUID: doc.ID,
			TotalChunks:  len(chunks),
			Episodes:     []string{},
		}
		_, _, err = updateRecord(ctx, p.store, rec.ID, func(r *models.IngestionQueueRecord) error {
			if r.Status != models.RecordProcessing {
				return fmt.Errorf("record %s: %w: status %s", r.ID, ErrInvalidTransition, r.Status)
			}
			if len(chunks) == 0 {
				r.Status = models.RecordCompleted
			}
			return r.SetOutput(out)
		})
		if err != nil {
			return models.DocumentOutput{}, p.abort(ctx, rec.ID, fmt.Errorf("write document output: %w", err))
		}
		slog.Info("document split", "record_id", rec.ID, "document_id", doc.ID, "chunks", len(chunks))
	}

	existing, err := p.existingChunks(ctx, rec.ID)
	if err != nil {
		return out, p.abort(ctx, rec.ID, err)
	}
	for _, c := range chunks {
		child, ok := existing[c.Index]
		switch {
		case ok && child.JobID == "" && child.Status == models.RecordPending:
			err = p.redispatch(ctx, child)
		case ok:
			continue
		default:
			err = p.dispatchChunk(ctx, rec, payload, doc, c)
		}
		if err != nil {
			return out, p.abort(ctx, rec.ID, fmt.Errorf("dispatch chunk %d: %w", c.Index, err))
		}
	}

	_ = p.sink.Capture(ctx, analytics.Event{
		Name:        analytics.EventDocumentIngested,
		UserID:      rec.UserID,
		WorkspaceID: rec.WorkspaceID,
		Properties:  map[string]any{"recordId": rec.ID, "documentId": doc.ID, "chunks": len(chunks)},
		Timestamp:   time.Now(),
	})
	return out, nil
}

func newDocument(rec *models.IngestionQueueRecord, payload models.EpisodePayload) *models.Document {
	parsed := parser.Parse(payload.EpisodeBody)
	title := payload.DocumentTitle
	if title == "" {
		title = parsed.Title
	}
	metadata := parsed.FrontmatterStrings()
	maps.Copy(metadata, payload.Metadata)

	doc := &models.Document{
		ID:            payload.DocumentID,
		WorkspaceID:   rec.WorkspaceID,
		UserID:        rec.UserID,
		Title:         title,
		Content:       payload.EpisodeBody,
		Source:        payload.Source,
		SpaceID:       payload.SpaceID,
		SessionID:     payload.SessionID,
		Metadata:      metadata,
		QueueRecordID: rec.ID,
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	return doc
}

// persistDocument stores doc. A document this record already stored under
// the same id is reused.
func (p *DocumentPipeline) persistDocument(ctx context.Context, doc *models.Document) error {
	err := p.store.CreateDocument(ctx, doc)
	if err == nil {
		return nil
	}
	prev, gerr := p.store.GetDocument(ctx, doc.ID)
	if gerr == nil && prev.QueueRecordID == doc.QueueRecordID {
		return nil
	}
	return fmt.Errorf("persist document: %w", err)
}

// existingChunks maps chunk index to the chunk records created for parentID.
func (p *DocumentPipeline) existingChunks(ctx context.Context, parentID string) (map[int]*models.IngestionQueueRecord, error) {
	children, err := p.store.ListRecordsByParent(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("list chunk records: %w", err)
	}
	out := make(map[int]*models.IngestionQueueRecord, len(children))
	for _, c := range children {
		pl, err := c.Payload()
		if err != nil || pl.ChunkIndex == nil {
			slog.Warn("chunk record without index", "record_id", c.ID, "parent_id", parentID)
			continue
		}
		out[*pl.ChunkIndex] = c
	}
	return out, nil
}

// redispatch enqueues a chunk record whose earlier dispatch never landed.
func (p *DocumentPipeline) redispatch(ctx context.Context, child *models.IngestionQueueRecord) error {
	if _, err := p.dispatcher.Dispatch(ctx, child); err != nil {
		failRecord(context.WithoutCancel(ctx), p.store, child.ID, err.Error())
		return err
	}
	return nil
}

func (p *DocumentPipeline) dispatchChunk(ctx context.Context, parent *models.IngestionQueueRecord, payload models.EpisodePayload, doc *models.Document, c parser.Chunk) error {
	idx := c.Index
	ep := models.EpisodePayload{
		EpisodeBody:   c.Content,
		ReferenceTime: payload.ReferenceTime,
		Metadata:      doc.Metadata,
		Source:        payload.Source,
		SpaceID:       payload.SpaceID,
		SessionID:     payload.SessionID,
		Type:          models.EpisodeDocument,
		DocumentID:    doc.ID,
		DocumentTitle: doc.Title,
		ChunkIndex:    &idx,
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	child := &models.IngestionQueueRecord{
		ID:          uuid.NewString(),
		WorkspaceID: parent.WorkspaceID,
		UserID:      parent.UserID,
		SpaceID:     parent.SpaceID,
		ActivityID:  parent.ActivityID,
		ParentID:    parent.ID,
		Type:        models.EpisodeDocument,
		Data:        data,
		Status:      models.RecordPending,
		Priority:    parent.Priority,
	}
	if err := p.store.CreateRecord(ctx, child); err != nil {
		return fmt.Errorf("persist chunk record: %w", err)
	}
	if _, err := p.dispatcher.Dispatch(ctx, child); err != nil {
		failRecord(context.WithoutCancel(ctx), p.store, child.ID, err.Error())
		return err
	}
	return nil
}

// abort marks the document record FAILED and returns a permanent
// ProcessingError. A job interrupted by shutdown is left for redelivery.
func (p *DocumentPipeline) abort(ctx context.Context, recordID string, cause error) error {
	if errors.Is(context.Cause(ctx), queue.ErrClosed) {
		return cause
	}
	perr := &ProcessingError{RecordID: recordID, Err: cause}
	failRecord(context.WithoutCancel(ctx), p.store, recordID, perr.Error())
	return queue.Permanent(perr)
}
