package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/credits"
	"github.com/raphaelgruber/knowhow-ingest/internal/llm"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/parser"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue/local"
	"github.com/raphaelgruber/knowhow-ingest/internal/store/sqlite"
)

const (
	testUser      = "user-1"
	testWorkspace = "ws-1"
	refTime       = "2026-01-02T15:04:05Z"
)

// fakeEngine records every episode it is asked to store. fail, when set,
// decides per call whether to return an error.
type fakeEngine struct {
	mu      sync.Mutex
	calls   []models.EpisodePayload
	ids     []string
	active  int
	overlap bool
	delay   time.Duration
	fail    func(p models.EpisodePayload, attempt int) error
}

func (e *fakeEngine) AddEpisode(ctx context.Context, _, episodeID string, p models.EpisodePayload) (models.EpisodeOutput, error) {
	e.mu.Lock()
	e.active++
	if e.active > 1 {
		e.overlap = true
	}
	e.calls = append(e.calls, p)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return models.EpisodeOutput{}, ctx.Err()
		}
	}
	if e.fail != nil {
		attempt, _ := queue.AttemptFromContext(ctx)
		if err := e.fail(p, attempt); err != nil {
			return models.EpisodeOutput{}, err
		}
	}

	e.mu.Lock()
	e.ids = append(e.ids, episodeID)
	e.mu.Unlock()
	return models.EpisodeOutput{EpisodeUUID: episodeID, Entities: []string{"Alice"}, Statements: []string{"Alice likes tea"}}, nil
}

func (e *fakeEngine) stored() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.ids)
}

func (e *fakeEngine) payloads() []models.EpisodePayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// fakeChunker splits on a fixed chunk count.
type fakeChunker struct {
	n   int
	err error
}

func (c fakeChunker) ChunkDocument(text, _ string) ([]parser.Chunk, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make([]parser.Chunk, c.n)
	for i := range out {
		out[i] = parser.Chunk{Index: i, Content: fmt.Sprintf("part %d of %s", i, text)}
	}
	return out, nil
}

// fakeModel answers with a canned reply. Reply blocks on gate when set.
type fakeModel struct {
	gate  chan struct{}
	err   error
	title string
}

func (m *fakeModel) Reply(ctx context.Context, history []llm.Message) (string, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("reply to %q", history[len(history)-1].Text), nil
}

func (m *fakeModel) Title(_ context.Context, first string) (string, error) {
	if m.title != "" {
		return m.title, nil
	}
	return "About " + first, nil
}

// failingQueue rejects every enqueue.
type failingQueue struct{ JobQueue }

func (failingQueue) Enqueue(_ context.Context, kind queue.Kind, _ any, _ queue.EnqueueOptions) (queue.Handle, error) {
	return queue.Handle{}, &queue.DispatchError{Kind: kind, Err: errors.New("broker unavailable")}
}

type harness struct {
	store    *sqlite.Store
	queue    *queue.Adapter
	backend  *local.Backend
	ledger   *credits.MemoryLedger
	engine   *fakeEngine
	model    *fakeModel
	ingest   *IngestService
	pipeline *DocumentPipeline
	recovery *RecoveryService
	jobs     *JobManager
	convs    *ConversationService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	credits int64
	chunker DocumentChunker
	engine  *fakeEngine
	model   *fakeModel
}

func withCredits(n int64) harnessOption { return func(c *harnessConfig) { c.credits = n } }

func withChunker(ch DocumentChunker) harnessOption { return func(c *harnessConfig) { c.chunker = ch } }

func withEngine(e *fakeEngine) harnessOption { return func(c *harnessConfig) { c.engine = e } }

func withModel(m *fakeModel) harnessOption { return func(c *harnessConfig) { c.model = m } }

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		credits: 100,
		chunker: fakeChunker{n: 3},
		engine:  &fakeEngine{},
		model:   &fakeModel{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close(context.Background()) })
	require.NoError(t, st.AssignWorkspace(context.Background(), testUser, testWorkspace))

	reg := queue.NewRegistry()
	exec := queue.NewExecutor(reg, queue.WithInitialBackoff(time.Millisecond))
	backend := local.New(exec, local.WithSweepInterval(50*time.Millisecond))
	adapter := queue.NewAdapter(backend, reg)

	h := &harness{
		store:   st,
		queue:   adapter,
		backend: backend,
		ledger:  credits.NewMemoryLedger(cfg.credits),
		engine:  cfg.engine,
		model:   cfg.model,
	}
	h.ingest = NewIngestService(st, adapter, h.ledger, nil)
	h.pipeline = NewDocumentPipeline(st, cfg.chunker, h.ingest, nil)
	h.recovery = NewRecoveryService(st, h.ingest, adapter)
	h.jobs = NewJobManager(adapter)
	h.convs = NewConversationService(st, adapter, h.model, nil)

	episodes := NewEpisodeHandler(st, h.engine, h.ledger, nil)
	reg.Register(queue.KindIngestEpisode, queue.KindConfig{Handler: episodes.Handle, OnAbandon: episodes.Abandon, Concurrency: 5, Timeout: 5 * time.Second})
	reg.Register(queue.KindIngestDocument, queue.KindConfig{Handler: h.pipeline.Handle, OnAbandon: h.pipeline.Abandon, Concurrency: 3, Timeout: 5 * time.Second})
	reg.Register(queue.KindCreditRecovery, queue.KindConfig{Handler: h.recovery.Handle, Concurrency: 1, Timeout: 5 * time.Second, MaxAttempts: 1})
	reg.Register(queue.KindConversationChat, queue.KindConfig{Handler: h.convs.HandleChat, OnAbandon: h.convs.AbandonChat, Concurrency: 5, Timeout: 5 * time.Second})
	reg.Register(queue.KindConversationTitle, queue.KindConfig{Handler: h.convs.HandleTitle, Concurrency: 10, Timeout: 5 * time.Second})

	require.NoError(t, backend.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = backend.Close(ctx)
	})
	return h
}

func (h *harness) record(t *testing.T, id string) *models.IngestionQueueRecord {
	t.Helper()
	rec, err := h.store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// waitStatus waits for the record to reach status and returns it.
func (h *harness) waitStatus(t *testing.T, id string, status models.RecordStatus) *models.IngestionQueueRecord {
	t.Helper()
	var rec *models.IngestionQueueRecord
	require.Eventually(t, func() bool {
		r, err := h.store.GetRecord(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == status
	}, 5*time.Second, 10*time.Millisecond, "record %s never reached %s", id, status)
	return rec
}

// recordFor returns the record id a top-level job was tagged with.
func (h *harness) recordFor(t *testing.T, handle queue.Handle) string {
	t.Helper()
	info, err := h.queue.Status(context.Background(), handle.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Len(t, info.Tags, 2)
	return info.Tags[1]
}

func episodeRequest(body string) IngestRequest {
	return IngestRequest{EpisodeBody: body, ReferenceTime: refTime, Source: "test"}
}
