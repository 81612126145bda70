package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/metrics"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

type fakeStore struct {
	inputs []models.EpisodeInput
	err    error
}

func (f *fakeStore) UpsertEpisode(_ context.Context, in models.EpisodeInput) (*models.Episode, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &models.Episode{Content: in.Content}, nil
}

type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

type extractFunc func(ctx context.Context, text string) (string, error)

func (f extractFunc) ExtractEntitiesAndRelations(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

func staticEmbedder() Embedder {
	return embedFunc(func(context.Context, string) ([]float32, error) { return []float32{1, 0, 0}, nil })
}

func TestParseExtraction(t *testing.T) {
	raw := `ENTITY|alice|person|Engineer
ENTITY | auth-service | service | Login
ENTITY|alice|person|duplicate
RELATION|alice|auth-service|owns|Alice owns auth
RELATION|alice||owns|missing target
ENTITY|broken
some chatter from the model`

	entities, statements := ParseExtraction(raw)
	assert.Equal(t, []string{"alice", "auth-service"}, entities)
	assert.Equal(t, []string{"alice owns auth-service"}, statements)

	entities, statements = ParseExtraction("")
	assert.Nil(t, entities)
	assert.Nil(t, statements)
}

func TestAddEpisodeWithoutExtractor(t *testing.T) {
	store := &fakeStore{}
	collector := metrics.NewCollector()
	engine := New(store, staticEmbedder(), WithMetrics(collector))

	idx := 2
	out, err := engine.AddEpisode(context.Background(), "ws-1", "rec-1", models.EpisodePayload{
		EpisodeBody:   "chunk text",
		ReferenceTime: "2026-01-02T15:04:05Z",
		Source:        "upload",
		Metadata:      map[string]any{"lang": "en"},
		DocumentID:    "doc-1",
		DocumentTitle: "Notes",
		ChunkIndex:    &idx,
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", out.EpisodeUUID)
	assert.Empty(t, out.Entities)

	require.Len(t, store.inputs, 1)
	in := store.inputs[0]
	assert.Equal(t, "rec-1", in.ID)
	assert.Equal(t, "ws-1", *in.Context)
	assert.Equal(t, "upload", in.Metadata["source"])
	assert.Equal(t, "en", in.Metadata["lang"])
	assert.Equal(t, "doc-1", in.Metadata["document_id"])
	assert.Equal(t, 2, in.Metadata["chunk_index"])

	assert.Contains(t, collector.Snapshot().Operations, metrics.OpEmbedding)
	assert.NotContains(t, collector.Snapshot().Operations, metrics.OpExtraction)
}

func TestAddEpisodeWithExtractor(t *testing.T) {
	store := &fakeStore{}
	engine := New(store, staticEmbedder(), WithExtractor(extractFunc(func(context.Context, string) (string, error) {
		return "ENTITY|bob|person|x\nENTITY|berlin|concept|y\nRELATION|bob|berlin|relates_to|lives", nil
	})))

	out, err := engine.AddEpisode(context.Background(), "ws", "rec-2", models.EpisodePayload{EpisodeBody: "Bob lives in Berlin", Source: "chat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "berlin"}, out.Entities)
	assert.Equal(t, []string{"bob relates_to berlin"}, out.Statements)
	assert.Equal(t, out.Entities, store.inputs[0].Entities)
}

func TestAddEpisodeErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := New(&fakeStore{}, staticEmbedder()).AddEpisode(ctx, "ws", "rec", models.EpisodePayload{EpisodeBody: "  "})
	assert.ErrorIs(t, err, ErrEmptyEpisode)

	failingEmbedder := embedFunc(func(context.Context, string) ([]float32, error) { return nil, boom })
	_, err = New(&fakeStore{}, failingEmbedder).AddEpisode(ctx, "ws", "rec", models.EpisodePayload{EpisodeBody: "x"})
	assert.ErrorIs(t, err, boom)

	_, err = New(&fakeStore{err: boom}, staticEmbedder()).AddEpisode(ctx, "ws", "rec", models.EpisodePayload{EpisodeBody: "x"})
	assert.ErrorIs(t, err, boom)

	failingExtractor := extractFunc(func(context.Context, string) (string, error) { return "", boom })
	store := &fakeStore{}
	_, err = New(store, staticEmbedder(), WithExtractor(failingExtractor)).AddEpisode(ctx, "ws", "rec", models.EpisodePayload{EpisodeBody: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.inputs)
}
