package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/fake"
)

func TestIsFatalAPIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("connection reset"), false},
		{"credit balance", errors.New("insufficient credit balance"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"quota exceeded", errors.New("quota exceeded for model"), true},
		{"billing issue", errors.New("billing account inactive"), true},
		{"invalid api key", errors.New("invalid api key"), true},
		{"authentication failed", errors.New("authentication failed"), true},
		{"unauthorized", errors.New("unauthorized request"), true},
		{"401 status", errors.New("HTTP 401: not allowed"), true},
		{"403 status", errors.New("HTTP 403: forbidden"), true},
		{"wrapped error", fmt.Errorf("embed: %w", errors.New("credit balance too low")), true},
		{"404 not fatal", errors.New("HTTP 404: not found"), false},
		{"timeout not fatal", errors.New("context deadline exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, isFatalAPIError(tt.err))
		})
	}
}

func TestWrapFatalError(t *testing.T) {
	err := errors.New("invalid api key provided")
	assert.ErrorIs(t, wrapFatalError(err), ErrFatalAPI)
	assert.ErrorIs(t, wrapFatalError(err), err)

	transient := errors.New("network timeout")
	assert.Same(t, transient, wrapFatalError(transient))
	assert.NoError(t, wrapFatalError(nil))
}

type recordingLLM struct {
	got   []llms.MessageContent
	reply string
	err   error
}

func (r *recordingLLM) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	r.got = msgs
	if r.err != nil {
		return nil, r.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: r.reply}}}, nil
}

func (r *recordingLLM) Call(ctx context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, r, prompt)
}

func TestReplyMapsRoles(t *testing.T) {
	rec := &recordingLLM{reply: "  Paris.  "}
	m := NewModelFrom(rec, "test")

	got, err := m.Reply(context.Background(), []Message{
		{Role: "user", Text: "Capital of France?"},
		{Role: "assistant", Text: "Which country?"},
		{Role: "user", Text: "France"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris.", got)

	require.Len(t, rec.got, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, rec.got[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, rec.got[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, rec.got[2].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, rec.got[3].Role)

	_, err = m.Reply(context.Background(), nil)
	assert.Error(t, err)
}

func TestGenerateWrapsFatalErrors(t *testing.T) {
	m := NewModelFrom(&recordingLLM{err: errors.New("HTTP 401: bad key")}, "test")
	_, err := m.GenerateWithSystem(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrFatalAPI)
}

func TestTitle(t *testing.T) {
	m := NewModelFrom(fake.NewFakeLLM([]string{"\"Trip Planning For Paris\"\nextra line"}), "fake")
	title, err := m.Title(context.Background(), "help me plan a trip to paris")
	require.NoError(t, err)
	assert.Equal(t, "Trip Planning For Paris", title)
}

func TestEmbedValidatesDimension(t *testing.T) {
	client := embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{0.1, 0.2, 0.3}
		}
		return out, nil
	})
	model, err := embeddings.NewEmbedder(client)
	require.NoError(t, err)

	vec, err := NewEmbedderFrom(model, "fake", 3).Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)

	_, err = NewEmbedderFrom(model, "fake", 384).Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "dimension mismatch")
}
