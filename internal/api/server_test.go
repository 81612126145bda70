package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/app"
	"github.com/raphaelgruber/knowhow-ingest/internal/config"
	"github.com/raphaelgruber/knowhow-ingest/internal/llm"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/service"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

// stubModel blocks replies until gate is closed when gate is set.
type stubModel struct {
	gate chan struct{}
}

func (m stubModel) Reply(ctx context.Context, history []llm.Message) (string, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "noted: " + history[len(history)-1].Text, nil
}

func (stubModel) Title(context.Context, string) (string, error) { return "Tea", nil }

func (stubModel) ExtractEntitiesAndRelations(context.Context, string) (string, error) {
	return "ENTITY|Alice|person|a user", nil
}

type testServer struct {
	app  *app.App
	http *httptest.Server
}

func testConfig() config.Config {
	return config.Config{
		StoreBackend:    config.StoreSQLite,
		SQLitePath:      ":memory:",
		QueueBackend:    config.QueueLocal,
		CreditsBackend:  config.CreditsMemory,
		DefaultCredits:  10,
		RetryBackoff:    time.Millisecond,
		LaneIdleTTL:     time.Minute,
		JWTSecret:       "test-secret",
		RunTokenTTL:     time.Minute,
		Queues:          config.DefaultQueues(),
		IngestRateLimit: 100,
		IngestBurst:     100,
	}
}

func newTestServer(t *testing.T, cfg config.Config, model stubModel) *testServer {
	t.Helper()
	ctx := context.Background()
	a, err := app.New(ctx, cfg, app.WithEmbedder(stubEmbedder{}), app.WithModel(model))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	srv, err := New(a, WithStreamInterval(10*time.Millisecond))
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		hs.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Close(ctx))
	})

	require.NoError(t, a.Store.AssignWorkspace(ctx, "u1", "ws1"))
	require.NoError(t, a.Store.AssignWorkspace(ctx, "u2", "ws2"))
	return &testServer{app: a, http: hs}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := ts.app.Tokens.IssueUserToken(userID)
	require.NoError(t, err)
	return tok
}

// do sends a request as userID and decodes the JSON response into out
// when out is non-nil.
func (ts *testServer) do(t *testing.T, method, path, userID string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, rd)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, userID))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func episode(body string) service.IngestRequest {
	return service.IngestRequest{
		EpisodeBody:   body,
		ReferenceTime: "2026-01-02T15:04:05Z",
		Source:        "api-test",
	}
}

func (ts *testServer) waitRecord(t *testing.T, userID, id string, want models.RecordStatus) models.IngestionQueueRecord {
	t.Helper()
	var rec models.IngestionQueueRecord
	require.Eventually(t, func() bool {
		rec = models.IngestionQueueRecord{}
		return ts.do(t, http.MethodGet, "/v1/records/"+id, userID, nil, &rec) == http.StatusOK &&
			rec.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubModel{})
	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRequiresTokenSecret(t *testing.T) {
	_, err := New(&app.App{})
	assert.ErrorIs(t, err, ErrNoTokenSecret)
}

func TestRequiresAuth(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubModel{})

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/jobs", "", nil, nil))

	runToken, err := ts.app.Tokens.IssueRunToken("job-1")
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+runToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "run tokens are not user credentials")
}

func TestIngestLifecycle(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubModel{})

	var accepted IngestResponse
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/ingest", "u1", episode("Alice likes tea"), &accepted))
	require.NotEmpty(t, accepted.ID)
	require.NotEmpty(t, accepted.RecordID)

	rec := ts.waitRecord(t, "u1", accepted.RecordID, models.RecordCompleted)
	assert.Equal(t, "ws1", rec.WorkspaceID)
	assert.Equal(t, accepted.ID, rec.JobID)

	var info queue.Info
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/jobs/"+accepted.ID, "u1", nil, &info))
	assert.Equal(t, queue.KindIngestEpisode, info.Kind)
	assert.Equal(t, queue.StatusCompleted, info.Status)

	var jobs []queue.Info
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/jobs?status=completed", "u1", nil, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, accepted.ID, jobs[0].ID)

	// Other users see nothing.
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/records/"+accepted.RecordID, "u2", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/jobs/"+accepted.ID, "u2", nil, nil))
	jobs = nil
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/jobs?tag=u1", "u2", nil, &jobs))
	assert.Empty(t, jobs)

	// Cancelling a finished job leaves it as is.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/jobs/"+accepted.ID, "u1", nil, &info))
	assert.Equal(t, queue.StatusCompleted, info.Status)
}

func TestIngestErrors(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubModel{})

	tests := []struct {
		name   string
		userID string
		body   any
		want   int
	}{
		{"empty body", "u1", episode(""), http.StatusBadRequest},
		{"bad reference time", "u1", service.IngestRequest{EpisodeBody: "x", Source: "s", ReferenceTime: "yesterday"}, http.StatusBadRequest},
		{"malformed json", "u1", "not an object", http.StatusBadRequest},
		{"no workspace", "u3", episode("hello"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			assert.Equal(t, tt.want, ts.do(t, http.MethodPost, "/v1/ingest", tt.userID, tt.body, &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/jobs/missing", "u1", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/jobs?limit=-1", "u1", nil, nil))
}

func TestNoCreditsAndRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultCredits = 0
	ts := newTestServer(t, cfg, stubModel{})
	ctx := context.Background()

	var parked errorResponse
	require.Equal(t, http.StatusPaymentRequired, ts.do(t, http.MethodPost, "/v1/ingest", "u1", episode("Alice likes tea"), &parked))
	require.NotEmpty(t, parked.RecordID)
	ts.waitRecord(t, "u1", parked.RecordID, models.RecordNoCredits)

	// Recovery for another workspace is hidden.
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/workspaces/ws2/recover", "u1", nil, nil))

	_, err := ts.app.Ledger.Grant(ctx, "ws1", 5)
	require.NoError(t, err)

	var summary service.RecoverySummary
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/workspaces/ws1/recover", "u1", nil, &summary))
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Retriggered)
	assert.Zero(t, summary.Failed)

	rec := ts.waitRecord(t, "u1", parked.RecordID, models.RecordCompleted)
	assert.Equal(t, 1, rec.RetryCount)

	var handle queue.Handle
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/workspaces/ws1/recover?async=true", "u1", nil, &handle))
	require.Eventually(t, func() bool {
		var info queue.Info
		return ts.do(t, http.MethodGet, "/v1/jobs/"+handle.ID, "u1", nil, &info) == http.StatusOK &&
			info.Status == queue.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRateLimitedIngest(t *testing.T) {
	cfg := testConfig()
	cfg.IngestRateLimit = 0.001
	cfg.IngestBurst = 1
	ts := newTestServer(t, cfg, stubModel{})

	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/ingest", "u1", episode("one"), nil))
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/v1/ingest", "u1", episode("two"), nil))
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/ingest", "u2", episode("three"), nil))
}

func TestConversationRuns(t *testing.T) {
	gate := make(chan struct{})
	ts := newTestServer(t, testConfig(), stubModel{gate: gate})
	t.Cleanup(func() { close(gate) })

	var created service.CreateRunResult
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/conversations", "u1", RunRequest{Message: "I like tea"}, &created))
	require.NotEmpty(t, created.ConversationID)
	convPath := "/v1/conversations/" + created.ConversationID

	assert.Equal(t, http.StatusConflict,
		ts.do(t, http.MethodPost, convPath+"/runs", "u1", RunRequest{Message: "again"}, nil))
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPost, convPath+"/runs", "u1", RunRequest{Message: ""}, nil))
	assert.Equal(t, http.StatusNotFound,
		ts.do(t, http.MethodGet, convPath+"/run", "u2", nil, nil))

	var run service.ConversationRun
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, convPath+"/run", "u1", nil, &run))
	assert.Equal(t, created.ID, run.RunID)
	assert.Equal(t, created.ConversationHistoryID, run.ConversationHistoryID)

	var stopped map[string]models.ConversationStatus
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, convPath+"/stop", "u1", nil, &stopped))
	assert.Equal(t, models.ConversationCancelled, stopped["status"])

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodGet, convPath+"/run", "u1", nil, nil))

	var conv ConversationResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, convPath, "u1", nil, &conv))
	assert.Equal(t, models.ConversationCancelled, conv.Conversation.Status)
	require.Len(t, conv.History, 1)
	assert.Equal(t, "I like tea", conv.History[0].Message)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, convPath, "u2", nil, nil))
}

func TestConversationReply(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubModel{})

	var created service.CreateRunResult
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/conversations", "u1", RunRequest{Message: "I like tea"}, &created))

	var conv ConversationResponse
	require.Eventually(t, func() bool {
		conv = ConversationResponse{}
		return ts.do(t, http.MethodGet, "/v1/conversations/"+created.ConversationID, "u1", nil, &conv) == http.StatusOK &&
			conv.Conversation.Status == models.ConversationCompleted && conv.Conversation.Title == "Tea"
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, conv.History, 2)
	assert.Equal(t, models.RoleAssistant, conv.History[1].Role)
	assert.Equal(t, "noted: I like tea", conv.History[1].Message)
}

func TestRunStream(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubModel{})

	var accepted IngestResponse
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/ingest", "u1", episode("Alice likes tea"), &accepted))

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/v1/runs/" + accepted.ID + "/stream"
	header := http.Header{"Authorization": []string{"Bearer " + ts.token(t, "u1")}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	var last RunEvent
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var ev RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		require.Equal(t, EventStatus, ev.Type)
		last = ev
	}
	require.NotNil(t, last.Run)
	assert.Equal(t, queue.StatusCompleted, last.Run.Status)
}

func TestRunStreamRejectsOtherUsers(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubModel{})

	var accepted IngestResponse
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/ingest", "u1", episode("Alice likes tea"), &accepted))

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/v1/runs/" + accepted.ID + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + ts.token(t, "u2")}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	runToken, err := ts.app.Tokens.IssueRunToken(accepted.ID)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+runToken, nil)
	require.NoError(t, err)
	conn.Close()
}
