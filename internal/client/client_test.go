package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

func TestIngestSendsBearerToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req IngestRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.EpisodeBody)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Accepted{ID: "job-1", RecordID: "rec-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "secret")
	got, err := c.Ingest(context.Background(), IngestRequest{EpisodeBody: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, "rec-1", got.RecordID)
}

func TestAPIErrorCarriesRecordID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"no credits","recordId":"rec-9"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").Ingest(context.Background(), IngestRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Equal(t, "rec-9", apiErr.RecordID)
	assert.Equal(t, "no credits", apiErr.Message)
}

func TestCurrentRunNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversations/c1/run", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").CurrentRun(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNoActiveRun)
}

func TestListJobsEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "a,b", q.Get("tag"))
		assert.Equal(t, "QUEUED", q.Get("status"))
		assert.Equal(t, "5", q.Get("limit"))
		_ = json.NewEncoder(w).Encode([]queue.Info{{ID: "j1", Status: queue.StatusQueued}})
	}))
	defer srv.Close()

	jobs, err := New(srv.URL, "t").ListJobs(context.Background(), JobFilter{
		Tags:     []string{"a", "b"},
		Statuses: []string{"QUEUED"},
		Limit:    5,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}

func TestWatchRunUntilClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/j1/stream", r.URL.Path)
		assert.Equal(t, "run-token", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for _, st := range []queue.Status{queue.StatusExecuting, queue.StatusCompleted} {
			assert.NoError(t, conn.WriteJSON(RunEvent{Type: "status", Run: &queue.Info{ID: "j1", Status: st}}))
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var seen []queue.Status
	err := New(srv.URL, "").WatchRun(context.Background(), "j1", "run-token", func(ev RunEvent) error {
		seen = append(seen, ev.Run.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []queue.Status{queue.StatusExecuting, queue.StatusCompleted}, seen)
}

func TestNewTrimsEndpoint(t *testing.T) {
	c := New("http://example.com/", "t")
	assert.False(t, strings.HasSuffix(c.endpoint, "/"))
}
