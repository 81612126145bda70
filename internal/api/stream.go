package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// writeWait bounds a single websocket write.
const writeWait = 5 * time.Second

// RunEvent is pushed to stream subscribers whenever a run's status or
// attempt count changes.
type RunEvent struct {
	Type string      `json:"type"`
	Run  *queue.Info `json:"run,omitempty"`
	Err  string      `json:"error,omitempty"`
}

// Stream event types.
const (
	EventStatus = "status"
	EventError  = "error"
)

// authorizeStream accepts either a run token scoped to id (query parameter
// or bearer) or a user token owning the job.
func (s *Server) authorizeStream(r *http.Request, id string) (bool, error) {
	candidates := []string{r.URL.Query().Get("token"), bearerToken(r)}
	for _, tok := range candidates {
		if tok != "" && s.app.Tokens.VerifyRunToken(tok, id) == nil {
			return true, nil
		}
	}
	for _, tok := range candidates {
		if tok == "" {
			continue
		}
		uid, err := s.app.Tokens.VerifyUserToken(tok)
		if err != nil {
			continue
		}
		ws, err := s.app.Store.WorkspaceForUser(r.Context(), uid)
		if err != nil {
			return false, nil
		}
		info, err := s.app.Jobs.GetJobStatus(r.Context(), id)
		if err != nil {
			return false, err
		}
		return owns(info, uid, ws), nil
	}
	return false, nil
}

func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.authorizeStream(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "run_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends data; reading only surfaces its close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.pushStatus(ctx, conn, id)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// pushStatus polls the job and writes an event for every change until the
// job is terminal or ctx ends.
func (s *Server) pushStatus(ctx context.Context, conn *websocket.Conn, id string) {
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	var last *queue.Info
	for {
		info, err := s.app.Jobs.GetJobStatus(ctx, id)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, queue.ErrJobNotFound):
			s.send(conn, RunEvent{Type: EventError, Err: "run not found"})
			return
		case err != nil:
			s.logger.Warn("run stream status failed", "run_id", id, "error", err)
		case changed(last, info):
			if !s.send(conn, RunEvent{Type: EventStatus, Run: info}) {
				return
			}
			last = info
		}
		if last != nil && last.Status.IsTerminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func changed(prev, cur *queue.Info) bool {
	if prev == nil {
		return true
	}
	return prev.Status != cur.Status || prev.Attempts != cur.Attempts || prev.Error != cur.Error ||
		!slices.Equal(prev.Tags, cur.Tags)
}

func (s *Server) send(conn *websocket.Conn, ev RunEvent) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Debug("run stream write failed", "error", err)
		return false
	}
	return true
}
