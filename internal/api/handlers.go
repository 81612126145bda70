package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/service"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// IngestResponse is returned for an accepted ingestion.
type IngestResponse struct {
	ID       string `json:"id"`
	Token    string `json:"token,omitempty"`
	RecordID string `json:"recordId"`
}

// RunRequest starts a conversation run.
type RunRequest struct {
	Message string `json:"message"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &service.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// workspace resolves the caller's workspace.
func (s *Server) workspace(r *http.Request) (userID, workspaceID string, err error) {
	userID, _ = UserIDFromContext(r.Context())
	workspaceID, err = s.app.Store.WorkspaceForUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return userID, "", &service.ValidationError{Field: "userId", Reason: "user has no workspace"}
	}
	return userID, workspaceID, err
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req service.IngestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	uid, _ := UserIDFromContext(r.Context())

	rec, handle, err := s.app.Ingest.SubmitRecord(r.Context(), req, uid, r.Header.Get("X-Activity-Id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{ID: handle.ID, Token: handle.Token, RecordID: rec.ID})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.workspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.app.Store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec.WorkspaceID != ws {
		writeError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// owns reports whether a job belongs to the caller: ingestion jobs are
// keyed and tagged by user, conversation and recovery jobs by workspace.
func owns(info *queue.Info, userID, workspaceID string) bool {
	if info.ConcurrencyKey == userID || info.ConcurrencyKey == workspaceID {
		return true
	}
	return slices.Contains(info.Tags, userID) || slices.Contains(info.Tags, workspaceID)
}

func splitParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	uid, ws, err := s.workspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	tags := splitParam(r, "tag")
	if len(tags) == 0 {
		tags = []string{uid}
	}
	var f queue.Filter
	for _, k := range splitParam(r, "kind") {
		f.Kinds = append(f.Kinds, queue.Kind(k))
	}
	for _, st := range splitParam(r, "status") {
		f.Statuses = append(f.Statuses, queue.Status(strings.ToUpper(st)))
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, &service.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	infos, err := s.app.Jobs.FindJobs(r.Context(), tags, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	visible := make([]queue.Info, 0, len(infos))
	for i := range infos {
		if owns(&infos[i], uid, ws) {
			visible = append(visible, infos[i])
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

// ownedJob loads a job and hides jobs of other users.
func (s *Server) ownedJob(r *http.Request) (*queue.Info, error) {
	uid, ws, err := s.workspace(r)
	if err != nil {
		return nil, err
	}
	info, err := s.app.Jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if !owns(info, uid, ws) {
		return nil, fmt.Errorf("job %s: %w", info.ID, queue.ErrJobNotFound)
	}
	return info, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.ownedJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.ownedJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.app.Jobs.CancelJob(r.Context(), info.ID); err != nil {
		writeError(w, r, err)
		return
	}
	info, err = s.app.Jobs.GetJobStatus(r.Context(), info.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) recover(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.workspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chi.URLParam(r, "id") != ws {
		writeError(w, r, store.ErrNotFound)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		handle, err := s.app.Recovery.Enqueue(r.Context(), ws)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, handle)
		return
	}

	summary, err := s.app.Recovery.Run(r.Context(), ws)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	uid, _ := UserIDFromContext(r.Context())

	res, err := s.app.Conversations.Create(r.Context(), chi.URLParam(r, "id"), uid, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// ConversationResponse is a conversation with its messages, oldest first.
type ConversationResponse struct {
	Conversation *models.Conversation          `json:"conversation"`
	History      []*models.ConversationHistory `json:"history"`
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.workspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.app.Store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if conv.WorkspaceID != ws {
		writeError(w, r, store.ErrNotFound)
		return
	}
	history, err := s.app.Store.ListHistory(r.Context(), conv.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{Conversation: conv, History: history})
}

func (s *Server) currentRun(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.workspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := s.app.Conversations.GetCurrentRun(r.Context(), chi.URLParam(r, "id"), ws)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	_, ws, err := s.workspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.app.Conversations.Stop(r.Context(), id, ws); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.app.Store.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.ConversationStatus{"status": conv.Status})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Metrics.Snapshot())
}
