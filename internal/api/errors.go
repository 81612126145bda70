package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/service"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

type errorResponse struct {
	Error    string `json:"error"`
	RecordID string `json:"recordId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError maps service errors to HTTP statuses. Unclassified errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var credit *service.CreditExhaustedError
	switch {
	case errors.Is(err, service.ErrValidation):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &credit):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: err.Error(), RecordID: credit.RecordID})
	case errors.Is(err, service.ErrRunActive):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, queue.ErrDispatch), errors.Is(err, queue.ErrClosed):
		writeMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}
