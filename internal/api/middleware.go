package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/raphaelgruber/knowhow-ingest/internal/tokens"
)

// maxQueryLogLen is the maximum length for logged query strings before truncation.
const maxQueryLogLen = 200

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = time.Second

// LoggingMiddleware logs every request with its status and timing. Server
// errors are logged at ERROR, slow requests at WARN and the rest at DEBUG.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", duration.Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()),
			}
			if q := r.URL.RawQuery; q != "" {
				attrs = append(attrs, "query", truncate(redactToken(q), maxQueryLogLen))
			}

			switch {
			case ww.Status() >= http.StatusInternalServerError:
				logger.Error("request failed", attrs...)
			case duration > slowRequestThreshold && !strings.HasSuffix(r.URL.Path, "/stream"):
				logger.Warn("slow request", attrs...)
			default:
				logger.Debug("request completed", attrs...)
			}
		})
	}
}

// redactToken hides a token query parameter.
func redactToken(q string) string {
	parts := strings.Split(q, "&")
	for i, p := range parts {
		if strings.HasPrefix(p, "token=") {
			parts[i] = "token=REDACTED"
		}
	}
	return strings.Join(parts, "&")
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

type ctxKey string

const userIDKey ctxKey = "user_id"

// UserIDFromContext returns the authenticated user.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// RequireAuth rejects requests without a valid user bearer token.
func RequireAuth(issuer *tokens.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeMessage(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			uid, err := issuer.VerifyUserToken(token)
			if err != nil {
				writeMessage(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimit applies the per-user ingest limit.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromContext(r.Context())
		if !s.limiter.Allow(uid) {
			w.Header().Set("Retry-After", "1")
			writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
