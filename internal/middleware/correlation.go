package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HeaderCorrelationID carries the request's correlation id in and out.
const HeaderCorrelationID = "X-Correlation-ID"

const maxCorrelationIDLength = 128

type key int

const CorrelationKey key = 0

// statusRecorder remembers the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// CorrelationID tags the request with an id, echoes it in the response
// header and logs one line when the request completes.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeCorrelationID(r.Header.Get(HeaderCorrelationID))
		w.Header().Set(HeaderCorrelationID, id)

		ctx := WithCorrelationID(r.Context(), id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "request completed", // #nosec G706 -- r.URL.Path is parsed by Go's net/http
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// sanitizeCorrelationID keeps a caller-supplied id only when it is short and
// printable; anything else is replaced with a fresh uuid.
func sanitizeCorrelationID(id string) string {
	if id == "" || len(id) > maxCorrelationIDLength {
		return uuid.NewString()
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return uuid.NewString()
		}
	}
	return id
}

// GetCorrelationID returns the id stored on ctx or "unknown".
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationKey).(string); ok && id != "" {
		return id
	}
	return "unknown"
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationKey, id)
}
