package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bzconsulting24/quartermaster-sub001/internal/middleware"
	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
)

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type ChunkCounter interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	queue  QueueStats
	chunks ChunkCounter
}

func NewHandler(q QueueStats, c ChunkCounter) *Handler {
	return &Handler{queue: q, chunks: c}
}

// GetQueueStats returns job counts by state.
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, err := h.queue.Stats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get queue stats", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to get queue stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

type StatsResponse struct {
	Queue  queue.Stats `json:"queue"`
	Chunks int         `json:"chunks"`
}

// GetStats adds the stored chunk count to the queue counts.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, err := h.queue.Stats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get queue stats", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to get queue stats", http.StatusInternalServerError)
		return
	}

	n, err := h.chunks.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": StatsResponse{Queue: s, Chunks: n}}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
