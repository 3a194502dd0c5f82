package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bzconsulting24/quartermaster-sub001/internal/embedding"
	"github.com/bzconsulting24/quartermaster-sub001/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.service.Query(ctx, req)
	if err != nil {
		if errors.Is(err, ErrEmptyQuery) {
			h.writeError(ctx, w, "VALIDATION_ERROR", "Query text is required", http.StatusBadRequest)
			return
		}
		if errors.Is(err, embedding.ErrValidation) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "query failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *Handler) ReindexAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slog.WarnContext(ctx, "reindex-all requested")

	summary, err := h.service.ReindexAll(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "reindex-all failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, summary)
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
