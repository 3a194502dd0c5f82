package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bzconsulting24/quartermaster-sub001/internal/middleware"
	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) EnqueueDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.service.QueueDocumentEmbedding(ctx, req)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue document embedding", "document_id", req.DocumentID, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, Accepted{JobID: id})
}

func (h *Handler) EnqueueText(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.service.QueueTextEmbedding(ctx, req)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue text embedding", "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, Accepted{JobID: id})
}

func (h *Handler) EnqueueReindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("documentId")

	id, err := h.service.QueueDocumentReindex(ctx, documentID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue reindex", "document_id", documentID, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, Accepted{JobID: id})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("jobId")

	status, err := h.service.GetJobStatus(ctx, id)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, status)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("jobId")

	slog.InfoContext(ctx, "cancelling job", "job_id", id)

	if err := h.service.Cancel(ctx, id); err != nil {
		slog.ErrorContext(ctx, "failed to cancel job", "job_id", id, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"message": "Job cancelled",
		"jobId":   id,
	})
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalid):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, queue.ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrNotWaiting):
		h.writeError(ctx, w, "CONFLICT", "Job has already started", http.StatusConflict)
	default:
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
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
