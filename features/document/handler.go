package document

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bzconsulting24/quartermaster-sub001/internal/middleware"
	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

type chunkView struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Tokens    int            `json:"tokens"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (h *Handler) GetChunks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("documentId")

	doc, chunks, err := h.service.Chunks(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get document chunks", "document_id", id, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}

	views := make([]chunkView, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, toView(c))
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"document": doc,
		"chunks":   views,
		"count":    len(views),
	})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("documentId")

	slog.InfoContext(ctx, "deleting document chunks", "document_id", id)

	n, err := h.service.DeleteChunks(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete document chunks", "document_id", id, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"message":       "Document embeddings deleted",
		"documentId":    id,
		"deletedChunks": n,
	})
}

func toView(c vector.Chunk) chunkView {
	return chunkView{ID: c.ID, Content: c.Content, Tokens: c.Tokens, Metadata: c.Metadata, CreatedAt: c.CreatedAt}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidID):
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid document ID", http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Document not found", http.StatusNotFound)
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
