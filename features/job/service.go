package job

import (
	"context"
	"log/slog"

	"github.com/bzconsulting24/quartermaster-sub001/internal/middleware"
	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
)

type Service struct {
	queue queue.Queue
}

func NewService(q queue.Queue) *Service {
	return &Service{queue: q}
}

func (s *Service) QueueDocumentEmbedding(ctx context.Context, req DocumentRequest) (string, error) {
	return s.enqueue(ctx, queue.DocumentPayload{
		DocumentID:    req.DocumentID,
		Content:       req.Content,
		SourceType:    req.SourceType,
		Metadata:      req.Metadata,
		CorrelationID: correlationID(ctx),
	})
}

func (s *Service) QueueTextEmbedding(ctx context.Context, req TextRequest) (string, error) {
	return s.enqueue(ctx, queue.TextPayload{
		Content:       req.Content,
		SourceType:    req.SourceType,
		AccountID:     req.AccountID,
		OpportunityID: req.OpportunityID,
		Metadata:      req.Metadata,
		CorrelationID: correlationID(ctx),
	})
}

func (s *Service) QueueDocumentReindex(ctx context.Context, documentID string) (string, error) {
	return s.enqueue(ctx, queue.ReindexPayload{DocumentID: documentID, CorrelationID: correlationID(ctx)})
}

func (s *Service) GetJobStatus(ctx context.Context, id string) (*queue.Status, error) {
	j, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := j.Status()
	return &st, nil
}

func (s *Service) GetQueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// Cancel removes a job that has not started. Running jobs cannot be stopped.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.queue.Remove(ctx, id)
}

func (s *Service) enqueue(ctx context.Context, p queue.Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	id, err := s.queue.Enqueue(ctx, queue.NewJob(p))
	if err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "job enqueued", "job_id", id, "kind", p.Kind())
	return id, nil
}

func correlationID(ctx context.Context) string {
	if id := middleware.GetCorrelationID(ctx); id != "unknown" {
		return id
	}
	return ""
}
