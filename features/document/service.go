package document

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bzconsulting24/quartermaster-sub001/internal/lease"
	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

type Service struct {
	repo   Repository
	chunks vector.ChunkStore
	locker lease.Locker
}

func NewService(repo Repository, chunks vector.ChunkStore, locker lease.Locker) *Service {
	return &Service{repo: repo, chunks: chunks, locker: locker}
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Chunks returns the document and its chunks in chunk order.
func (s *Service) Chunks(ctx context.Context, id string) (*Document, []vector.Chunk, error) {
	if err := validateID(id); err != nil {
		return nil, nil, err
	}
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := s.chunks.ListByDocument(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return doc, chunks, nil
}

// DeleteChunks removes every chunk of the document and returns it to
// PENDING. The document row itself is left in place.
func (s *Service) DeleteChunks(ctx context.Context, id string) (int, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return 0, err
	}

	release, err := s.locker.Acquire(ctx, lease.DocumentKey(id))
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := s.chunks.DeleteByDocument(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.repo.ResetForReindex(ctx, id); err != nil {
		return n, err
	}
	return n, nil
}
