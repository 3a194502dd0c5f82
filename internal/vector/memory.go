package vector

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a brute-force ChunkStore for single-process runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks []Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertChunks(_ context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = uuid.New().String()
		}
		if chunks[i].CreatedAt.IsZero() {
			chunks[i].CreatedAt = now
		}
		s.chunks = append(s.chunks, chunks[i])
	}
	return nil
}

func (s *MemoryStore) DeleteByDocument(_ context.Context, documentID string) (int, error) {
	return s.deleteWhere(func(c Chunk) bool { return c.DocumentID == documentID }), nil
}

func (s *MemoryStore) DeleteByJob(_ context.Context, jobID string) (int, error) {
	return s.deleteWhere(func(c Chunk) bool { return c.Metadata["jobId"] == jobID }), nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) (int, error) {
	return s.deleteWhere(func(Chunk) bool { return true }), nil
}

func (s *MemoryStore) ListByDocument(_ context.Context, documentID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Chunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex() < out[j].ChunkIndex() })
	return out, nil
}

func (s *MemoryStore) Search(_ context.Context, embedding []float32, limit int, f Filters) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Match
	for _, c := range s.chunks {
		if f.AccountID != "" && c.AccountID != f.AccountID {
			continue
		}
		if f.OpportunityID != "" && c.OpportunityID != f.OpportunityID {
			continue
		}
		if f.SourceType != "" && c.Metadata["sourceType"] != f.SourceType {
			continue
		}
		matches = append(matches, Match{Chunk: c, Distance: CosineDistance(embedding, c.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func (s *MemoryStore) deleteWhere(pred func(Chunk) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.chunks[:0]
	removed := 0
	for _, c := range s.chunks {
		if pred(c) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept
	return removed
}

// CosineDistance is 1 - cos(a, b). Mismatched or zero vectors are at
// distance 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
