package vector

import (
	"context"
	"math"
	"time"
)

// Dimensions is the fixed length of every stored embedding.
const Dimensions = 1536

// Chunk is one stored span of content with its embedding. Empty ids are
// stored as null.
type Chunk struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"documentId,omitempty"`
	AccountID     string         `json:"accountId,omitempty"`
	OpportunityID string         `json:"opportunityId,omitempty"`
	Content       string         `json:"content"`
	Embedding     []float32      `json:"-"`
	Tokens        int            `json:"tokens"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// ChunkIndex returns metadata.chunkIndex, or -1 when absent.
func (c Chunk) ChunkIndex() int {
	switch v := c.Metadata["chunkIndex"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return -1
}

// Filters are equality predicates applied before ranking.
type Filters struct {
	AccountID     string `json:"accountId,omitempty"`
	OpportunityID string `json:"opportunityId,omitempty"`
	SourceType    string `json:"sourceType,omitempty"`
}

type Match struct {
	Chunk
	// Distance is the cosine distance to the query vector.
	Distance float64
}

// Similarity is 1 - distance rounded to 4 decimals.
func (m Match) Similarity() float64 {
	return math.Round((1-m.Distance)*10000) / 10000
}

type ChunkStore interface {
	InsertChunks(ctx context.Context, chunks []Chunk) error
	DeleteByDocument(ctx context.Context, documentID string) (int, error)
	// DeleteByJob removes chunks tagged with metadata.jobId.
	DeleteByJob(ctx context.Context, jobID string) (int, error)
	DeleteAll(ctx context.Context) (int, error)
	ListByDocument(ctx context.Context, documentID string) ([]Chunk, error)
	// Search returns at most limit matches ordered by ascending distance.
	Search(ctx context.Context, embedding []float32, limit int, f Filters) ([]Match, error)
	Count(ctx context.Context) (int, error)
}
