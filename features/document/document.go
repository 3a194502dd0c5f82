package document

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrInvalidID = errors.New("invalid document id")
	ErrNoContent = errors.New("no retained content for document")
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Document holds the fields of an ingested document that the embedding
// pipeline reads or writes.
type Document struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	SourceType      string     `json:"type"`
	EmbeddingStatus Status     `json:"embeddingStatus"`
	ChunkCount      int        `json:"chunkCount"`
	EmbeddedAt      *time.Time `json:"embeddedAt"`
	AccountID       string     `json:"accountId,omitempty"`
	OpportunityID   string     `json:"opportunityId,omitempty"`
}
