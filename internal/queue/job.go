package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrNotWaiting = errors.New("job already started")
	ErrInvalid    = errors.New("invalid job payload")
)

type Kind string

const (
	KindEmbedDocument   Kind = "EMBED_DOCUMENT"
	KindEmbedText       Kind = "EMBED_TEXT"
	KindReindexDocument Kind = "REINDEX_DOCUMENT"
)

// Priority is the default priority for the kind. Lower values run first.
func (k Kind) Priority() int {
	switch k {
	case KindEmbedDocument:
		return 1
	case KindEmbedText:
		return 5
	case KindReindexDocument:
		return 10
	default:
		return 100
	}
}

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Source types accepted by the enqueue surface.
const (
	SourcePDF   = "pdf"
	SourceExcel = "excel"
	SourceCSV   = "csv"
	SourceText  = "text"
)

func ValidSourceType(s string) bool {
	switch s {
	case SourcePDF, SourceExcel, SourceCSV, SourceText:
		return true
	}
	return false
}

// IsTabular reports whether content of this source type is stored as rows.
func IsTabular(s string) bool {
	return s == SourceCSV || s == SourceExcel
}

// Payload is one of DocumentPayload, TextPayload or ReindexPayload.
type Payload interface {
	Kind() Kind
	Validate() error
}

type DocumentPayload struct {
	DocumentID    string         `json:"documentId"`
	Content       string         `json:"content"`
	SourceType    string         `json:"sourceType"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

func (DocumentPayload) Kind() Kind { return KindEmbedDocument }

func (p DocumentPayload) Validate() error {
	if _, err := uuid.Parse(p.DocumentID); err != nil {
		return fmt.Errorf("%w: invalid document id %q", ErrInvalid, p.DocumentID)
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: content must not be empty", ErrInvalid)
	}
	if !ValidSourceType(p.SourceType) {
		return fmt.Errorf("%w: unsupported source type %q", ErrInvalid, p.SourceType)
	}
	return nil
}

type TextPayload struct {
	Content       string         `json:"content"`
	SourceType    string         `json:"sourceType"`
	AccountID     string         `json:"accountId,omitempty"`
	OpportunityID string         `json:"opportunityId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

func (TextPayload) Kind() Kind { return KindEmbedText }

func (p TextPayload) Validate() error {
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: content must not be empty", ErrInvalid)
	}
	if !ValidSourceType(p.SourceType) {
		return fmt.Errorf("%w: unsupported source type %q", ErrInvalid, p.SourceType)
	}
	for _, id := range []string{p.AccountID, p.OpportunityID} {
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("%w: invalid related id %q", ErrInvalid, id)
		}
	}
	return nil
}

type ReindexPayload struct {
	DocumentID    string `json:"documentId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (ReindexPayload) Kind() Kind { return KindReindexDocument }

func (p ReindexPayload) Validate() error {
	if _, err := uuid.Parse(p.DocumentID); err != nil {
		return fmt.Errorf("%w: invalid document id %q", ErrInvalid, p.DocumentID)
	}
	return nil
}

func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindEmbedDocument:
		var p DocumentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindEmbedText:
		var p TextPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindReindexDocument:
		var p ReindexPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalid, kind)
	}
}

type Job struct {
	ID           string
	Kind         Kind
	Payload      Payload
	Priority     int
	State        State
	Progress     int
	AttemptsMade int
	MaxAttempts  int
	Result       json.RawMessage
	Error        string
	Seq          int64
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	AvailableAt  time.Time

	index int // position in MemoryQueue's ready heap
}

// NewJob builds a waiting job with the kind's default priority.
func NewJob(p Payload) *Job {
	return &Job{
		ID:       uuid.New().String(),
		Kind:     p.Kind(),
		Payload:  p,
		Priority: p.Kind().Priority(),
		State:    StateWaiting,
	}
}

// CorrelationID returns the id carried by the payload, if any.
func (j *Job) CorrelationID() string {
	switch p := j.Payload.(type) {
	case DocumentPayload:
		return p.CorrelationID
	case TextPayload:
		return p.CorrelationID
	case ReindexPayload:
		return p.CorrelationID
	}
	return ""
}

// Status is the externally visible view of a job.
type Status struct {
	ID           string          `json:"id"`
	Type         Kind            `json:"type"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	Data         Payload         `json:"data"`
	Result       json.RawMessage `json:"result"`
	Error        *string         `json:"error"`
	AttemptsMade int             `json:"attemptsMade"`
	Timestamp    int64           `json:"timestamp"`
}

func (j *Job) Status() Status {
	s := Status{
		ID:           j.ID,
		Type:         j.Kind,
		State:        j.State,
		Progress:     j.Progress,
		Data:         j.Payload,
		Result:       j.Result,
		AttemptsMade: j.AttemptsMade,
		Timestamp:    j.CreatedAt.UnixMilli(),
	}
	if j.Error != "" {
		msg := j.Error
		s.Error = &msg
	}
	return s
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
