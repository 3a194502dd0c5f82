package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	TypeStarted   = "embedding.started"
	TypeProgress  = "embedding.progress"
	TypeCompleted = "embedding.completed"
	TypeFailed    = "embedding.failed"
)

// Event is one of Started, Progress, Completed or Failed.
type Event interface {
	Type() string
	Job() string
}

type Started struct {
	JobID      string `json:"jobId"`
	Kind       string `json:"kind"`
	DocumentID string `json:"documentId,omitempty"`
}

func (Started) Type() string { return TypeStarted }
func (e Started) Job() string { return e.JobID }

type Progress struct {
	JobID   string `json:"jobId"`
	Percent int    `json:"percent"`
}

func (Progress) Type() string { return TypeProgress }
func (e Progress) Job() string { return e.JobID }

type Completed struct {
	JobID      string  `json:"jobId"`
	DocumentID string  `json:"documentId,omitempty"`
	Chunks     int     `json:"chunks"`
	Tokens     int     `json:"tokens"`
	Cost       float64 `json:"cost"`
}

func (Completed) Type() string { return TypeCompleted }
func (e Completed) Job() string { return e.JobID }

type Failed struct {
	JobID      string `json:"jobId"`
	DocumentID string `json:"documentId,omitempty"`
	Error      string `json:"error"`
	Attempt    int    `json:"attempt"`
	Final      bool   `json:"final"`
}

func (Failed) Type() string { return TypeFailed }
func (e Failed) Job() string { return e.JobID }

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Envelope is the wire form of an event.
type Envelope struct {
	Type       string    `json:"type"`
	JobID      string    `json:"jobId"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       Event     `json:"data"`
}

func Wrap(e Event, at time.Time) Envelope {
	return Envelope{Type: e.Type(), JobID: e.Job(), OccurredAt: at.UTC(), Data: e}
}

// Bus fans events out to in-process subscribers. A subscriber whose buffer is
// full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.WarnContext(ctx, "event subscriber full, dropping event", "subscriber", id, "type", e.Type())
		}
	}
	return nil
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Multi publishes to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Emit publishes e and logs failures. Event delivery never fails a job.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "type", e.Type(), "job_id", e.Job(), "error", err)
	}
}
