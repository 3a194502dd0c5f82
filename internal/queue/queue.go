package queue

import (
	"context"
	"time"
)

// Queue is a durable priority work list with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) (string, error)
	// Dequeue claims the next runnable job, or returns nil when none is ready.
	Dequeue(ctx context.Context) (*Job, error)
	UpdateProgress(ctx context.Context, id string, percent int) error
	Complete(ctx context.Context, id string, result any) error
	// Fail records a failed attempt. final is true once the job has used
	// all of its attempts and will not run again.
	Fail(ctx context.Context, id string, cause error) (final bool, err error)
	Get(ctx context.Context, id string) (*Job, error)
	Stats(ctx context.Context) (Stats, error)
	// Remove deletes a job that has not started yet.
	Remove(ctx context.Context, id string) error
	Prune(ctx context.Context, r Retention) (int, error)
	// RecoverStalled reclaims jobs that have been active for longer than
	// stalledAfter, counting the lost run as a failed attempt. Jobs out of
	// attempts are marked failed.
	RecoverStalled(ctx context.Context, stalledAfter time.Duration) (int, error)
}

// stalledMessage is recorded on a job whose worker stopped before finishing it.
const stalledMessage = "job stalled: worker stopped before finishing"

type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BackoffBase: 2 * time.Second}
}

// Backoff is the wait before the next run after the given failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffBase < 0 {
		p.BackoffBase = 0
	}
	return p
}

type Retention struct {
	KeepCompleted   int
	CompletedMaxAge time.Duration
	KeepFailed      int
	FailedMaxAge    time.Duration
}

func DefaultRetention() Retention {
	return Retention{
		KeepCompleted:   100,
		CompletedMaxAge: 24 * time.Hour,
		KeepFailed:      1000,
		FailedMaxAge:    7 * 24 * time.Hour,
	}
}
