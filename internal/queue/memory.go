package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a process-local Queue for single-process runs and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	seq     int64
	jobs    map[string]*Job
	ready   jobHeap
	delayed []*Job
}

type MemoryOption func(*MemoryQueue)

func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

func NewMemoryQueue(policy Policy, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		policy: policy.normalize(),
		now:    time.Now,
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) (string, error) {
	if err := job.Payload.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := q.jobs[job.ID]; exists {
		return "", fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Priority == 0 {
		job.Priority = job.Kind.Priority()
	}
	q.seq++
	now := q.now()
	job.Seq = q.seq
	job.State = StateWaiting
	job.MaxAttempts = q.policy.MaxAttempts
	job.CreatedAt = now
	job.AvailableAt = now

	q.jobs[job.ID] = job
	heap.Push(&q.ready, job)
	return job.ID, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDelayed()
	if q.ready.Len() == 0 {
		return nil, nil
	}

	job := heap.Pop(&q.ready).(*Job)
	now := q.now()
	job.State = StateActive
	job.Progress = 0
	job.StartedAt = &now
	return job.clone(), nil
}

func (q *MemoryQueue) UpdateProgress(_ context.Context, id string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || job.State != StateActive {
		return ErrNotFound
	}
	job.Progress = percent
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || job.State != StateActive {
		return ErrNotFound
	}
	now := q.now()
	job.State = StateCompleted
	job.Progress = 100
	job.Result = raw
	job.Error = ""
	job.FinishedAt = &now
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok || job.State != StateActive {
		return false, ErrNotFound
	}

	job.AttemptsMade++
	if cause != nil {
		job.Error = cause.Error()
	}

	now := q.now()
	if job.AttemptsMade >= job.MaxAttempts {
		job.State = StateFailed
		job.FinishedAt = &now
		return true, nil
	}

	job.State = StateWaiting
	job.AvailableAt = now.Add(q.policy.Backoff(job.AttemptsMade))
	q.delayed = append(q.delayed, job)
	return false, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.clone(), nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			s.Waiting++
		case StateActive:
			s.Active++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State != StateWaiting {
		return ErrNotWaiting
	}

	delete(q.jobs, id)
	if job.index >= 0 && job.index < q.ready.Len() && q.ready[job.index] == job {
		heap.Remove(&q.ready, job.index)
		return nil
	}
	for i, d := range q.delayed {
		if d == job {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) Prune(_ context.Context, r Retention) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	removed := 0
	for _, rule := range []struct {
		state  State
		keep   int
		maxAge time.Duration
	}{
		{StateCompleted, r.KeepCompleted, r.CompletedMaxAge},
		{StateFailed, r.KeepFailed, r.FailedMaxAge},
	} {
		var finished []*Job
		for _, job := range q.jobs {
			if job.State == rule.state {
				finished = append(finished, job)
			}
		}
		sort.Slice(finished, func(i, j int) bool {
			return finished[i].FinishedAt.After(*finished[j].FinishedAt)
		})
		for i, job := range finished {
			if i >= rule.keep || now.Sub(*job.FinishedAt) > rule.maxAge {
				delete(q.jobs, job.ID)
				removed++
			}
		}
	}
	return removed, nil
}

func (q *MemoryQueue) RecoverStalled(_ context.Context, stalledAfter time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	recovered := 0
	for _, job := range q.jobs {
		if job.State != StateActive || job.StartedAt == nil || now.Sub(*job.StartedAt) <= stalledAfter {
			continue
		}
		recovered++
		job.AttemptsMade++
		job.Error = stalledMessage
		job.Progress = 0
		if job.AttemptsMade >= job.MaxAttempts {
			job.State = StateFailed
			job.FinishedAt = &now
			continue
		}
		job.State = StateWaiting
		job.AvailableAt = now
		q.delayed = append(q.delayed, job)
	}
	return recovered, nil
}

// promoteDelayed moves retried jobs whose backoff has elapsed into the ready heap.
func (q *MemoryQueue) promoteDelayed() {
	if len(q.delayed) == 0 {
		return
	}
	now := q.now()
	kept := q.delayed[:0]
	for _, job := range q.delayed {
		if !job.AvailableAt.After(now) {
			heap.Push(&q.ready, job)
			continue
		}
		kept = append(kept, job)
	}
	q.delayed = kept
}

func (j *Job) clone() *Job {
	c := *j
	c.index = -1
	return &c
}

// jobHeap orders by priority, then enqueue sequence.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}
