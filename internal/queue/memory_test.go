package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue() (*MemoryQueue, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryQueue(DefaultPolicy(), WithClock(clock.Now)), clock
}

func docJob() *Job {
	return NewJob(DocumentPayload{DocumentID: uuid.New().String(), Content: "Hello.", SourceType: SourceText})
}

func textJob() *Job {
	return NewJob(TextPayload{Content: "note", SourceType: SourceText})
}

func reindexJob() *Job {
	return NewJob(ReindexPayload{DocumentID: uuid.New().String()})
}

func TestMemoryQueue_PriorityAndFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue()

	r1, _ := q.Enqueue(ctx, reindexJob())
	t1, _ := q.Enqueue(ctx, textJob())
	d1, _ := q.Enqueue(ctx, docJob())
	t2, _ := q.Enqueue(ctx, textJob())
	d2, _ := q.Enqueue(ctx, docJob())

	var order []string
	for {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{d1, d2, t1, t2, r1}, order)
}

func TestMemoryQueue_RejectsInvalidPayload(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Enqueue(context.Background(), NewJob(DocumentPayload{DocumentID: "nope", Content: "x", SourceType: SourceText}))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryQueue_AlwaysFailingJobEndsFailed(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue()

	id, err := q.Enqueue(ctx, docJob())
	require.NoError(t, err)

	var delays []time.Duration
	for {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if job == nil {
			got, _ := q.Get(ctx, id)
			if got.State == StateFailed {
				break
			}
			wait := got.AvailableAt.Sub(clock.Now())
			delays = append(delays, wait)
			clock.Advance(wait)
			continue
		}
		_, err = q.Fail(ctx, job.ID, errors.New("provider down"))
		require.NoError(t, err)
	}

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, job.MaxAttempts, job.AttemptsMade)
	assert.Equal(t, 3, job.AttemptsMade)
	assert.Equal(t, "provider down", job.Error)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestMemoryQueue_BackoffHoldsJob(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue()

	id, _ := q.Enqueue(ctx, textJob())
	job, _ := q.Dequeue(ctx)
	final, err := q.Fail(ctx, job.ID, errors.New("x"))
	require.NoError(t, err)
	assert.False(t, final)

	next, _ := q.Dequeue(ctx)
	assert.Nil(t, next)

	clock.Advance(2 * time.Second)
	next, _ = q.Dequeue(ctx)
	require.NotNil(t, next)
	assert.Equal(t, id, next.ID)
	assert.Equal(t, 1, next.AttemptsMade)
}

func TestMemoryQueue_RecoverStalled(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue()

	id, _ := q.Enqueue(ctx, docJob())
	job, _ := q.Dequeue(ctx)
	require.Equal(t, id, job.ID)

	// Not stalled yet.
	clock.Advance(10 * time.Minute)
	n, err := q.RecoverStalled(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	next, _ := q.Dequeue(ctx)
	assert.Nil(t, next)

	// The worker died without reporting back.
	clock.Advance(24 * time.Hour)
	n, err = q.RecoverStalled(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, id, next.ID)
	assert.Equal(t, StateActive, next.State)
	assert.Equal(t, 1, next.AttemptsMade)
	assert.Equal(t, stalledMessage, next.Error)

	s, _ := q.Stats(ctx)
	assert.Equal(t, 1, s.Active)
}

func TestMemoryQueue_RecoverStalled_ExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue()

	id, _ := q.Enqueue(ctx, textJob())
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job, "run %d", i+1)
		clock.Advance(time.Hour)
		n, err := q.RecoverStalled(ctx, time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 3, job.AttemptsMade)
	assert.NotNil(t, job.FinishedAt)

	next, _ := q.Dequeue(ctx)
	assert.Nil(t, next)
}

func TestMemoryQueue_CompleteAndStatus(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue()

	id, _ := q.Enqueue(ctx, docJob())
	job, _ := q.Dequeue(ctx)
	require.NoError(t, q.UpdateProgress(ctx, job.ID, 30))

	got, _ := q.Get(ctx, id)
	assert.Equal(t, 30, got.Progress)
	assert.Equal(t, StateActive, got.State)

	require.NoError(t, q.Complete(ctx, id, map[string]int{"chunks": 4}))
	got, _ = q.Get(ctx, id)
	st := got.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 100, st.Progress)
	assert.JSONEq(t, `{"chunks":4}`, string(st.Result))
	assert.Nil(t, st.Error)

	assert.ErrorIs(t, q.Complete(ctx, id, nil), ErrNotFound)
}

func TestMemoryQueue_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue()
	id, _ := q.Enqueue(ctx, textJob())

	got, _ := q.Get(ctx, id)
	got.State = StateFailed

	again, _ := q.Get(ctx, id)
	assert.Equal(t, StateWaiting, again.State)
}

func TestMemoryQueue_Remove(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue()

	waiting, _ := q.Enqueue(ctx, textJob())
	other, _ := q.Enqueue(ctx, docJob())

	require.NoError(t, q.Remove(ctx, waiting))
	_, err := q.Get(ctx, waiting)
	assert.ErrorIs(t, err, ErrNotFound)

	job, _ := q.Dequeue(ctx)
	require.Equal(t, other, job.ID)
	assert.ErrorIs(t, q.Remove(ctx, other), ErrNotWaiting)
	assert.ErrorIs(t, q.Remove(ctx, "missing"), ErrNotFound)

	next, _ := q.Dequeue(ctx)
	assert.Nil(t, next)
}

func TestMemoryQueue_Stats(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(Policy{MaxAttempts: 1})

	q.Enqueue(ctx, docJob())
	q.Enqueue(ctx, docJob())
	q.Enqueue(ctx, textJob())
	q.Enqueue(ctx, textJob())

	a, _ := q.Dequeue(ctx)
	b, _ := q.Dequeue(ctx)
	c, _ := q.Dequeue(ctx)
	q.Complete(ctx, a.ID, nil)
	final, _ := q.Fail(ctx, b.ID, errors.New("x"))
	assert.True(t, final)
	_ = c

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1, Active: 1, Completed: 1, Failed: 1}, s)
}

func TestMemoryQueue_Prune(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue()

	var ids []string
	for i := 0; i < 4; i++ {
		id, _ := q.Enqueue(ctx, textJob())
		job, _ := q.Dequeue(ctx)
		q.Complete(ctx, job.ID, nil)
		ids = append(ids, id)
		clock.Advance(time.Minute)
	}

	removed, err := q.Prune(ctx, Retention{KeepCompleted: 2, CompletedMaxAge: time.Hour, KeepFailed: 10, FailedMaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = q.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Get(ctx, ids[3])
	assert.NoError(t, err)

	clock.Advance(2 * time.Hour)
	removed, _ = q.Prune(ctx, DefaultRetention())
	assert.Equal(t, 0, removed)
	removed, _ = q.Prune(ctx, Retention{KeepCompleted: 100, CompletedMaxAge: time.Hour})
	assert.Equal(t, 2, removed)
}

func TestPolicy_Backoff(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
}
