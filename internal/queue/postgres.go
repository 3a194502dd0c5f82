package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, seq, kind, payload, priority, state, progress, attempts_made, max_attempts, result, error, created_at, started_at, finished_at, available_at`

// PostgresQueue stores jobs in the embedding_jobs table. Concurrent workers
// claim rows with FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	db     *sql.DB
	policy Policy
}

func NewPostgresQueue(db *sql.DB, policy Policy) *PostgresQueue {
	return &PostgresQueue{db: db, policy: policy.normalize()}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if err := job.Payload.Validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Priority == 0 {
		job.Priority = job.Kind.Priority()
	}
	job.MaxAttempts = q.policy.MaxAttempts
	job.State = StateWaiting

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	query := `INSERT INTO embedding_jobs (id, kind, payload, priority, max_attempts) VALUES ($1, $2, $3, $4, $5) RETURNING seq, created_at, available_at`
	err = q.db.QueryRowContext(ctx, query, job.ID, string(job.Kind), payload, job.Priority, job.MaxAttempts).
		Scan(&job.Seq, &job.CreatedAt, &job.AvailableAt)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Job, error) {
	query := `UPDATE embedding_jobs SET state = 'active', progress = 0, started_at = now()
		WHERE id = (
			SELECT id FROM embedding_jobs
			WHERE state = 'waiting' AND available_at <= now()
			ORDER BY priority, seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	job, err := scanJob(q.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (q *PostgresQueue) UpdateProgress(ctx context.Context, id string, percent int) error {
	query := `UPDATE embedding_jobs SET progress = $2 WHERE id = $1 AND state = 'active'`
	return q.execOne(ctx, query, id, percent)
}

func (q *PostgresQueue) Complete(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	query := `UPDATE embedding_jobs SET state = 'completed', progress = 100, result = $2, error = NULL, finished_at = now() WHERE id = $1 AND state = 'active'`
	return q.execOne(ctx, query, id, raw)
}

// Fail counts the attempt and either schedules the job again after the
// policy backoff or marks it failed for good.
func (q *PostgresQueue) Fail(ctx context.Context, id string, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query := `UPDATE embedding_jobs SET
			attempts_made = attempts_made + 1,
			error = $2,
			state = CASE WHEN attempts_made + 1 >= max_attempts THEN 'failed' ELSE 'waiting' END,
			available_at = now() + ($3 * power(2, attempts_made)) * interval '1 millisecond',
			finished_at = CASE WHEN attempts_made + 1 >= max_attempts THEN now() ELSE NULL END
		WHERE id = $1 AND state = 'active'
		RETURNING state`

	var state string
	err := q.db.QueryRowContext(ctx, query, id, msg, q.policy.BackoffBase.Milliseconds()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return State(state) == StateFailed, nil
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + jobColumns + ` FROM embedding_jobs WHERE id = $1`
	job, err := scanJob(q.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM embedding_jobs GROUP BY state`)
	if err != nil {
		return s, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return s, err
		}
		switch State(state) {
		case StateWaiting:
			s.Waiting = n
		case StateActive:
			s.Active = n
		case StateCompleted:
			s.Completed = n
		case StateFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}

func (q *PostgresQueue) Remove(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM embedding_jobs WHERE id = $1 AND state = 'waiting'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := q.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM embedding_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrNotWaiting
	}
	return ErrNotFound
}

// Prune removes finished jobs beyond the retention count or age.
func (q *PostgresQueue) Prune(ctx context.Context, r Retention) (int, error) {
	query := `DELETE FROM embedding_jobs WHERE id IN (
			SELECT id FROM (
				SELECT id, finished_at, row_number() OVER (ORDER BY finished_at DESC) AS rn
				FROM embedding_jobs WHERE state = $1
			) ranked
			WHERE ranked.rn > $2 OR ranked.finished_at < $3
		)`

	now := time.Now()
	total := 0
	for _, rule := range []struct {
		state  State
		keep   int
		maxAge time.Duration
	}{
		{StateCompleted, r.KeepCompleted, r.CompletedMaxAge},
		{StateFailed, r.KeepFailed, r.FailedMaxAge},
	} {
		res, err := q.db.ExecContext(ctx, query, string(rule.state), rule.keep, now.Add(-rule.maxAge))
		if err != nil {
			return total, fmt.Errorf("prune %s jobs: %w", rule.state, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// RecoverStalled puts jobs whose worker vanished back in line, or fails
// them once their attempts are spent.
func (q *PostgresQueue) RecoverStalled(ctx context.Context, stalledAfter time.Duration) (int, error) {
	query := `UPDATE embedding_jobs SET
			attempts_made = attempts_made + 1,
			error = $2,
			progress = 0,
			state = CASE WHEN attempts_made + 1 >= max_attempts THEN 'failed' ELSE 'waiting' END,
			available_at = now(),
			finished_at = CASE WHEN attempts_made + 1 >= max_attempts THEN now() ELSE NULL END
		WHERE state = 'active' AND started_at < now() - $1 * interval '1 millisecond'`

	res, err := q.db.ExecContext(ctx, query, stalledAfter.Milliseconds(), stalledMessage)
	if err != nil {
		return 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (q *PostgresQueue) execOne(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		kind       string
		state      string
		payload    []byte
		result     []byte
		errMsg     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Seq, &kind, &payload, &j.Priority, &state, &j.Progress, &j.AttemptsMade, &j.MaxAttempts,
		&result, &errMsg, &j.CreatedAt, &startedAt, &finishedAt, &j.AvailableAt)
	if err != nil {
		return nil, err
	}

	j.Kind = Kind(kind)
	j.State = State(state)
	j.Error = errMsg.String
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}

	p, err := DecodePayload(j.Kind, payload)
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", j.ID, err)
	}
	j.Payload = p
	return &j, nil
}
