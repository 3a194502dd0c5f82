package document

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Repository interface {
	Get(ctx context.Context, id string) (*Document, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, chunkCount int, embeddedAt time.Time) error
	MarkFailed(ctx context.Context, id string) error
	ResetForReindex(ctx context.Context, id string) error
	ResetAll(ctx context.Context) (int, error)
	SaveContent(ctx context.Context, id, content string) error
	Content(ctx context.Context, id string) (string, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Document, error) {
	d := &Document{}
	var embeddedAt sql.NullTime
	var accountID, opportunityID sql.NullString
	query := `SELECT id, name, type, embedding_status, chunk_count, embedded_at, account_id, opportunity_id FROM documents WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&d.ID, &d.Name, &d.SourceType, &d.EmbeddingStatus, &d.ChunkCount, &embeddedAt, &accountID, &opportunityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if embeddedAt.Valid {
		d.EmbeddedAt = &embeddedAt.Time
	}
	d.AccountID = accountID.String
	d.OpportunityID = opportunityID.String
	return d, nil
}

func (r *PostgresRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.update(ctx, `UPDATE documents SET embedding_status = 'PROCESSING' WHERE id = $1`, id)
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, chunkCount int, embeddedAt time.Time) error {
	query := `UPDATE documents SET embedding_status = 'COMPLETED', chunk_count = $2, embedded_at = $3 WHERE id = $1`
	return r.update(ctx, query, id, chunkCount, embeddedAt)
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id string) error {
	return r.update(ctx, `UPDATE documents SET embedding_status = 'FAILED' WHERE id = $1`, id)
}

func (r *PostgresRepo) ResetForReindex(ctx context.Context, id string) error {
	query := `UPDATE documents SET embedding_status = 'PENDING', chunk_count = 0, embedded_at = NULL WHERE id = $1`
	return r.update(ctx, query, id)
}

func (r *PostgresRepo) ResetAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE documents SET embedding_status = 'PENDING', chunk_count = 0, embedded_at = NULL`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresRepo) SaveContent(ctx context.Context, id, content string) error {
	return r.update(ctx, `UPDATE documents SET content = $2 WHERE id = $1`, id, content)
}

func (r *PostgresRepo) Content(ctx context.Context, id string) (string, error) {
	var content sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = $1`, id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !content.Valid || content.String == "" {
		return "", ErrNoContent
	}
	return content.String, nil
}

func (r *PostgresRepo) update(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
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
