package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

const chunkColumns = `id, document_id, account_id, opportunity_id, content, tokens, metadata, created_at`

// ChunkStore keeps chunks in document_chunks with a pgvector embedding column.
// Ranking uses the cosine distance operator, so an ivfflat or hnsw index on
// the column is picked up when present.
type ChunkStore struct {
	db *sql.DB
}

func NewChunkStore(db *sql.DB) *ChunkStore {
	return &ChunkStore{db: db}
}

// InsertChunks bulk-loads chunks with COPY inside one transaction, so a batch
// is stored entirely or not at all.
func (s *ChunkStore) InsertChunks(ctx context.Context, chunks []vector.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("document_chunks",
		"id", "document_id", "account_id", "opportunity_id", "content", "embedding", "tokens", "metadata"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, nullable(c.DocumentID), nullable(c.AccountID), nullable(c.OpportunityID),
			c.Content, pgvector.NewVector(c.Embedding), c.Tokens, string(meta)); err != nil {
			stmt.Close()
			return fmt.Errorf("copy chunk %d: %w", i, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ChunkStore) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	return s.exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
}

func (s *ChunkStore) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	return s.exec(ctx, `DELETE FROM document_chunks WHERE metadata->>'jobId' = $1`, jobID)
}

func (s *ChunkStore) DeleteAll(ctx context.Context) (int, error) {
	return s.exec(ctx, `DELETE FROM document_chunks`)
}

func (s *ChunkStore) ListByDocument(ctx context.Context, documentID string) ([]vector.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM document_chunks WHERE document_id = $1
		ORDER BY (metadata->>'chunkIndex')::int NULLS LAST, created_at`
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []vector.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *ChunkStore) Search(ctx context.Context, embedding []float32, limit int, f vector.Filters) ([]vector.Match, error) {
	args := []any{pgvector.NewVector(embedding)}
	var conds []string
	add := func(expr, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	add("account_id = $%d", f.AccountID)
	add("opportunity_id = $%d", f.OpportunityID)
	add("metadata->>'sourceType' = $%d", f.SourceType)

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s, embedding <=> $1 AS distance FROM document_chunks %s ORDER BY embedding <=> $1 LIMIT $%d`,
		chunkColumns, where, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var m vector.Match
		c, err := scanChunk(rows, &m.Distance)
		if err != nil {
			return nil, err
		}
		m.Chunk = c
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *ChunkStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&n)
	return n, err
}

func (s *ChunkStore) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanChunk(rows *sql.Rows, extra ...any) (vector.Chunk, error) {
	var (
		c                   vector.Chunk
		docID, accID, oppID sql.NullString
		meta                []byte
	)
	dest := append([]any{&c.ID, &docID, &accID, &oppID, &c.Content, &c.Tokens, &meta, &c.CreatedAt}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return c, err
	}
	c.DocumentID = docID.String
	c.AccountID = accID.String
	c.OpportunityID = oppID.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return c, fmt.Errorf("decode chunk metadata: %w", err)
		}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return c, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
