package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

var chunkColumnNames = []string{"id", "document_id", "account_id", "opportunity_id", "content", "tokens", "metadata", "created_at"}

func TestChunkStore_InsertChunks(t *testing.T) {
	ctx := context.Background()

	t.Run("Copies In One Transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		chunks := []vector.Chunk{
			{DocumentID: "doc-1", AccountID: "acc-1", Content: "first", Embedding: []float32{0.1, 0.2}, Tokens: 2, Metadata: map[string]any{"chunkIndex": 0}},
			{DocumentID: "doc-1", Content: "second", Embedding: []float32{0.3, 0.4}, Tokens: 3, Metadata: map[string]any{"chunkIndex": 1}},
		}

		mock.ExpectBegin()
		prep := mock.ExpectPrepare(regexp.QuoteMeta(`COPY "document_chunks"`))
		prep.ExpectExec().
			WithArgs(sqlmock.AnyArg(), "doc-1", "acc-1", nil, "first", "[0.1,0.2]", 2, `{"chunkIndex":0}`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().
			WithArgs(sqlmock.AnyArg(), "doc-1", nil, nil, "second", "[0.3,0.4]", 3, `{"chunkIndex":1}`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		require.NoError(t, NewChunkStore(db).InsertChunks(ctx, chunks))
		assert.NotEmpty(t, chunks[0].ID)
		assert.NotEqual(t, chunks[0].ID, chunks[1].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Rolls Back On Failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		prep := mock.ExpectPrepare(regexp.QuoteMeta(`COPY "document_chunks"`))
		prep.ExpectExec().WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err = NewChunkStore(db).InsertChunks(ctx, []vector.Chunk{{Content: "x", Embedding: []float32{1}}})
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Empty Is No-op", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		assert.NoError(t, NewChunkStore(db).InsertChunks(ctx, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestChunkStore_Deletes(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewChunkStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM document_chunks WHERE document_id = $1`)).
		WithArgs("doc-1").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM document_chunks WHERE metadata->>'jobId' = $1`)).
		WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM document_chunks`)).
		WillReturnResult(sqlmock.NewResult(0, 9))

	n, err := store.DeleteByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = store.DeleteByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkStore_ListByDocument(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY (metadata->>'chunkIndex')::int NULLS LAST`)).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(chunkColumnNames).
			AddRow("c1", "doc-1", nil, nil, "first", 5, []byte(`{"chunkIndex":0}`), now).
			AddRow("c2", "doc-1", "acc-1", nil, "second", 6, nil, now))

	chunks, err := NewChunkStore(db).ListByDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex())
	assert.Equal(t, "", chunks[0].AccountID)
	assert.Equal(t, "acc-1", chunks[1].AccountID)
	assert.NotNil(t, chunks[1].Metadata)
}

func TestChunkStore_Search(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	cols := append(append([]string{}, chunkColumnNames...), "distance")

	t.Run("No Filters", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(`embedding <=> $1 AS distance FROM document_chunks  ORDER BY embedding <=> $1 LIMIT $2`)).
			WithArgs("[1,0]", 10).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("c1", "doc-1", nil, nil, "close", 3, []byte(`{}`), now, 0.1).
				AddRow("c2", nil, nil, nil, "far", 3, []byte(`{}`), now, 0.5))

		matches, err := NewChunkStore(db).Search(ctx, []float32{1, 0}, 10, vector.Filters{})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "c1", matches[0].ID)
		assert.Equal(t, 0.9, matches[0].Similarity())
		assert.Equal(t, "", matches[1].DocumentID)
	})

	t.Run("Filters Become Predicates", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(`WHERE account_id = $2 AND metadata->>'sourceType' = $3 ORDER BY embedding <=> $1 LIMIT $4`)).
			WithArgs("[1,0]", "acc-1", "pdf", 5).
			WillReturnRows(sqlmock.NewRows(cols))

		matches, err := NewChunkStore(db).Search(ctx, []float32{1, 0}, 5, vector.Filters{AccountID: "acc-1", SourceType: "pdf"})
		require.NoError(t, err)
		assert.Empty(t, matches)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestChunkStore_Count(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM document_chunks`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	n, err := NewChunkStore(db).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}
