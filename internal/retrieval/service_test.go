package retrieval_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bzconsulting24/quartermaster-sub001/internal/embedding"
	"github.com/bzconsulting24/quartermaster-sub001/internal/retrieval"
	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) GenerateEmbedding(ctx context.Context, text string) (*embedding.Result, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*embedding.Result), args.Error(1)
}

type MockLookup struct{ mock.Mock }

func (m *MockLookup) Lookup(ctx context.Context, kind retrieval.EntityKind, ids []string) (map[string]*retrieval.Entity, error) {
	args := m.Called(ctx, kind, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*retrieval.Entity), args.Error(1)
}

type MockResetter struct{ mock.Mock }

func (m *MockResetter) ResetAll(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

const (
	accountOne      = "0b6f2f3a-5c1e-4e7a-9a51-3f0c6d2b1a01"
	accountTwo      = "0b6f2f3a-5c1e-4e7a-9a51-3f0c6d2b1a02"
	opportunityNine = "7d3e9c41-2a8b-4f6d-8e10-5b2c4a9f0e09"
)

func seededStore(t *testing.T) *vector.MemoryStore {
	t.Helper()
	s := vector.NewMemoryStore()
	require.NoError(t, s.InsertChunks(context.Background(), []vector.Chunk{
		{DocumentID: "doc-1", AccountID: accountOne, Content: "exact", Embedding: []float32{1, 0, 0}, Metadata: map[string]any{"sourceType": "pdf"}},
		{DocumentID: "doc-1", AccountID: accountOne, Content: "close", Embedding: []float32{1, 1, 0}, Metadata: map[string]any{"sourceType": "pdf"}},
		{AccountID: accountTwo, OpportunityID: opportunityNine, Content: "far", Embedding: []float32{0, 0, 1}, Metadata: map[string]any{"sourceType": "text"}},
	}))
	return s
}

func TestService_Query(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		req   retrieval.Request
		setup func(*MockLookup)
		check func(*testing.T, *retrieval.Response)
	}{
		{
			name: "Ranks By Similarity And Enriches",
			req:  retrieval.Request{Query: "pricing", TopK: 2},
			setup: func(l *MockLookup) {
				l.On("Lookup", mock.Anything, retrieval.EntityDocument, []string{"doc-1"}).
					Return(map[string]*retrieval.Entity{"doc-1": {ID: "doc-1", Name: "Proposal.pdf", Type: "pdf"}}, nil)
				l.On("Lookup", mock.Anything, retrieval.EntityAccount, []string{accountOne}).
					Return(map[string]*retrieval.Entity{}, nil)
			},
			check: func(t *testing.T, resp *retrieval.Response) {
				require.Equal(t, 2, resp.Count)
				assert.Equal(t, "exact", resp.Results[0].Content)
				assert.Equal(t, 1.0, resp.Results[0].Similarity)
				assert.Equal(t, 0.7071, resp.Results[1].Similarity)
				assert.Equal(t, "Proposal.pdf", resp.Results[0].Document.Name)
				assert.Nil(t, resp.Results[0].Account)
				assert.Nil(t, resp.Results[0].Opportunity)
			},
		},
		{
			name: "Filters Before Ranking",
			req:  retrieval.Request{Query: "pricing", SourceType: "text"},
			setup: func(l *MockLookup) {
				l.On("Lookup", mock.Anything, retrieval.EntityAccount, []string{accountTwo}).
					Return(map[string]*retrieval.Entity{accountTwo: {ID: accountTwo, Name: "Globex"}}, nil)
				l.On("Lookup", mock.Anything, retrieval.EntityOpportunity, []string{opportunityNine}).
					Return(nil, errors.New("db down"))
			},
			check: func(t *testing.T, resp *retrieval.Response) {
				require.Equal(t, 1, resp.Count)
				assert.Equal(t, "far", resp.Results[0].Content)
				assert.Equal(t, "Globex", resp.Results[0].Account.Name)
				assert.Nil(t, resp.Results[0].Opportunity)
				assert.Nil(t, resp.Results[0].Document)
			},
		},
		{
			name:  "TopK Is Capped",
			req:   retrieval.Request{Query: "pricing", TopK: 500},
			setup: func(l *MockLookup) { l.On("Lookup", mock.Anything, mock.Anything, mock.Anything).Return(map[string]*retrieval.Entity{}, nil) },
			check: func(t *testing.T, resp *retrieval.Response) {
				assert.Equal(t, 2, resp.Count)
			},
		},
		{
			name: "Negative TopK Returns One",
			req:  retrieval.Request{Query: "pricing", TopK: -3},
			setup: func(l *MockLookup) {
				l.On("Lookup", mock.Anything, mock.Anything, mock.Anything).Return(map[string]*retrieval.Entity{}, nil)
			},
			check: func(t *testing.T, resp *retrieval.Response) {
				assert.Equal(t, 1, resp.Count)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := new(MockEmbedder)
			e.On("GenerateEmbedding", mock.Anything, tt.req.Query).Return(&embedding.Result{Embedding: []float32{1, 0, 0}, Tokens: 2}, nil)
			l := new(MockLookup)
			tt.setup(l)

			var logBuf bytes.Buffer
			svc := retrieval.NewService(e, seededStore(t), l, new(MockResetter), retrieval.NewQueryLogger(&logBuf), 2)

			resp, err := svc.Query(ctx, tt.req)
			require.NoError(t, err)
			tt.check(t, resp)

			for i := 1; i < len(resp.Results); i++ {
				assert.GreaterOrEqual(t, resp.Results[i-1].Similarity, resp.Results[i].Similarity)
			}
			assert.Contains(t, logBuf.String(), `"query":"pricing"`)
		})
	}
}

func TestService_Query_EmptyQuery(t *testing.T) {
	e := new(MockEmbedder)
	svc := retrieval.NewService(e, vector.NewMemoryStore(), nil, nil, nil, 0)

	_, err := svc.Query(context.Background(), retrieval.Request{Query: "   "})
	assert.ErrorIs(t, err, embedding.ErrValidation)
	e.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

func TestService_Query_ProviderError(t *testing.T) {
	e := new(MockEmbedder)
	e.On("GenerateEmbedding", mock.Anything, "q").Return(nil, &embedding.ProviderError{Provider: "openai", StatusCode: 500, Err: errors.New("boom")})
	svc := retrieval.NewService(e, vector.NewMemoryStore(), nil, nil, nil, 0)

	_, err := svc.Query(context.Background(), retrieval.Request{Query: "q"})
	var perr *embedding.ProviderError
	assert.ErrorAs(t, err, &perr)
}

func TestService_ReindexAll(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	r := new(MockResetter)
	r.On("ResetAll", mock.Anything).Return(4, nil)

	svc := retrieval.NewService(new(MockEmbedder), store, nil, r, nil, 0)
	summary, err := svc.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.DeletedChunks)
	assert.Equal(t, 4, summary.ResetDocuments)
	assert.NotEmpty(t, summary.Note)

	n, _ := store.Count(ctx)
	assert.Zero(t, n)
}

func TestHandler_Query(t *testing.T) {
	e := new(MockEmbedder)
	e.On("GenerateEmbedding", mock.Anything, "pricing").Return(&embedding.Result{Embedding: []float32{1, 0, 0}}, nil)
	svc := retrieval.NewService(e, seededStore(t), nil, nil, nil, 50)
	h := retrieval.NewHandler(svc)

	t.Run("Success", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Query(w, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"pricing","accountId":"`+accountOne+`"}`)))
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "pricing", body["query"])
		assert.EqualValues(t, 2, body["count"])
		first := body["results"].([]interface{})[0].(map[string]interface{})
		assert.Contains(t, first, "document")
		assert.Nil(t, first["document"])
		assert.EqualValues(t, 1, first["similarity"])
	})

	t.Run("Empty Query", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Query(w, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":""}`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Query text is required")
	})

	t.Run("Missing Query", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Query(w, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Invalid Filter Ids", func(t *testing.T) {
		for _, body := range []string{
			`{"query":"pricing","accountId":"acme"}`,
			`{"query":"pricing","opportunityId":"42"}`,
		} {
			w := httptest.NewRecorder()
			h.Query(w, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
			assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
			assert.Contains(t, w.Body.String(), "must be a UUID")
		}
	})
}

func TestHandler_ReindexAll(t *testing.T) {
	r := new(MockResetter)
	r.On("ResetAll", mock.Anything).Return(0, errors.New("db down"))
	h := retrieval.NewHandler(retrieval.NewService(new(MockEmbedder), vector.NewMemoryStore(), nil, r, nil, 0))

	w := httptest.NewRecorder()
	h.ReindexAll(w, httptest.NewRequest(http.MethodPost, "/reindex-all", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
