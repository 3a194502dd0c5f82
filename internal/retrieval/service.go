package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bzconsulting24/quartermaster-sub001/internal/embedding"
	"github.com/bzconsulting24/quartermaster-sub001/internal/middleware"
	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

const (
	DefaultTopK = 10
	DefaultCap  = 50
)

var ErrEmptyQuery = fmt.Errorf("%w: query is required", embedding.ErrValidation)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) (*embedding.Result, error)
}

// DocumentResetter returns every document to PENDING with no chunks.
type DocumentResetter interface {
	ResetAll(ctx context.Context) (int, error)
}

type Request struct {
	Query         string `json:"query"`
	TopK          int    `json:"topK"`
	AccountID     string `json:"accountId,omitempty"`
	OpportunityID string `json:"opportunityId,omitempty"`
	SourceType    string `json:"sourceType,omitempty"`
}

type Result struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Similarity  float64        `json:"similarity"`
	Tokens      int            `json:"tokens"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
	Document    *Entity        `json:"document"`
	Account     *Entity        `json:"account"`
	Opportunity *Entity        `json:"opportunity"`
}

type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Count   int      `json:"count"`
}

type ReindexSummary struct {
	Message        string `json:"message"`
	DeletedChunks  int    `json:"deletedChunks"`
	ResetDocuments int    `json:"resetDocuments"`
	Note           string `json:"note"`
}

type Service struct {
	embedder  Embedder
	store     vector.ChunkStore
	entities  EntityLookup
	documents DocumentResetter
	logger    *QueryLogger
	topKCap   int
}

func NewService(e Embedder, s vector.ChunkStore, entities EntityLookup, docs DocumentResetter, l *QueryLogger, topKCap int) *Service {
	if topKCap < 1 {
		topKCap = DefaultCap
	}
	return &Service{embedder: e, store: s, entities: entities, documents: docs, logger: l, topKCap: topKCap}
}

// Query embeds the query text and returns the nearest chunks, most similar
// first, after the equality filters are applied.
func (s *Service) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}

	for name, id := range map[string]string{"accountId": req.AccountID, "opportunityId": req.OpportunityID} {
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: %s must be a UUID", embedding.ErrValidation, name)
		}
	}

	topK := s.clampTopK(req.TopK)
	filters := vector.Filters{AccountID: req.AccountID, OpportunityID: req.OpportunityID, SourceType: req.SourceType}

	emb, err := s.embedder.GenerateEmbedding(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := s.store.Search(ctx, emb.Embedding, topK, filters)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > topK {
		matches = matches[:topK]
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{
			ID:         m.ID,
			Content:    m.Content,
			Similarity: m.Similarity(),
			Tokens:     m.Tokens,
			Metadata:   m.Metadata,
			CreatedAt:  m.CreatedAt,
		}
	}
	s.enrich(ctx, matches, results)

	if s.logger != nil {
		entry := QueryLogEntry{
			Query:         req.Query,
			TopK:          topK,
			Filters:       filters,
			NumResults:    len(results),
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if len(results) > 0 {
			entry.TopSimilarity = results[0].Similarity
		}
		s.logger.Log(entry)
	}

	return &Response{Query: req.Query, Results: results, Count: len(results)}, nil
}

// enrich attaches owning entities. A failed lookup leaves the fields null.
func (s *Service) enrich(ctx context.Context, matches []vector.Match, results []Result) {
	if s.entities == nil || len(matches) == 0 {
		return
	}

	var docIDs, accIDs, oppIDs []string
	for _, m := range matches {
		docIDs = appendID(docIDs, m.DocumentID)
		accIDs = appendID(accIDs, m.AccountID)
		oppIDs = appendID(oppIDs, m.OpportunityID)
	}

	docs := s.lookup(ctx, EntityDocument, docIDs)
	accs := s.lookup(ctx, EntityAccount, accIDs)
	opps := s.lookup(ctx, EntityOpportunity, oppIDs)

	for i, m := range matches {
		results[i].Document = docs[m.DocumentID]
		results[i].Account = accs[m.AccountID]
		results[i].Opportunity = opps[m.OpportunityID]
	}
}

func (s *Service) lookup(ctx context.Context, kind EntityKind, ids []string) map[string]*Entity {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.entities.Lookup(ctx, kind, ids)
	if err != nil {
		slog.WarnContext(ctx, "entity lookup failed", "kind", kind, "error", err)
		return nil
	}
	return found
}

func appendID(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (s *Service) clampTopK(k int) int {
	if k == 0 {
		k = DefaultTopK
	}
	if k < 1 {
		k = 1
	}
	if k > s.topKCap {
		k = s.topKCap
	}
	return k
}

// ReindexAll deletes every chunk and resets every document. It cannot be
// undone and has no selective mode.
func (s *Service) ReindexAll(ctx context.Context) (*ReindexSummary, error) {
	deleted, err := s.store.DeleteAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}
	reset, err := s.documents.ResetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset documents: %w", err)
	}

	slog.WarnContext(ctx, "all embeddings deleted", "deleted_chunks", deleted, "reset_documents", reset)
	return &ReindexSummary{
		Message:        "All embeddings deleted and documents reset",
		DeletedChunks:  deleted,
		ResetDocuments: reset,
		Note:           "Documents must be re-queued for embedding with their content",
	}, nil
}
