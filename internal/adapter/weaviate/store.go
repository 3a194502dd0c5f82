package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

// listLimit matches Weaviate's default QUERY_MAXIMUM_RESULTS.
const listLimit = 10000

// Store keeps chunks as DocumentChunk objects with caller-supplied vectors.
type Store struct {
	client *weaviate.Client
	schema schemaAPI
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client, schema: schemaAPI{client: client}}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, s.schema)
}

func (s *Store) InsertChunks(ctx context.Context, chunks []vector.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	objs := make([]*models.Object, 0, len(chunks))
	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		objs = append(objs, &models.Object{
			Class: vector.ClassName,
			ID:    strfmt.UUID(c.ID),
			Properties: map[string]interface{}{
				"content":       c.Content,
				"documentId":    c.DocumentID,
				"accountId":     c.AccountID,
				"opportunityId": c.OpportunityID,
				"sourceType":    metaString(c.Metadata, "sourceType"),
				"jobId":         metaString(c.Metadata, "jobId"),
				"chunkIndex":    c.ChunkIndex(),
				"tokens":        c.Tokens,
				"metadata":      string(meta),
				"createdAt":     c.CreatedAt.Format(time.RFC3339Nano),
			},
			Vector: c.Embedding,
		})
	}

	res, err := s.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
	if err != nil {
		return err
	}

	var msgs []string
	for _, r := range res {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, e := range r.Result.Errors.Error {
			msgs = append(msgs, e.Message)
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("batch insert failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func (s *Store) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	return s.deleteWhere(ctx, equal("documentId", documentID))
}

func (s *Store) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	return s.deleteWhere(ctx, equal("jobId", jobID))
}

// DeleteAll drops and recreates the class.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.schema.dropClass(ctx, vector.ClassName); err != nil {
		return 0, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListByDocument(ctx context.Context, documentID string) ([]vector.Chunk, error) {
	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithWhere(equal("documentId", documentID)).
		WithLimit(listLimit).
		WithFields(chunkFields(false)...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	var chunks []vector.Chunk
	for _, props := range getObjects(res.Data) {
		chunks = append(chunks, parseChunk(props))
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex() < chunks[j].ChunkIndex()
	})
	return chunks, nil
}

func (s *Store) Search(ctx context.Context, embedding []float32, limit int, f vector.Filters) ([]vector.Match, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(embedding)

	get := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(limit).
		WithFields(chunkFields(true)...)

	var conds []*filters.WhereBuilder
	if f.AccountID != "" {
		conds = append(conds, equal("accountId", f.AccountID))
	}
	if f.OpportunityID != "" {
		conds = append(conds, equal("opportunityId", f.OpportunityID))
	}
	if f.SourceType != "" {
		conds = append(conds, equal("sourceType", f.SourceType))
	}
	switch len(conds) {
	case 0:
	case 1:
		get = get.WithWhere(conds[0])
	default:
		get = get.WithWhere(filters.Where().WithOperator(filters.And).WithOperands(conds))
	}

	res, err := get.Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	var matches []vector.Match
	for _, props := range getObjects(res.Data) {
		m := vector.Match{Chunk: parseChunk(props)}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := additional["distance"].(float64); ok {
				m.Distance = d
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	list, ok := agg[vector.ClassName].([]interface{})
	if !ok || len(list) == 0 {
		return 0, nil
	}
	first, _ := list[0].(map[string]interface{})
	meta, _ := first["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func (s *Store) deleteWhere(ctx context.Context, where *filters.WhereBuilder) (int, error) {
	res, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if res == nil || res.Results == nil {
		return 0, nil
	}
	return int(res.Results.Successful), nil
}

func equal(path, value string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{path}).
		WithOperator(filters.Equal).
		WithValueString(value)
}

func chunkFields(withDistance bool) []graphql.Field {
	additional := []graphql.Field{{Name: "id"}}
	if withDistance {
		additional = append(additional, graphql.Field{Name: "distance"})
	}
	return []graphql.Field{
		{Name: "content"},
		{Name: "documentId"},
		{Name: "accountId"},
		{Name: "opportunityId"},
		{Name: "tokens"},
		{Name: "metadata"},
		{Name: "createdAt"},
		{Name: "_additional", Fields: additional},
	}
}

func getObjects(data map[string]models.JSONObject) []map[string]interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[vector.ClassName].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if props, ok := r.(map[string]interface{}); ok {
			out = append(out, props)
		}
	}
	return out
}

func parseChunk(props map[string]interface{}) vector.Chunk {
	c := vector.Chunk{Metadata: map[string]any{}}
	c.Content, _ = props["content"].(string)
	c.DocumentID, _ = props["documentId"].(string)
	c.AccountID, _ = props["accountId"].(string)
	c.OpportunityID, _ = props["opportunityId"].(string)
	if tokens, ok := props["tokens"].(float64); ok {
		c.Tokens = int(tokens)
	}
	if meta, ok := props["metadata"].(string); ok && meta != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(meta), &m); err == nil && m != nil {
			c.Metadata = m
		}
	}
	if created, ok := props["createdAt"].(string); ok {
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	}
	if additional, ok := props["_additional"].(map[string]interface{}); ok {
		c.ID, _ = additional["id"].(string)
	}
	return c
}

func metaString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
