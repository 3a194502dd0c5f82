package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bzconsulting24/quartermaster-sub001/internal/embedding"
	"github.com/bzconsulting24/quartermaster-sub001/internal/text"
)

const (
	DefaultModel = "gemini-embedding-001"

	// batchEmbedContents accepts at most 100 requests.
	maxBatchSize = 100
)

// modelWidths are the native output sizes of the published embedding models.
var modelWidths = map[string]int{
	"gemini-embedding-001": 3072,
	"text-embedding-004":   768,
	"embedding-001":        768,
}

type Embedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewEmbedder builds a Gemini provider whose vectors are cut to dimensions
// (0 keeps the native width). Known models narrower than dimensions are
// rejected here rather than on the first job.
func NewEmbedder(ctx context.Context, apiKey, model string, dimensions int, opts ...option.ClientOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini api key not configured", embedding.ErrConfiguration)
	}
	if model == "" {
		model = DefaultModel
	}
	if width, ok := modelWidths[model]; ok && dimensions > width {
		return nil, fmt.Errorf("%w: %s produces %d dimensions, %d configured", embedding.ErrConfiguration, model, width, dimensions)
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: model, dimensions: dimensions}, nil
}

func (e *Embedder) Name() string { return "gemini" }

func (e *Embedder) MaxBatchSize() int { return maxBatchSize }

func (e *Embedder) Close() error {
	return e.client.Close()
}

// Embed sends texts as one batch. Gemini answers positionally and reports no
// usage, so tokens are estimated from the input.
func (e *Embedder) Embed(ctx context.Context, texts []string) (*embedding.ProviderResponse, error) {
	slog.DebugContext(ctx, "embedding content", "model", e.model, "count", len(texts))

	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	tokens := 0
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
		tokens += text.EstimateTokens(t)
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "error", err)
		perr := &embedding.ProviderError{Provider: e.Name(), Err: err}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			perr.StatusCode = gerr.Code
		}
		return nil, perr
	}

	out := &embedding.ProviderResponse{
		Items:       make([]embedding.Item, 0, len(res.Embeddings)),
		TotalTokens: tokens,
	}
	for i, ce := range res.Embeddings {
		if ce == nil {
			continue
		}
		out.Items = append(out.Items, embedding.Item{Index: i, Embedding: e.fit(ce.Values)})
	}
	return out, nil
}

// fit keeps the leading dimensions of a Matryoshka-trained vector and
// rescales it to unit length. Shorter vectors pass through unchanged and are
// rejected by the client's dimension check.
func (e *Embedder) fit(v []float32) []float32 {
	if e.dimensions <= 0 || len(v) <= e.dimensions {
		return v
	}
	out := make([]float32, e.dimensions)
	copy(out, v[:e.dimensions])

	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	norm := float32(math.Sqrt(sum))
	for i := range out {
		out[i] /= norm
	}
	return out
}
