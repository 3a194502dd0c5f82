package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultMaxBatchSize    = 2048
	DefaultBatchDelay      = 100 * time.Millisecond
	DefaultRetryBaseDelay  = time.Second
	DefaultMaxRetries      = 3
	DefaultCostPer1KTokens = 0.00002
)

// Item is one embedding in a provider response. Index refers to the position
// of the text within the submitted batch.
type Item struct {
	Index     int
	Embedding []float32
}

type ProviderResponse struct {
	Items       []Item
	TotalTokens int
}

// Provider is the external embedding service. A response may list items in
// any order.
type Provider interface {
	Name() string
	Embed(ctx context.Context, texts []string) (*ProviderResponse, error)
}

// BatchLimiter is implemented by providers with a lower batch ceiling than
// the client default.
type BatchLimiter interface {
	MaxBatchSize() int
}

type Result struct {
	Embedding []float32
	Tokens    int
}

type BatchResult struct {
	// Embeddings[i] belongs to the i-th input text; blank inputs map to nil.
	Embeddings  [][]float32
	TotalTokens int
	Cost        float64
	Batches     int
}

type Client struct {
	provider        Provider
	maxBatchSize    int
	batchDelay      time.Duration
	retryBaseDelay  time.Duration
	costPer1KTokens float64
	dimensions      int
	sleep           Sleeper
	logger          *slog.Logger
}

type Option func(*Client)

func WithMaxBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBatchSize = n
		}
	}
}

func WithBatchDelay(d time.Duration) Option {
	return func(c *Client) { c.batchDelay = d }
}

func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.retryBaseDelay = d }
}

func WithCostPer1KTokens(cost float64) Option {
	return func(c *Client) { c.costPer1KTokens = cost }
}

// WithDimensions enforces a fixed vector length on every response.
func WithDimensions(d int) Option {
	return func(c *Client) { c.dimensions = d }
}

func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(p Provider, opts ...Option) (*Client, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: embedding provider required", ErrConfiguration)
	}
	c := &Client{
		provider:        p,
		maxBatchSize:    DefaultMaxBatchSize,
		batchDelay:      DefaultBatchDelay,
		retryBaseDelay:  DefaultRetryBaseDelay,
		costPer1KTokens: DefaultCostPer1KTokens,
		sleep:           sleepContext,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if bl, ok := p.(BatchLimiter); ok && bl.MaxBatchSize() > 0 && bl.MaxBatchSize() < c.maxBatchSize {
		c.maxBatchSize = bl.MaxBatchSize()
	}
	c.logger = c.logger.With("component", "embedding-client", "provider", p.Name())
	return c, nil
}

// EstimateCost converts a token count into the configured currency estimate.
func (c *Client) EstimateCost(tokens int) float64 {
	return float64(tokens) / 1000 * c.costPer1KTokens
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text must not be empty", ErrValidation)
	}

	resp, err := c.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(resp.Items) != 1 {
		return nil, &ProviderError{Provider: c.provider.Name(), Err: fmt.Errorf("expected 1 embedding, got %d", len(resp.Items))}
	}
	if err := c.checkDimensions(resp.Items[0].Embedding); err != nil {
		return nil, err
	}
	return &Result{Embedding: resp.Items[0].Embedding, Tokens: resp.TotalTokens}, nil
}

// GenerateEmbeddingWithRetry makes up to maxRetries attempts, waiting
// 1x, 2x, 4x... the base delay between them.
func (c *Client) GenerateEmbeddingWithRetry(ctx context.Context, text string, maxRetries int) (*Result, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	var res *Result
	err := retryWithBackoff(ctx, c.sleep, maxRetries, c.retryBaseDelay, func() error {
		var err error
		res, err = c.GenerateEmbedding(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GenerateEmbeddingsBatch embeds texts in provider-sized batches, one call per
// batch with a fixed pause between calls. Each batch response is placed by
// its declared item index, so output order always follows input order.
func (c *Client) GenerateEmbeddingsBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	positions := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		positions = append(positions, i)
		inputs = append(inputs, t)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no non-empty texts to embed", ErrValidation)
	}

	out := &BatchResult{Embeddings: make([][]float32, len(texts))}

	for start := 0; start < len(inputs); start += c.maxBatchSize {
		end := start + c.maxBatchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		if start > 0 {
			if err := c.sleep(ctx, c.batchDelay); err != nil {
				return nil, err
			}
		}

		batch := inputs[start:end]
		c.logger.DebugContext(ctx, "embedding batch", "batch", out.Batches+1, "size", len(batch))

		resp, err := c.provider.Embed(ctx, batch)
		if err != nil {
			return nil, err
		}

		ordered, err := c.orderBatch(batch, resp)
		if err != nil {
			return nil, err
		}
		for i, vec := range ordered {
			out.Embeddings[positions[start+i]] = vec
		}

		out.TotalTokens += resp.TotalTokens
		out.Batches++
	}

	out.Cost = c.EstimateCost(out.TotalTokens)
	c.logger.InfoContext(ctx, "batch embedding complete", "texts", len(inputs), "batches", out.Batches, "tokens", out.TotalTokens, "cost", out.Cost)
	return out, nil
}

func (c *Client) orderBatch(batch []string, resp *ProviderResponse) ([][]float32, error) {
	if len(resp.Items) != len(batch) {
		return nil, &ProviderError{Provider: c.provider.Name(), Err: fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Items))}
	}

	ordered := make([][]float32, len(batch))
	for _, item := range resp.Items {
		if item.Index < 0 || item.Index >= len(batch) {
			return nil, &ProviderError{Provider: c.provider.Name(), Err: fmt.Errorf("embedding index %d out of range", item.Index)}
		}
		if ordered[item.Index] != nil {
			return nil, &ProviderError{Provider: c.provider.Name(), Err: fmt.Errorf("duplicate embedding index %d", item.Index)}
		}
		if err := c.checkDimensions(item.Embedding); err != nil {
			return nil, err
		}
		ordered[item.Index] = item.Embedding
	}
	return ordered, nil
}

func (c *Client) checkDimensions(vec []float32) error {
	if len(vec) == 0 {
		return &ProviderError{Provider: c.provider.Name(), Err: fmt.Errorf("empty embedding received")}
	}
	if c.dimensions > 0 && len(vec) != c.dimensions {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, c.dimensions, len(vec))
	}
	return nil
}
