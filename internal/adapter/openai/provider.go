package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bzconsulting24/quartermaster-sub001/internal/embedding"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "text-embedding-3-small"
)

// Provider calls an OpenAI-compatible /embeddings endpoint.
type Provider struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	client     *http.Client
}

func NewProvider(apiKey, model string, dimensions int) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key not configured", embedding.ErrConfiguration)
	}
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		baseURL:    DefaultBaseURL,
		client:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (p *Provider) SetBaseURL(url string) {
	if url != "" {
		p.baseURL = url
	}
}

func (p *Provider) Name() string { return "openai" }

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) Embed(ctx context.Context, texts []string) (*embedding.ProviderResponse, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts, Dimensions: p.dimensions})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &embedding.ProviderError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &embedding.ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("openai api error: %s", bytes.TrimSpace(msg))}
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &embedding.ProviderError{Provider: p.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}

	out := &embedding.ProviderResponse{
		Items:       make([]embedding.Item, 0, len(result.Data)),
		TotalTokens: result.Usage.TotalTokens,
	}
	for _, d := range result.Data {
		out.Items = append(out.Items, embedding.Item{Index: d.Index, Embedding: d.Embedding})
	}
	return out, nil
}
