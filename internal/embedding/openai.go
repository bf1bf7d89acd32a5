package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider calls any OpenAI-compatible /embeddings endpoint
// (OpenAI, SiliconFlow, Ollama, vLLM).
type OpenAIProvider struct {
	name       string
	client     *openai.Client
	model      string
	dimensions int
	maxBatch   int
}

// NewOpenAIProvider creates a provider for spec.Endpoint authenticated with spec.AuthToken.
func NewOpenAIProvider(spec Spec) (*OpenAIProvider, error) {
	if spec.Model == "" {
		return nil, errors.New("openai provider: model is required")
	}
	if spec.Dimension <= 0 {
		return nil, fmt.Errorf("openai provider %s: dimension must be positive", spec.Name)
	}
	cfg := openai.DefaultConfig(spec.AuthToken)
	if spec.Endpoint != "" {
		cfg.BaseURL = spec.Endpoint
	}
	if spec.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: spec.Timeout}
	}
	name := spec.Name
	if name == "" {
		name = TypeOpenAI
	}
	return &OpenAIProvider{
		name:       name,
		client:     openai.NewClientWithConfig(cfg),
		model:      spec.Model,
		dimensions: spec.Dimension,
		maxBatch:   batchSize(spec.MaxBatchSize),
	}, nil
}

func (p *OpenAIProvider) Name() string      { return p.name }
func (p *OpenAIProvider) Model() string     { return p.model }
func (p *OpenAIProvider) Dimensions() int   { return p.dimensions }
func (p *OpenAIProvider) MaxBatchSize() int { return p.maxBatch }
func (p *OpenAIProvider) Close() error      { return nil }

// EmbedBatch sends texts in one request and reorders the response by index.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	if len(texts) == 0 {
		return nil, Usage{}, errors.New("no texts provided for embedding")
	}
	if len(texts) > p.maxBatch {
		return nil, Usage{}, fmt.Errorf("batch of %d exceeds max batch size %d", len(texts), p.maxBatch)
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, Usage{}, fmt.Errorf("embedding response has %d vectors for %d texts", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, Usage{}, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		if len(d.Embedding) != p.dimensions {
			return nil, Usage{}, fmt.Errorf("embedding has dimension %d, expected %d", len(d.Embedding), p.dimensions)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, Usage{}, fmt.Errorf("embedding response missing index %d", i)
		}
	}
	return vectors, Usage{Tokens: resp.Usage.TotalTokens}, nil
}
