// Package embedding turns text into vectors through pluggable providers.
// A Chain tries providers in priority order, batches large inputs and keeps
// per-provider health and usage.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Usage reports what one provider call consumed.
type Usage struct {
	Tokens int
}

// Provider produces vector embeddings for text.
type Provider interface {
	Name() string
	Model() string
	Dimensions() int
	// MaxBatchSize is the largest number of texts accepted by one EmbedBatch call.
	MaxBatchSize() int
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error)
	Close() error
}

// Provider types understood by NewProvider.
const (
	TypeMock   = "mock"
	TypeOpenAI = "openai"
	TypeONNX   = "onnx"
)

// Spec describes one configured provider.
type Spec struct {
	Name         string
	Type         string
	Endpoint     string
	AuthToken    string
	Model        string
	MaxBatchSize int
	Dimension    int
	Timeout      time.Duration
	// RateLimit is requests per second; 0 disables throttling.
	RateLimit float64
	// ModelPath and MaxTokens apply to local ONNX models.
	ModelPath string
	MaxTokens int
}

// NewProvider builds a provider from spec.
func NewProvider(spec Spec) (Provider, error) {
	switch strings.ToLower(spec.Type) {
	case TypeMock, "":
		return NewMockProvider(spec.Name, spec.Dimension), nil
	case TypeOpenAI, "siliconflow", "ollama":
		return NewOpenAIProvider(spec)
	case TypeONNX:
		return NewONNXProvider(spec)
	default:
		return nil, fmt.Errorf("unsupported embedding provider type %q", spec.Type)
	}
}

func batchSize(n int) int {
	if n <= 0 || n > DefaultMaxBatchSize {
		return DefaultMaxBatchSize
	}
	return n
}
