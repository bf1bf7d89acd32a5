package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/hyperjump/ruiji/pkg/utils"
)

// MockProvider is a deterministic offline provider. Each word is hashed into a
// few signed buckets so texts sharing words get similar vectors, and the same
// text always gets the same embedding.
type MockProvider struct {
	name       string
	dimensions int
}

// NewMockProvider returns a provider producing deterministic embeddings of the given dimensions.
func NewMockProvider(name string, dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 384
	}
	if name == "" {
		name = TypeMock
	}
	return &MockProvider{name: name, dimensions: dimensions}
}

func (p *MockProvider) Name() string      { return p.name }
func (p *MockProvider) Model() string     { return fmt.Sprintf("hash-%d", p.dimensions) }
func (p *MockProvider) Dimensions() int   { return p.dimensions }
func (p *MockProvider) MaxBatchSize() int { return DefaultMaxBatchSize }
func (p *MockProvider) Close() error      { return nil }

// Embed returns the embedding of a single text.
func (p *MockProvider) Embed(text string) []float32 {
	emb := make([]float32, p.dimensions)
	words := utils.Words(text)
	for _, w := range words {
		h := HashString(w)
		for k := uint64(0); k < 3; k++ {
			slot := (h >> (k * 16)) % uint64(p.dimensions)
			sign := float32(1)
			if (h>>(48+k))&1 == 1 {
				sign = -1
			}
			emb[slot] += sign
		}
	}
	if len(words) == 0 {
		h := HashString(text)
		for i := range emb {
			emb[i] = float32(math.Sin(float64(h%1000003)*float64(i+1))*0.1 + 0.01)
		}
	}
	utils.NormalizeL2(emb)
	return emb
}

// EmbedBatch embeds every text. It honours context cancellation between texts.
func (p *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	out := make([][]float32, len(texts))
	var usage Usage
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, Usage{}, err
		}
		out[i] = p.Embed(t)
		usage.Tokens += len(utils.Words(t))
	}
	return out, usage, nil
}
