//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

var errONNXUnavailable = errors.New("ONNX provider requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXProvider is unavailable without CGO (see onnx.go for the real implementation).
type ONNXProvider struct{}

// NewONNXProvider returns an error when built without CGO.
func NewONNXProvider(_ Spec) (*ONNXProvider, error) {
	return nil, errONNXUnavailable
}

func (p *ONNXProvider) Name() string      { return TypeONNX }
func (p *ONNXProvider) Model() string     { return "" }
func (p *ONNXProvider) Dimensions() int   { return 0 }
func (p *ONNXProvider) MaxBatchSize() int { return DefaultMaxBatchSize }
func (p *ONNXProvider) Close() error      { return nil }

func (p *ONNXProvider) EmbedBatch(_ context.Context, _ []string) ([][]float32, Usage, error) {
	return nil, Usage{}, errONNXUnavailable
}
