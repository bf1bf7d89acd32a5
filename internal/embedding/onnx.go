//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/ruiji/pkg/utils"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// ONNXProvider runs a local sentence-embedding model through ONNX Runtime.
// It requires CGO and the onnxruntime shared library.
type ONNXProvider struct {
	name       string
	modelPath  string
	dimensions int
	maxTokens  int
	tokenizer  Tokenizer

	session             *ort.AdvancedSession
	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	tokenTypeIDsTensor  *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
	// the session reuses its tensors, so runs are serialized
	mu sync.Mutex
}

// NewONNXProvider loads spec.ModelPath. InitializeEnvironment is called if not already done.
func NewONNXProvider(spec Spec) (*ONNXProvider, error) {
	if spec.ModelPath == "" {
		return nil, fmt.Errorf("onnx provider %s: model_path is required", spec.Name)
	}
	if spec.Dimension <= 0 {
		return nil, fmt.Errorf("onnx provider %s: dimension must be positive", spec.Name)
	}
	ortInitOnce.Do(func() { ortInitErr = ort.InitializeEnvironment() })
	if ortInitErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", ortInitErr)
	}
	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	p := &ONNXProvider{
		name:       spec.Name,
		modelPath:  spec.ModelPath,
		dimensions: spec.Dimension,
		maxTokens:  maxTokens,
		tokenizer:  &SimpleTokenizer{},
	}
	if p.name == "" {
		p.name = TypeONNX
	}
	if err := p.init(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *ONNXProvider) init() error {
	var err error
	inputIDs, attentionMask, tokenTypeIDs := p.tokenizer.Tokenize("", p.maxTokens)
	shape := ort.NewShape(1, int64(p.maxTokens))
	if p.inputIDsTensor, err = ort.NewTensor(shape, inputIDs); err != nil {
		return fmt.Errorf("create input_ids tensor: %w", err)
	}
	if p.attentionMaskTensor, err = ort.NewTensor(shape, attentionMask); err != nil {
		return fmt.Errorf("create attention_mask tensor: %w", err)
	}
	if p.tokenTypeIDsTensor, err = ort.NewTensor(shape, tokenTypeIDs); err != nil {
		return fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	if p.outputTensor, err = ort.NewTensor(ort.NewShape(1, int64(p.dimensions)), make([]float32, p.dimensions)); err != nil {
		return fmt.Errorf("create output tensor: %w", err)
	}
	p.session, err = ort.NewAdvancedSession(
		p.modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"output"},
		[]ort.ArbitraryTensor{p.inputIDsTensor, p.attentionMaskTensor, p.tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{p.outputTensor},
		nil,
	)
	if err != nil {
		return fmt.Errorf("create onnx session: %w", err)
	}
	return nil
}

func (p *ONNXProvider) Name() string      { return p.name }
func (p *ONNXProvider) Model() string     { return p.modelPath }
func (p *ONNXProvider) Dimensions() int   { return p.dimensions }
func (p *ONNXProvider) MaxBatchSize() int { return DefaultMaxBatchSize }

func (p *ONNXProvider) embed(text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inputIDs, attentionMask, tokenTypeIDs := p.tokenizer.Tokenize(text, p.maxTokens)
	copy(p.inputIDsTensor.GetData(), inputIDs)
	copy(p.attentionMaskTensor.GetData(), attentionMask)
	copy(p.tokenTypeIDsTensor.GetData(), tokenTypeIDs)
	if err := p.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	out := make([]float32, p.dimensions)
	copy(out, p.outputTensor.GetData())
	utils.NormalizeL2(out)
	return out, nil
}

// EmbedBatch runs inference text by text, stopping early when ctx is done.
func (p *ONNXProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	out := make([][]float32, len(texts))
	var usage Usage
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, Usage{}, err
		}
		v, err := p.embed(text)
		if err != nil {
			return nil, Usage{}, err
		}
		out[i] = v
		usage.Tokens += EstimateTokens(text)
	}
	return out, usage, nil
}

// Close destroys the session and tensors.
func (p *ONNXProvider) Close() error {
	var err error
	if p.session != nil {
		err = p.session.Destroy()
		p.session = nil
	}
	for _, t := range []*ort.Tensor[int64]{p.inputIDsTensor, p.attentionMaskTensor, p.tokenTypeIDsTensor} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if p.outputTensor != nil {
		_ = p.outputTensor.Destroy()
	}
	p.inputIDsTensor, p.attentionMaskTensor, p.tokenTypeIDsTensor, p.outputTensor = nil, nil, nil, nil
	return err
}
