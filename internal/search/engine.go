// Package search dispatches the embed, search, cluster and compare operations
// onto the embedding chain, the retrieval index and the cluster engine.
package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/cluster"
	"github.com/hyperjump/ruiji/internal/config"
	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/retrieval"
	"github.com/hyperjump/ruiji/internal/vector"
	"github.com/hyperjump/ruiji/pkg/utils"
)

// Engine serves the semantic operations.
type Engine struct {
	chain    *embedding.Chain
	index    *retrieval.Index
	clusters *cluster.Engine
	search   config.SearchConfig
	cluster  config.ClusterConfig
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = utils.OrNop(l) }
}

// WithSearchConfig sets query defaults.
func WithSearchConfig(cfg config.SearchConfig) Option {
	return func(e *Engine) { e.search = cfg }
}

// WithClusterConfig sets clustering defaults.
func WithClusterConfig(cfg config.ClusterConfig) Option {
	return func(e *Engine) { e.cluster = cfg }
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(chain *embedding.Chain, index *retrieval.Index, clusters *cluster.Engine, opts ...Option) *Engine {
	defaults := &config.Config{}
	config.ApplyDefaults(defaults)
	e := &Engine{
		chain:    chain,
		index:    index,
		clusters: clusters,
		search:   defaults.Search,
		cluster:  defaults.Cluster,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Index returns the retrieval index.
func (e *Engine) Index() *retrieval.Index { return e.index }

// Clusters returns the cluster engine.
func (e *Engine) Clusters() *cluster.Engine { return e.clusters }

// Chain returns the embedding chain.
func (e *Engine) Chain() *embedding.Chain { return e.chain }

// Handle runs a decoded request and returns its response value.
func (e *Engine) Handle(ctx context.Context, req models.Request) (interface{}, error) {
	switch r := req.(type) {
	case *models.EmbedRequest:
		return e.Embed(ctx, r)
	case *models.SearchRequest:
		return e.Search(ctx, r)
	case *models.ClusterRequest:
		return e.Cluster(ctx, r)
	case *models.CompareRequest:
		return e.Compare(ctx, r)
	}
	return nil, models.InvalidArgumentf("unsupported request %T", req)
}

// Embed embeds the request texts. Partial failures are reported in the
// response, not as an error.
func (e *Engine) Embed(ctx context.Context, req *models.EmbedRequest) (*models.EmbedResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, err := e.chain.Embed(ctx, req.Texts, embedding.EmbedOptions{
		ProviderPreference: req.Provider,
		Model:              req.Model,
		Timeout:            time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return &models.EmbedResponse{
		Vectors:        res.Vectors,
		Provider:       res.Provider,
		ProviderUsed:   res.ProviderUsed,
		Model:          res.Model,
		Dimensions:     res.Dimensions,
		TokenUsage:     res.TokenUsage,
		FailedIndices:  res.FailedIndices,
		SkippedIndices: res.SkippedIndices,
		Partial:        res.Partial(),
		Success:        true,
	}, nil
}

// Search queries the retrieval index.
func (e *Engine) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	opts, err := ProcessQuery(req, &e.search)
	if err != nil {
		return nil, err
	}
	resp, err := e.index.Query(ctx, req.Query, opts)
	if err != nil {
		return nil, err
	}
	if resp.FallbackUsed {
		e.logger.Info("search degraded to text matching",
			zap.String("reason", resp.FallbackReason),
			zap.Int("results", len(resp.Results)))
	}
	return resp, nil
}

// Cluster runs a clustering pass. TimeoutMs bounds the whole run.
func (e *Engine) Cluster(ctx context.Context, req *models.ClusterRequest) (*models.ClusterSet, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	topTerms := req.TopTerms
	if topTerms == 0 {
		topTerms = e.cluster.TopTerms
	}
	return e.clusters.Cluster(ctx, cluster.Options{
		K:             req.NumClusters,
		MaxIterations: req.MaxIterations,
		Seed:          req.Seed,
		TopTerms:      topTerms,
	})
}

// Compare embeds the request texts and returns their pairwise similarity matrix.
func (e *Engine) Compare(ctx context.Context, req *models.CompareRequest) (*models.CompareResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	metric, err := vector.ParseMetric(req.Metric)
	if err != nil {
		return nil, err
	}
	res, err := e.chain.Embed(ctx, req.Texts, embedding.EmbedOptions{ProviderPreference: req.Provider})
	if err != nil {
		return nil, err
	}
	if len(res.FailedIndices) > 0 {
		return nil, fmt.Errorf("%w: could not embed texts %v", models.ErrAllProvidersUnavailable, res.FailedIndices)
	}
	n := len(req.Texts)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s, err := metric.Similarity(res.Vectors[i], res.Vectors[j])
			if err != nil {
				return nil, err
			}
			matrix[i][j], matrix[j][i] = s, s
		}
	}
	return &models.CompareResponse{
		Texts:    req.Texts,
		Metric:   metric.String(),
		Matrix:   matrix,
		Provider: res.Provider,
		Model:    res.Model,
	}, nil
}

// PutItem embeds the item text and stores it under id.
func (e *Engine) PutItem(ctx context.Context, id string, in *models.ItemInput) (*models.ItemResponse, error) {
	if in == nil {
		return nil, models.InvalidArgumentf("item body is required")
	}
	input := *in
	input.ID = id
	items, err := e.index.UpsertTexts(ctx, []models.ItemInput{input}, embedding.EmbedOptions{})
	if err != nil {
		return nil, err
	}
	it := items[0]
	return &models.ItemResponse{
		ID:         it.ID,
		Embedded:   it.HasVector(),
		Dimensions: len(it.Vector),
		UpdatedAt:  it.UpdatedAt,
	}, nil
}

// Status summarizes the engine state.
type Status struct {
	Items       int                     `json:"items"`
	Dimensions  int                     `json:"dimensions"`
	Providers   []models.ProviderStatus `json:"providers"`
	Clusters    int                     `json:"clusters"`
	ClusteredAt *time.Time              `json:"clustered_at,omitempty"`
}

// Status reports item count, provider state and the latest clustering.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	n, err := e.index.Count(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Items:      n,
		Dimensions: e.index.Dimensions(),
		Providers:  e.chain.Status(),
	}
	if st.Dimensions == 0 {
		st.Dimensions = e.chain.Dimensions()
	}
	if set := e.clusters.Current(); set != nil {
		st.Clusters = len(set.Clusters)
		t := set.CreatedAt
		st.ClusteredAt = &t
	}
	return st, nil
}
