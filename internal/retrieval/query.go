package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/vector"
)

// QueryOptions control a single Query call.
type QueryOptions struct {
	Limit         int
	MinSimilarity float64
	Metric        vector.Metric
	// Tags keeps only items carrying every listed tag.
	Tags []string
	// Filter keeps only items whose metadata equals each given value.
	Filter map[string]interface{}
	Mode   models.SearchMode
	Embed  embedding.EmbedOptions
}

// Query ranks items against text. Results are ordered by score, then by
// metadata.createdAt (newest first), then by id. Filters run before the limit.
func (ix *Index) Query(ctx context.Context, text string, opts QueryOptions) (*models.SearchResponse, error) {
	start := time.Now()
	if opts.Limit <= 0 {
		return nil, models.InvalidArgumentf("limit must be positive, got %d", opts.Limit)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.InvalidArgumentf("query cannot be empty")
	}
	if math.IsNaN(opts.MinSimilarity) || math.IsInf(opts.MinSimilarity, 0) {
		return nil, models.InvalidArgumentf("minSimilarity must be finite")
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeHybrid
	}
	switch opts.Mode {
	case models.ModeVector, models.ModeText, models.ModeHybrid:
	default:
		return nil, models.InvalidArgumentf("unknown search mode %q", opts.Mode)
	}
	if opts.Metric == "" {
		opts.Metric = vector.MetricCosine
	}
	f := newFilter(opts.Tags, opts.Filter)

	resp := &models.SearchResponse{
		Query:   text,
		Mode:    opts.Mode,
		Metric:  opts.Metric.String(),
		Results: []*models.SimilarityResult{},
	}
	n, err := ix.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	if n == 0 {
		resp.QueryTime = time.Since(start).Milliseconds()
		return resp, nil
	}

	var results []*models.SimilarityResult
	switch opts.Mode {
	case models.ModeText:
		results, err = ix.textQuery(ctx, text, opts.MinSimilarity, f)
	case models.ModeVector, models.ModeHybrid:
		var qv []float32
		qv, err = ix.embedQuery(ctx, text, opts.Embed)
		if err == nil {
			var candidates int
			results, candidates, err = ix.vectorQuery(ctx, qv, opts.Metric, opts.MinSimilarity, f)
			if err == nil && candidates == 0 && opts.Mode == models.ModeHybrid {
				resp.FallbackUsed = true
				resp.FallbackReason = "no items with vectors"
				results, err = ix.textQuery(ctx, text, opts.MinSimilarity, f)
			}
			break
		}
		if opts.Mode == models.ModeVector || !canFallBack(ctx, err) {
			return nil, err
		}
		ix.logger.Warn("query embedding failed, falling back to text matching", zap.Error(err))
		resp.FallbackUsed = true
		resp.FallbackReason = err.Error()
		results, err = ix.textQuery(ctx, text, opts.MinSimilarity, f)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortResults(results)
	resp.Total = len(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	for i, r := range results {
		r.Rank = i + 1
		if ix.highlightLen > 0 {
			r.Highlight = Highlight(r.Item.Text, text, ix.highlightLen)
		}
	}
	resp.Results = results
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

// canFallBack reports whether a query embedding error may degrade to text
// matching. Cancellation and invalid input are returned as is.
func canFallBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, models.ErrInvalidArgument)
}

func (ix *Index) embedQuery(ctx context.Context, text string, opts embedding.EmbedOptions) ([]float32, error) {
	if ix.embedder == nil {
		return nil, fmt.Errorf("%w: no embedding provider configured", models.ErrAllProvidersUnavailable)
	}
	qv, err := ix.embedder.EmbedQuery(ctx, text, opts)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qv) == 0 {
		return nil, fmt.Errorf("%w: query was not embedded", models.ErrAllProvidersUnavailable)
	}
	if d := ix.Dimensions(); d > 0 && len(qv) != d {
		return nil, models.DimensionMismatch(d, len(qv))
	}
	return qv, nil
}

// vectorQuery scores every item with a vector. It also returns how many
// items carried a comparable vector before filtering.
func (ix *Index) vectorQuery(ctx context.Context, qv []float32, metric vector.Metric, minSim float64, f *filter) ([]*models.SimilarityResult, int, error) {
	items, err := ix.store.QueryByVector(ctx, qv, metric, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("vector candidates: %w", err)
	}
	candidates := 0
	var out []*models.SimilarityResult
	for _, it := range items {
		score, err := metric.Similarity(qv, it.Vector)
		if err != nil {
			ix.logger.Debug("skipping item with incompatible vector", zap.String("id", it.ID), zap.Error(err))
			continue
		}
		candidates++
		if score < minSim || !f.match(it) {
			continue
		}
		out = append(out, &models.SimilarityResult{Item: it, Score: score, MatchType: models.MatchVector})
	}
	return out, candidates, nil
}

func (ix *Index) textQuery(ctx context.Context, text string, minSim float64, f *filter) ([]*models.SimilarityResult, error) {
	items, err := ix.store.QueryByText(ctx, text, 0)
	if err != nil {
		return nil, fmt.Errorf("text candidates: %w", err)
	}
	var out []*models.SimilarityResult
	for _, it := range items {
		score := TextScore(text, it.Text)
		if score <= 0 || score < minSim || !f.match(it) {
			continue
		}
		out = append(out, &models.SimilarityResult{Item: it, Score: score, MatchType: models.MatchText})
	}
	return out, nil
}

func sortResults(results []*models.SimilarityResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ta, tb := a.Item.CreatedAt(), b.Item.CreatedAt()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.Item.ID < b.Item.ID
	})
}

type filter struct {
	tags []string
	meta map[string]interface{}
}

func newFilter(tags []string, meta map[string]interface{}) *filter {
	f := &filter{meta: meta}
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			f.tags = append(f.tags, t)
		}
	}
	return f
}

func (f *filter) match(it *models.IndexedItem) bool {
	if len(f.tags) > 0 {
		have := make(map[string]struct{})
		for _, t := range it.Tags() {
			have[t] = struct{}{}
		}
		for _, t := range f.tags {
			if _, ok := have[t]; !ok {
				return false
			}
		}
	}
	for k, want := range f.meta {
		got, ok := it.Metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
