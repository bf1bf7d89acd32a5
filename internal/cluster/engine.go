// Package cluster groups indexed items into topic clusters with k-means.
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/storage"
	"github.com/hyperjump/ruiji/pkg/utils"
)

// DefaultTopTerms is the number of dominant terms kept per cluster.
const DefaultTopTerms = 5

// Source provides a consistent copy of the indexed items.
// *retrieval.Index satisfies it.
type Source interface {
	Snapshot(ctx context.Context) ([]*models.IndexedItem, error)
}

// Options control a clustering run.
type Options struct {
	K             int
	MaxIterations int
	// Seed makes the run reproducible. Nil draws a seed from the clock; the
	// seed used is reported in the result either way.
	Seed     *int64
	TopTerms int
}

// Engine runs clustering over a Source and publishes the latest result.
type Engine struct {
	source Source
	store  storage.ClusterStore
	logger *zap.Logger
	now    func() time.Time

	runMu   sync.Mutex
	current atomic.Pointer[models.ClusterSet]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = utils.OrNop(l) }
}

// WithStore persists every published set to store.
func WithStore(store storage.ClusterStore) Option {
	return func(e *Engine) { e.store = store }
}

// New creates an engine reading items from source.
func New(source Source, opts ...Option) *Engine {
	e := &Engine{source: source, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load publishes the set saved in the store, if any.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	set, err := e.store.LoadClusters(ctx)
	if err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}
	if set != nil {
		e.current.Store(set)
	}
	return nil
}

// Current returns the latest published set, or nil before the first run.
func (e *Engine) Current() *models.ClusterSet {
	return e.current.Load()
}

// Cluster runs k-means over a snapshot of the source and, on success,
// replaces the published set. A cancelled run publishes nothing.
func (e *Engine) Cluster(ctx context.Context, opts Options) (*models.ClusterSet, error) {
	if opts.K <= 0 {
		return nil, models.InvalidArgumentf("k must be positive, got %d", opts.K)
	}
	if opts.MaxIterations < 0 {
		return nil, models.InvalidArgumentf("maxIterations cannot be negative")
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = models.DefaultMaxIterations
	}
	if opts.TopTerms < 0 {
		return nil, models.InvalidArgumentf("topTerms cannot be negative")
	}
	if opts.TopTerms == 0 {
		opts.TopTerms = DefaultTopTerms
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := e.now()
	items, err := e.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot items: %w", err)
	}
	included, excluded := embeddable(items)

	seed := start.UnixNano()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	set := &models.ClusterSet{
		Clusters:   []*models.Cluster{},
		Algorithm:  models.AlgorithmKMeans,
		RequestedK: opts.K,
		Included:   len(included),
		Excluded:   excluded,
		Seed:       seed,
		CreatedAt:  start.UTC(),
	}

	k := opts.K
	if k > len(included) {
		k = len(included)
		set.KAdjusted = true
		e.logger.Info("reduced cluster count to embeddable items",
			zap.Int("requested", opts.K), zap.Int("effective", k))
	}
	set.EffectiveK = k

	if k > 0 {
		points := make([][]float32, len(included))
		for i, it := range included {
			points[i] = it.Vector
		}
		res, err := kmeans(ctx, points, k, opts.MaxIterations, rand.New(rand.NewSource(seed)))
		if err != nil {
			return nil, err
		}
		set.Iterations = res.iterations
		set.Converged = res.converged
		set.Clusters = buildClusters(included, res, opts.TopTerms, set.CreatedAt)
	} else {
		set.Converged = true
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set.DurationMs = e.now().Sub(start).Milliseconds()

	e.current.Store(set)
	if e.store != nil {
		if err := e.store.SaveClusters(ctx, set); err != nil {
			e.logger.Warn("failed to persist clusters", zap.Error(err))
		}
	}
	e.logger.Info("clustering finished",
		zap.Int("k", set.EffectiveK),
		zap.Int("items", set.Included),
		zap.Int("excluded", set.Excluded),
		zap.Int("iterations", set.Iterations),
		zap.Bool("converged", set.Converged))
	return set, nil
}

// embeddable keeps items with a vector of the most common dimension, sorted
// by id so results do not depend on storage order. It also returns how many
// items were left out.
func embeddable(items []*models.IndexedItem) ([]*models.IndexedItem, int) {
	dims := make(map[int]int)
	for _, it := range items {
		if it.HasVector() {
			dims[len(it.Vector)]++
		}
	}
	dim, best := 0, 0
	for d, n := range dims {
		if n > best || (n == best && d < dim) {
			dim, best = d, n
		}
	}
	out := make([]*models.IndexedItem, 0, best)
	for _, it := range items {
		if it.HasVector() && len(it.Vector) == dim {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(items) - len(out)
}

func buildClusters(items []*models.IndexedItem, res *kmeansResult, topTerms int, createdAt time.Time) []*models.Cluster {
	groups := make([][]*models.IndexedItem, len(res.centroids))
	for i, c := range res.assign {
		groups[c] = append(groups[c], items[i])
	}
	clusters := make([]*models.Cluster, 0, len(groups))
	for c, members := range groups {
		if len(members) == 0 {
			continue
		}
		ids := make([]string, len(members))
		for i, it := range members {
			ids[i] = it.ID
		}
		// items are sorted by id, so ids already are
		clusters = append(clusters, &models.Cluster{
			Centroid:      res.centroids[c],
			MemberIDs:     ids,
			DominantTerms: dominantTerms(members, topTerms),
			CreatedAt:     createdAt,
		})
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].Size() != clusters[j].Size() {
			return clusters[i].Size() > clusters[j].Size()
		}
		return clusters[i].MemberIDs[0] < clusters[j].MemberIDs[0]
	})
	for i, c := range clusters {
		c.ID = fmt.Sprintf("cluster-%d", i)
	}
	return clusters
}
