// Package retrieval implements the retrieval index: item storage with
// vector, text and hybrid queries on top of a storage.ItemStore.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/storage"
	"github.com/hyperjump/ruiji/pkg/utils"
)

const lockStripes = 64

// Embedder turns texts into vectors. *embedding.Chain satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string, opts embedding.EmbedOptions) (*embedding.EmbedResult, error)
	EmbedQuery(ctx context.Context, text string, opts embedding.EmbedOptions) ([]float32, error)
}

// Index owns the indexed items. Writes to the same id are serialized through
// a striped lock; distinct ids proceed in parallel.
type Index struct {
	store    storage.ItemStore
	embedder Embedder
	logger   *zap.Logger

	locks [lockStripes]sync.RWMutex

	dimMu      sync.Mutex
	dimensions int

	// firstMu serializes writes while the dimension is still unknown.
	firstMu sync.Mutex

	ttl          time.Duration
	highlightLen int
	now          func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(ix *Index) { ix.logger = utils.OrNop(l) }
}

// WithDimensions fixes the vector dimension up front. Without it the first
// stored vector fixes it.
func WithDimensions(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.dimensions = n
		}
	}
}

// WithTTL enables eviction of items not updated within ttl.
func WithTTL(ttl time.Duration) Option {
	return func(ix *Index) {
		if ttl > 0 {
			ix.ttl = ttl
		}
	}
}

// WithHighlightLength sets the snippet length in runes. Zero disables snippets.
func WithHighlightLength(n int) Option {
	return func(ix *Index) {
		if n >= 0 {
			ix.highlightLen = n
		}
	}
}

// New creates an index over store. embedder may be nil, in which case only
// text queries and items with precomputed vectors are served.
func New(store storage.ItemStore, embedder Embedder, opts ...Option) *Index {
	ix := &Index{
		store:        store,
		embedder:     embedder,
		logger:       zap.NewNop(),
		highlightLen: 200,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

func (ix *Index) stripe(id string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &ix.locks[h.Sum32()%lockStripes]
}

// Dimensions returns the vector dimension of the index, or 0 while unknown.
func (ix *Index) Dimensions() int {
	ix.dimMu.Lock()
	defer ix.dimMu.Unlock()
	return ix.dimensions
}

// checkDimension rejects vectors whose length differs from the index
// dimension. It reports unset when no dimension is fixed yet; the caller fixes
// it with setDimension once the vector is stored.
func (ix *Index) checkDimension(n int) (unset bool, err error) {
	ix.dimMu.Lock()
	defer ix.dimMu.Unlock()
	if ix.dimensions == 0 {
		return true, nil
	}
	if n != ix.dimensions {
		return false, models.DimensionMismatch(ix.dimensions, n)
	}
	return false, nil
}

func (ix *Index) setDimension(n int) {
	ix.dimMu.Lock()
	defer ix.dimMu.Unlock()
	if ix.dimensions == 0 {
		ix.dimensions = n
	}
}

func validVector(v []float32) error {
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return models.InvalidArgumentf("vector component %d is not finite", i)
		}
	}
	return nil
}

// Upsert stores item, replacing any item with the same id. metadata.createdAt
// is kept from the replaced item when the new one does not carry it.
func (ix *Index) Upsert(ctx context.Context, item *models.IndexedItem) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return models.InvalidArgumentf("item id cannot be empty")
	}
	it := item.Clone()
	fixDimension := false
	if it.HasVector() {
		if err := validVector(it.Vector); err != nil {
			return err
		}
		if ix.Dimensions() == 0 {
			ix.firstMu.Lock()
			defer ix.firstMu.Unlock()
		}
		unset, err := ix.checkDimension(len(it.Vector))
		if err != nil {
			return err
		}
		fixDimension = unset
	} else {
		it.Vector = nil
	}

	mu := ix.stripe(it.ID)
	mu.Lock()
	defer mu.Unlock()

	if it.Metadata == nil {
		it.Metadata = make(map[string]interface{})
	}
	if _, ok := it.Metadata[models.MetaCreatedAt]; !ok {
		created := ix.now().UTC()
		prev, err := ix.store.Get(ctx, it.ID)
		switch {
		case err == nil:
			if t := prev.CreatedAt(); !t.IsZero() {
				created = t
			}
		case !errors.Is(err, models.ErrNotFound):
			return fmt.Errorf("load %s: %w", it.ID, err)
		}
		it.Metadata[models.MetaCreatedAt] = created.Format(time.RFC3339Nano)
	}
	it.UpdatedAt = ix.now().UTC()

	if err := ix.store.Upsert(ctx, it); err != nil {
		return fmt.Errorf("upsert %s: %w", it.ID, err)
	}
	if fixDimension {
		ix.setDimension(len(it.Vector))
	}
	return nil
}

// UpsertText embeds text and stores it under id. When embedding fails the
// item is stored without a vector and remains reachable by text queries.
func (ix *Index) UpsertText(ctx context.Context, id, text string, metadata map[string]interface{}) (*models.IndexedItem, error) {
	items, err := ix.UpsertTexts(ctx, []models.ItemInput{{ID: id, Text: text, Metadata: metadata}}, embedding.EmbedOptions{})
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

// UpsertTexts stores a batch of items, embedding those that carry no vector
// in a single provider call.
func (ix *Index) UpsertTexts(ctx context.Context, inputs []models.ItemInput, opts embedding.EmbedOptions) ([]*models.IndexedItem, error) {
	if len(inputs) == 0 {
		return nil, models.InvalidArgumentf("no items given")
	}
	items := make([]*models.IndexedItem, len(inputs))
	var pending []int
	for i, in := range inputs {
		if strings.TrimSpace(in.ID) == "" {
			return nil, models.InvalidArgumentf("item %d: id cannot be empty", i)
		}
		if strings.TrimSpace(in.Text) == "" {
			return nil, models.InvalidArgumentf("item %s: text cannot be empty", in.ID)
		}
		items[i] = &models.IndexedItem{ID: in.ID, Text: in.Text, Vector: in.Vector, Metadata: in.Metadata}
		if len(in.Vector) == 0 {
			pending = append(pending, i)
		}
	}

	if len(pending) > 0 && ix.embedder != nil {
		texts := make([]string, len(pending))
		for j, i := range pending {
			texts[j] = inputs[i].Text
		}
		res, err := ix.embedder.Embed(ctx, texts, opts)
		switch {
		case err == nil:
			for j, i := range pending {
				items[i].Vector = res.Vectors[j]
			}
			if res.Partial() {
				ix.logger.Warn("some items stored without vectors",
					zap.Ints("failed", res.FailedIndices))
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, models.ErrInvalidArgument):
			return nil, err
		default:
			ix.logger.Warn("embedding failed, storing items without vectors",
				zap.Int("items", len(pending)), zap.Error(err))
		}
	}

	out := make([]*models.IndexedItem, len(items))
	for i, it := range items {
		if err := ix.Upsert(ctx, it); err != nil {
			return nil, err
		}
		stored, err := ix.Get(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		out[i] = stored
	}
	return out, nil
}

// Remove deletes id and reports whether it existed.
func (ix *Index) Remove(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, models.InvalidArgumentf("item id cannot be empty")
	}
	mu := ix.stripe(id)
	mu.Lock()
	defer mu.Unlock()
	return ix.store.Remove(ctx, id)
}

// Get returns a copy of the item stored under id.
func (ix *Index) Get(ctx context.Context, id string) (*models.IndexedItem, error) {
	mu := ix.stripe(id)
	mu.RLock()
	defer mu.RUnlock()
	return ix.store.Get(ctx, id)
}

// Count returns the number of stored items.
func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.store.Count(ctx)
}

// Snapshot returns a copy of every item taken in one read of the store.
func (ix *Index) Snapshot(ctx context.Context) ([]*models.IndexedItem, error) {
	return ix.store.All(ctx)
}

// Store returns the underlying persistence adapter.
func (ix *Index) Store() storage.ItemStore { return ix.store }

// EvictExpired removes items whose UpdatedAt is older than the TTL.
// It is a no-op without a TTL.
func (ix *Index) EvictExpired(ctx context.Context) (int, error) {
	if ix.ttl <= 0 {
		return 0, nil
	}
	items, err := ix.store.All(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := ix.now().Add(-ix.ttl)
	removed := 0
	for _, it := range items {
		if !it.UpdatedAt.Before(cutoff) {
			continue
		}
		mu := ix.stripe(it.ID)
		mu.Lock()
		// re-check under the lock: the item may have been refreshed meanwhile
		cur, err := ix.store.Get(ctx, it.ID)
		if err == nil && cur.UpdatedAt.Before(cutoff) {
			var ok bool
			ok, err = ix.store.Remove(ctx, it.ID)
			if ok {
				removed++
			}
		}
		mu.Unlock()
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return removed, err
		}
	}
	if removed > 0 {
		ix.logger.Info("evicted expired items", zap.Int("count", removed))
	}
	return removed, nil
}

// RunEviction calls EvictExpired every interval until ctx is done.
func (ix *Index) RunEviction(ctx context.Context, interval time.Duration) {
	if ix.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ix.EvictExpired(ctx); err != nil && ctx.Err() == nil {
				ix.logger.Warn("eviction failed", zap.Error(err))
			}
		}
	}
}
