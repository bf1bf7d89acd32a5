// Package storage defines the persistence adapters behind the retrieval index
// and the cluster snapshot store.
package storage

import (
	"context"
	"sort"

	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/vector"
	"github.com/hyperjump/ruiji/pkg/utils"
)

// ItemStore persists indexed items. Implementations return copies; callers
// may mutate what they get back.
type ItemStore interface {
	// Upsert inserts item or replaces the item with the same id.
	Upsert(ctx context.Context, item *models.IndexedItem) error
	// Remove deletes id and reports whether it existed.
	Remove(ctx context.Context, id string) (bool, error)
	// Get returns the item or an error wrapping models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.IndexedItem, error)
	// QueryByVector returns items with vectors, nearest first under metric.
	// A limit of zero or less returns every item with a vector.
	QueryByVector(ctx context.Context, query []float32, metric vector.Metric, limit int) ([]*models.IndexedItem, error)
	// QueryByText returns items sharing at least one word with text.
	// A limit of zero or less returns every match.
	QueryByText(ctx context.Context, text string, limit int) ([]*models.IndexedItem, error)
	// All returns every item.
	All(ctx context.Context) ([]*models.IndexedItem, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// ClusterStore persists the most recent cluster set.
type ClusterStore interface {
	SaveClusters(ctx context.Context, set *models.ClusterSet) error
	// LoadClusters returns nil, nil when nothing was saved yet.
	LoadClusters(ctx context.Context) (*models.ClusterSet, error)
	Close() error
}

type scoredItem struct {
	item  *models.IndexedItem
	score float64
}

// rankByVector scores items against query and returns the best first.
// Items whose dimension differs from the query are skipped.
func rankByVector(items []*models.IndexedItem, query []float32, metric vector.Metric, limit int) []*models.IndexedItem {
	scored := make([]scoredItem, 0, len(items))
	for _, it := range items {
		if !it.HasVector() {
			continue
		}
		s, err := metric.Similarity(query, it.Vector)
		if err != nil {
			continue
		}
		scored = append(scored, scoredItem{item: it, score: s})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].item.ID < scored[j].item.ID
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]*models.IndexedItem, len(scored))
	for i, s := range scored {
		out[i] = s.item
	}
	return out
}

// rankByWords keeps items sharing a word with text, most shared words first.
func rankByWords(items []*models.IndexedItem, text string, limit int) []*models.IndexedItem {
	query := make(map[string]struct{})
	for _, w := range utils.Words(text) {
		query[w] = struct{}{}
	}
	scored := make([]scoredItem, 0)
	for _, it := range items {
		seen := make(map[string]struct{})
		for _, w := range utils.Words(it.Text) {
			if _, ok := query[w]; ok {
				seen[w] = struct{}{}
			}
		}
		if len(seen) > 0 {
			scored = append(scored, scoredItem{item: it, score: float64(len(seen))})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].item.ID < scored[j].item.ID
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]*models.IndexedItem, len(scored))
	for i, s := range scored {
		out[i] = s.item
	}
	return out
}
