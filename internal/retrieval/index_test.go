package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/keyword"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/storage"
	"github.com/hyperjump/ruiji/internal/vector"
)

// failingEmbedder reports every provider as unavailable.
type failingEmbedder struct{ calls int }

func (f *failingEmbedder) Embed(ctx context.Context, texts []string, opts embedding.EmbedOptions) (*embedding.EmbedResult, error) {
	f.calls++
	return nil, fmt.Errorf("%w: refused", models.ErrAllProvidersUnavailable)
}

func (f *failingEmbedder) EmbedQuery(ctx context.Context, text string, opts embedding.EmbedOptions) ([]float32, error) {
	f.calls++
	return nil, fmt.Errorf("%w: refused", models.ErrAllProvidersUnavailable)
}

func mockChain(t *testing.T) *embedding.Chain {
	t.Helper()
	c := embedding.NewChain()
	if err := c.Add(embedding.NewMockProvider("mock", 384)); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), mockChain(t))

	if _, err := ix.UpsertText(ctx, "n1", "first draft", nil); err != nil {
		t.Fatal(err)
	}
	first, _ := ix.Get(ctx, "n1")
	if _, err := ix.UpsertText(ctx, "n1", "second draft", nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := ix.Count(ctx); n != 1 {
		t.Fatalf("Count=%d, want 1", n)
	}
	got, err := ix.Get(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "second draft" {
		t.Errorf("Text=%q, want latest", got.Text)
	}
	if !got.CreatedAt().Equal(first.CreatedAt()) {
		t.Errorf("createdAt changed on replace: %v -> %v", first.CreatedAt(), got.CreatedAt())
	}
	if !got.HasVector() || len(got.Vector) != 384 {
		t.Errorf("expected a 384-d vector, got %d", len(got.Vector))
	}
}

func TestIndex_UpsertValidation(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), nil)

	if err := ix.Upsert(ctx, &models.IndexedItem{ID: " "}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("blank id err=%v", err)
	}
	if err := ix.Upsert(ctx, &models.IndexedItem{ID: "a", Vector: []float32{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	err := ix.Upsert(ctx, &models.IndexedItem{ID: "b", Vector: []float32{1, 2}})
	if !errors.Is(err, models.ErrDimensionMismatch) || !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("dimension mismatch err=%v", err)
	}
	nan := float32(math.NaN())
	if err := ix.Upsert(ctx, &models.IndexedItem{ID: "c", Vector: []float32{1, nan, 0}}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("NaN vector err=%v", err)
	}
	if _, err := ix.UpsertText(ctx, "d", "  ", nil); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("blank text err=%v", err)
	}
	if ix.Dimensions() != 3 {
		t.Errorf("Dimensions=%d, want 3", ix.Dimensions())
	}
}

func TestIndex_UpsertTextDegradesWithoutProvider(t *testing.T) {
	ctx := context.Background()
	emb := &failingEmbedder{}
	ix := New(storage.NewMemoryStore(), emb)

	it, err := ix.UpsertText(ctx, "x", "linear algebra notes", map[string]interface{}{"tags": "math"})
	if err != nil {
		t.Fatalf("UpsertText should store a degraded item, got %v", err)
	}
	if it.HasVector() {
		t.Error("degraded item should have no vector")
	}
	if emb.calls != 1 {
		t.Errorf("embedder calls=%d", emb.calls)
	}
	resp, err := ix.Query(ctx, "algebra", QueryOptions{Limit: 5, Mode: models.ModeText})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Item.ID != "x" {
		t.Errorf("degraded item not reachable by text: %+v", resp.Results)
	}
}

func TestIndex_UpsertTextsBatch(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), mockChain(t))
	items, err := ix.UpsertTexts(ctx, []models.ItemInput{
		{ID: "a", Text: "alpha"},
		{ID: "b", Text: "beta", Vector: make([]float32, 384)},
		{ID: "c", Text: "gamma"},
	}, embedding.EmbedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || !items[0].HasVector() || !items[2].HasVector() {
		t.Fatalf("items=%+v", items)
	}
	if _, err := ix.UpsertTexts(ctx, []models.ItemInput{{ID: "", Text: "x"}}, embedding.EmbedOptions{}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("blank id err=%v", err)
	}
}

func TestIndex_Remove(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), nil)
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "a", Text: "x"})

	ok, err := ix.Remove(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Remove = %v, %v", ok, err)
	}
	ok, err = ix.Remove(ctx, "a")
	if err != nil || ok {
		t.Errorf("second Remove = %v, %v", ok, err)
	}
	if _, err := ix.Get(ctx, "a"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get after remove err=%v", err)
	}
}

func TestIndex_ConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = ix.Upsert(ctx, &models.IndexedItem{ID: "shared", Text: fmt.Sprintf("w%d-%d", w, i), Vector: []float32{1, 0}})
				_ = ix.Upsert(ctx, &models.IndexedItem{ID: fmt.Sprintf("own-%d", w), Text: "x", Vector: []float32{0, 1}})
			}
		}(w)
	}
	wg.Wait()
	if n, _ := ix.Count(ctx); n != 9 {
		t.Errorf("Count=%d, want 9", n)
	}
}

func TestIndex_EvictExpired(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ix := New(storage.NewMemoryStore(), nil, WithTTL(time.Hour))
	ix.now = func() time.Time { return clock }

	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "old", Text: "x"})
	clock = clock.Add(45 * time.Minute)
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "fresh", Text: "y"})
	clock = clock.Add(30 * time.Minute)

	n, err := ix.EvictExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if _, err := ix.Get(ctx, "old"); !errors.Is(err, models.ErrNotFound) {
		t.Error("old item should be evicted")
	}
	if _, err := ix.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh item evicted: %v", err)
	}

	noTTL := New(storage.NewMemoryStore(), nil)
	if n, _ := noTTL.EvictExpired(ctx); n != 0 {
		t.Error("eviction without TTL should do nothing")
	}
}

func TestIndex_SnapshotIsCopy(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), nil)
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "a", Text: "x", Vector: []float32{1, 0}})
	snap, err := ix.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	snap[0].Vector[0] = 42
	got, _ := ix.Get(ctx, "a")
	if got.Vector[0] != 1 {
		t.Error("snapshot shares vectors with the index")
	}
}

func TestIndex_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	text, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewSQLiteStore(ctx, ":memory:", text)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ix := New(store, mockChain(t))
	for _, in := range calculusItems {
		if _, err := ix.UpsertText(ctx, in.ID, in.Text, nil); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := ix.Query(ctx, "calculus", QueryOptions{Limit: 2, Mode: models.ModeVector, Metric: vector.MetricCosine})
	if err != nil {
		t.Fatal(err)
	}
	assertCalculus(t, resp)
}

func TestIndex_TextModeSameOnEveryBackend(t *testing.T) {
	ctx := context.Background()
	text, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	sqlite, err := storage.NewSQLiteStore(ctx, ":memory:", text)
	if err != nil {
		t.Fatal(err)
	}
	defer sqlite.Close()

	backends := map[string]storage.ItemStore{"memory": storage.NewMemoryStore(), "sqlite": sqlite}
	items := []models.ItemInput{
		{ID: "n1", Text: "student's algebra notes"},
		{ID: "n2", Text: "pi is 3.14 roughly"},
		{ID: "n3", Text: "e-mail the TA, re: week-2 quiz"},
	}
	queries := map[string][]string{
		"student":     {"n1"},
		"14":          {"n2"},
		"3":           {"n2"},
		"week 2 mail": {"n3"},
		"Algebra":     {"n1"},
	}
	for name, store := range backends {
		ix := New(store, nil)
		for _, in := range items {
			if _, err := ix.UpsertText(ctx, in.ID, in.Text, nil); err != nil {
				t.Fatal(err)
			}
		}
		for q, want := range queries {
			resp, err := ix.Query(ctx, q, QueryOptions{Limit: 10, Mode: models.ModeText})
			if err != nil {
				t.Fatalf("%s %q: %v", name, q, err)
			}
			if got := resultIDs(resp); fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("%s %q: got %v, want %v", name, q, got, want)
			}
		}
	}
}

// rejectingStore fails the next write and then behaves like a MemoryStore.
type rejectingStore struct {
	*storage.MemoryStore
	reject bool
}

func (s *rejectingStore) Upsert(ctx context.Context, item *models.IndexedItem) error {
	if s.reject {
		s.reject = false
		return errors.New("disk full")
	}
	return s.MemoryStore.Upsert(ctx, item)
}

func TestIndex_FailedFirstWriteLeavesDimensionOpen(t *testing.T) {
	ctx := context.Background()
	ix := New(&rejectingStore{MemoryStore: storage.NewMemoryStore(), reject: true}, nil)

	if err := ix.Upsert(ctx, &models.IndexedItem{ID: "a", Vector: []float32{1, 2, 3}}); err == nil {
		t.Fatal("expected store error")
	}
	if ix.Dimensions() != 0 {
		t.Fatalf("Dimensions=%d after failed write, want 0", ix.Dimensions())
	}
	if err := ix.Upsert(ctx, &models.IndexedItem{ID: "b", Vector: []float32{1, 2}}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if ix.Dimensions() != 2 {
		t.Errorf("Dimensions=%d, want 2", ix.Dimensions())
	}
	if err := ix.Upsert(ctx, &models.IndexedItem{ID: "c", Vector: []float32{1, 2, 3}}); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("mismatch err=%v", err)
	}
}
