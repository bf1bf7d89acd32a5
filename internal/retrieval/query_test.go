package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/storage"
	"github.com/hyperjump/ruiji/internal/vector"
)

var calculusItems = []models.ItemInput{
	{ID: "f1", Text: "calculus derivatives"},
	{ID: "f2", Text: "organic chemistry reactions"},
	{ID: "f3", Text: "calculus integration"},
}

func assertCalculus(t *testing.T, resp *models.SearchResponse) {
	t.Helper()
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	got := map[string]bool{}
	for _, r := range resp.Results {
		got[r.Item.ID] = true
		if r.MatchType != models.MatchVector {
			t.Errorf("%s matchType=%s", r.Item.ID, r.MatchType)
		}
	}
	if !got["f1"] || !got["f3"] {
		t.Errorf("want f1 and f3, got %v", got)
	}
	if resp.FallbackUsed {
		t.Error("vector query should not fall back")
	}
}

func TestQuery_CalculusScenario(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), mockChain(t))
	for _, in := range calculusItems {
		if _, err := ix.UpsertText(ctx, in.ID, in.Text, nil); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := ix.Query(ctx, "calculus", QueryOptions{Limit: 2, Mode: models.ModeVector})
	if err != nil {
		t.Fatal(err)
	}
	assertCalculus(t, resp)

	all, err := ix.Query(ctx, "calculus", QueryOptions{Limit: 3, Mode: models.ModeVector})
	if err != nil {
		t.Fatal(err)
	}
	// f2 shares no word with the query: it is either dropped or ranked last
	ids := resultIDs(all)
	if len(ids) < 2 || ids[0] == "f2" || ids[1] == "f2" {
		t.Errorf("f2 should rank last, got %v", ids)
	}
	if len(ids) == 3 && all.Results[1].Score <= all.Results[2].Score {
		t.Errorf("calculus items should score above f2: %v", ids)
	}
}

func TestQuery_HybridFallsBackToText(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), &failingEmbedder{})
	texts := []string{
		"algebra basics",
		"linear algebra and matrices",
		"abstract algebra groups",
		"organic chemistry",
		"algebra homework",
	}
	for i, text := range texts {
		if _, err := ix.UpsertText(ctx, fmt.Sprintf("i%d", i), text, nil); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := ix.Query(ctx, "algebra", QueryOptions{Limit: 2, Mode: models.ModeHybrid})
	if err != nil {
		t.Fatalf("hybrid query must not fail when providers are down: %v", err)
	}
	if !resp.FallbackUsed || resp.FallbackReason == "" {
		t.Errorf("FallbackUsed=%v reason=%q", resp.FallbackUsed, resp.FallbackReason)
	}
	if len(resp.Results) == 0 || len(resp.Results) > 2 {
		t.Fatalf("got %d results, want up to 2", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.MatchType != models.MatchText {
			t.Errorf("%s matchType=%s, want text", r.Item.ID, r.MatchType)
		}
		if r.Score > MaxTextScore {
			t.Errorf("text score %v above cap", r.Score)
		}
	}
	if resp.Total != 4 {
		t.Errorf("Total=%d, want 4 algebra matches", resp.Total)
	}
}

func TestQuery_VectorModeSurfacesProviderFailure(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), &failingEmbedder{})
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "a", Text: "algebra"})

	_, err := ix.Query(ctx, "algebra", QueryOptions{Limit: 2, Mode: models.ModeVector})
	if !errors.Is(err, models.ErrAllProvidersUnavailable) {
		t.Errorf("err=%v, want AllProvidersUnavailable", err)
	}
	if models.HTTPStatus(err) != 503 {
		t.Errorf("status=%d", models.HTTPStatus(err))
	}
}

func TestQuery_HybridWithoutVectorsUsesText(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), mockChain(t))
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "a", Text: "algebra notes"})

	resp, err := ix.Query(ctx, "algebra", QueryOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.FallbackUsed || len(resp.Results) != 1 || resp.Results[0].MatchType != models.MatchText {
		t.Errorf("resp=%+v", resp)
	}
}

func TestQuery_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), nil)
	for _, limit := range []int{0, -1} {
		if _, err := ix.Query(ctx, "x", QueryOptions{Limit: limit}); !errors.Is(err, models.ErrInvalidArgument) {
			t.Errorf("limit %d err=%v", limit, err)
		}
	}
	if _, err := ix.Query(ctx, "  ", QueryOptions{Limit: 1}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("blank query err=%v", err)
	}
	if _, err := ix.Query(ctx, "x", QueryOptions{Limit: 1, Mode: "fuzzy"}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("unknown mode err=%v", err)
	}
}

func TestQuery_EmptyIndex(t *testing.T) {
	ix := New(storage.NewMemoryStore(), &failingEmbedder{})
	for _, mode := range []models.SearchMode{models.ModeVector, models.ModeText, models.ModeHybrid} {
		resp, err := ix.Query(context.Background(), "anything", QueryOptions{Limit: 5, Mode: mode})
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if resp.Results == nil || len(resp.Results) != 0 {
			t.Errorf("%s: want empty non-nil results, got %v", mode, resp.Results)
		}
	}
}

func TestQuery_TagFilterBeforeLimit(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), nil)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		meta := map[string]interface{}{
			models.MetaCreatedAt: base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		}
		// only the two oldest items carry the tag, so they rank last without filtering
		if i < 2 {
			meta[models.MetaTags] = []string{"Exam"}
		}
		_ = ix.Upsert(ctx, &models.IndexedItem{ID: fmt.Sprintf("i%d", i), Text: "algebra review", Metadata: meta})
	}

	resp, err := ix.Query(ctx, "algebra", QueryOptions{Limit: 2, Mode: models.ModeText, Tags: []string{"exam"}})
	if err != nil {
		t.Fatal(err)
	}
	if ids := resultIDs(resp); len(ids) != 2 || ids[0] != "i1" || ids[1] != "i0" {
		t.Errorf("got %v, want [i1 i0]", ids)
	}
	if resp.Total != 2 {
		t.Errorf("Total=%d", resp.Total)
	}
}

func TestQuery_MetadataFilter(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), nil)
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "a", Text: "algebra", Metadata: map[string]interface{}{"subject": "math"}})
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "b", Text: "algebra", Metadata: map[string]interface{}{"subject": "history"}})

	resp, err := ix.Query(ctx, "algebra", QueryOptions{Limit: 5, Mode: models.ModeText, Filter: map[string]interface{}{"subject": "math"}})
	if err != nil {
		t.Fatal(err)
	}
	if ids := resultIDs(resp); len(ids) != 1 || ids[0] != "a" {
		t.Errorf("got %v", ids)
	}
}

func TestQuery_TieBreakNewestFirst(t *testing.T) {
	ctx := context.Background()
	ix := New(storage.NewMemoryStore(), nil)
	dates := map[string]string{"old": "2023-01-01", "new": "2024-06-01", "mid": "2023-09-15"}
	for id, d := range dates {
		_ = ix.Upsert(ctx, &models.IndexedItem{
			ID: id, Text: "same words", Vector: []float32{1, 0},
			Metadata: map[string]interface{}{models.MetaCreatedAt: d},
		})
	}
	resp, err := ix.Query(ctx, "same words", QueryOptions{Limit: 3, Mode: models.ModeText})
	if err != nil {
		t.Fatal(err)
	}
	if ids := resultIDs(resp); ids[0] != "new" || ids[1] != "mid" || ids[2] != "old" {
		t.Errorf("order=%v", ids)
	}
	for i, r := range resp.Results {
		if r.Rank != i+1 {
			t.Errorf("rank=%d at %d", r.Rank, i)
		}
	}
}

func TestQuery_VectorMetricsAndThreshold(t *testing.T) {
	ctx := context.Background()
	emb := &fixedEmbedder{vec: []float32{1, 0}}
	ix := New(storage.NewMemoryStore(), emb)
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "same", Text: "a", Vector: []float32{1, 0}})
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "near", Text: "b", Vector: []float32{0.8, 0.6}})
	_ = ix.Upsert(ctx, &models.IndexedItem{ID: "far", Text: "c", Vector: []float32{0, 1}})

	resp, err := ix.Query(ctx, "q", QueryOptions{Limit: 10, Mode: models.ModeVector, MinSimilarity: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if ids := resultIDs(resp); len(ids) != 2 || ids[0] != "same" || ids[1] != "near" {
		t.Errorf("cosine ids=%v", ids)
	}

	resp, err = ix.Query(ctx, "q", QueryOptions{Limit: 10, Mode: models.ModeVector, Metric: vector.MetricEuclidean})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Results[0].Item.ID != "same" || resp.Results[0].Score != 1 {
		t.Errorf("euclidean top=%+v", resp.Results[0])
	}
	if resp.Metric != "euclidean" {
		t.Errorf("Metric=%q", resp.Metric)
	}

	emb.vec = []float32{1, 0, 0}
	if _, err := ix.Query(ctx, "q", QueryOptions{Limit: 1, Mode: models.ModeHybrid}); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("query of wrong dimension err=%v", err)
	}
}

func TestQuery_Cancelled(t *testing.T) {
	ix := New(storage.NewMemoryStore(), nil)
	_ = ix.Upsert(context.Background(), &models.IndexedItem{ID: "a", Text: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ix.Query(ctx, "x", QueryOptions{Limit: 1, Mode: models.ModeText}); !errors.Is(err, context.Canceled) {
		t.Errorf("err=%v, want context.Canceled", err)
	}
}

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct{ vec []float32 }

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string, opts embedding.EmbedOptions) (*embedding.EmbedResult, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return &embedding.EmbedResult{Vectors: out, Dimensions: len(f.vec)}, nil
}

func (f *fixedEmbedder) EmbedQuery(ctx context.Context, text string, opts embedding.EmbedOptions) ([]float32, error) {
	return f.vec, nil
}

func resultIDs(resp *models.SearchResponse) []string {
	out := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.Item.ID
	}
	return out
}
