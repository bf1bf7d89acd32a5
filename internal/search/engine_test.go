package search

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/hyperjump/ruiji/internal/cluster"
	"github.com/hyperjump/ruiji/internal/config"
	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/keyword"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/retrieval"
	"github.com/hyperjump/ruiji/internal/storage"
)

// downProvider fails every call.
type downProvider struct{}

func (downProvider) Name() string      { return "down" }
func (downProvider) Model() string     { return "none" }
func (downProvider) Dimensions() int   { return 384 }
func (downProvider) MaxBatchSize() int { return 96 }
func (downProvider) Close() error      { return nil }
func (downProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, embedding.Usage, error) {
	return nil, embedding.Usage{}, errors.New("connection refused")
}

func newTestEngine(t *testing.T, providers ...embedding.Provider) *Engine {
	t.Helper()
	if len(providers) == 0 {
		providers = []embedding.Provider{embedding.NewMockProvider("mock", 384)}
	}
	chain := embedding.NewChain()
	for _, p := range providers {
		if err := chain.Add(p); err != nil {
			t.Fatal(err)
		}
	}
	text, err := keyword.NewBleveIndex(filepath.Join(t.TempDir(), "bleve"))
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewSQLiteStore(context.Background(), ":memory:", text)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	index := retrieval.New(store, chain)
	return NewEngine(chain, index, cluster.New(index))
}

func seedItems(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for id, text := range map[string]string{
		"f1": "calculus derivatives",
		"f2": "organic chemistry reactions",
		"f3": "calculus integration",
		"f4": "linear algebra",
	} {
		if _, err := e.PutItem(ctx, id, &models.ItemInput{Text: text, Metadata: map[string]interface{}{"tags": []string{"study"}}}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestEngine_Search(t *testing.T) {
	e := newTestEngine(t)
	seedItems(t, e)

	resp, err := e.Search(context.Background(), &models.SearchRequest{Query: "calculus", Limit: 2, SearchType: "vector"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.Item.ID != "f1" && r.Item.ID != "f3" {
			t.Errorf("unexpected result %s", r.Item.ID)
		}
	}
	if resp.Mode != models.ModeVector || resp.FallbackUsed {
		t.Errorf("mode=%s fallback=%v", resp.Mode, resp.FallbackUsed)
	}
}

func TestEngine_SearchFallsBackWhenProvidersDown(t *testing.T) {
	e := newTestEngine(t, downProvider{})
	seedItems(t, e)

	resp, err := e.Search(context.Background(), &models.SearchRequest{Query: "algebra", Limit: 2})
	if err != nil {
		t.Fatalf("hybrid search should degrade, got %v", err)
	}
	if !resp.FallbackUsed || len(resp.Results) != 1 || resp.Results[0].MatchType != models.MatchText {
		t.Errorf("resp=%+v", resp)
	}

	_, err = e.Search(context.Background(), &models.SearchRequest{Query: "algebra", Limit: 2, SearchType: "semantic"})
	if !errors.Is(err, models.ErrAllProvidersUnavailable) {
		t.Errorf("vector search err=%v", err)
	}
}

func TestEngine_SearchUsesConfiguredDefaults(t *testing.T) {
	e := newTestEngine(t)
	seedItems(t, e)
	e.search.DefaultMode = "text"
	e.search.MaxLimit = 1

	resp, err := e.Search(context.Background(), &models.SearchRequest{Query: "calculus", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Mode != models.ModeText || len(resp.Results) != 1 {
		t.Errorf("mode=%s results=%d", resp.Mode, len(resp.Results))
	}

	e.search.MaxLimit = 0
	e.search.DefaultLimit = 2
	resp, err = e.Search(context.Background(), &models.SearchRequest{Query: "calculus chemistry reactions derivatives"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Errorf("default_limit 2 gave %d results", len(resp.Results))
	}
	if _, err := e.Search(context.Background(), &models.SearchRequest{Query: "x", Metric: "manhattan"}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("unknown metric err=%v", err)
	}
}

func TestEngine_Handle(t *testing.T) {
	e := newTestEngine(t)
	seedItems(t, e)
	ctx := context.Background()

	tests := []struct {
		body string
		check func(t *testing.T, v interface{})
	}{
		{`{"operation":"embed","texts":["a b","  ","c"]}`, func(t *testing.T, v interface{}) {
			r := v.(*models.EmbedResponse)
			if len(r.Vectors) != 3 || r.Vectors[1] != nil || len(r.SkippedIndices) != 1 || !r.Success {
				t.Errorf("embed response %+v", r)
			}
		}},
		{`{"operation":"search","query":"calculus","limit":3,"searchType":"hybrid","tags":["study"]}`, func(t *testing.T, v interface{}) {
			r := v.(*models.SearchResponse)
			if len(r.Results) == 0 || r.Results[0].MatchType != models.MatchVector {
				t.Errorf("search response %+v", r)
			}
		}},
		{`{"operation":"cluster","numClusters":10,"seed":42}`, func(t *testing.T, v interface{}) {
			r := v.(*models.ClusterSet)
			if r.EffectiveK != 4 || !r.KAdjusted {
				t.Errorf("cluster response %+v", r)
			}
		}},
		{`{"operation":"compare","a":"calculus derivatives","b":"calculus derivatives"}`, func(t *testing.T, v interface{}) {
			r := v.(*models.CompareResponse)
			if math.Abs(r.Matrix[0][1]-1) > 1e-6 {
				t.Errorf("identical texts similarity %v", r.Matrix[0][1])
			}
		}},
	}
	for _, tt := range tests {
		req, err := models.DecodeRequest([]byte(tt.body))
		if err != nil {
			t.Fatalf("%s: %v", tt.body, err)
		}
		v, err := e.Handle(ctx, req)
		if err != nil {
			t.Fatalf("%s: %v", tt.body, err)
		}
		tt.check(t, v)
	}
}

func TestEngine_Compare(t *testing.T) {
	e := newTestEngine(t)
	resp, err := e.Compare(context.Background(), &models.CompareRequest{
		Texts: []string{"calculus derivatives", "calculus integration", "organic chemistry"},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := resp.Matrix
	for i := range m {
		if math.Abs(m[i][i]-1) > 1e-6 {
			t.Errorf("m[%d][%d]=%v", i, i, m[i][i])
		}
		for j := range m {
			if m[i][j] != m[j][i] {
				t.Errorf("matrix not symmetric at %d,%d", i, j)
			}
		}
	}
	if m[0][1] <= m[0][2] {
		t.Errorf("shared words should score higher: %v vs %v", m[0][1], m[0][2])
	}
	if resp.Metric != "cosine" || resp.Provider != "mock" {
		t.Errorf("metric=%s provider=%s", resp.Metric, resp.Provider)
	}

	if _, err := e.Compare(context.Background(), &models.CompareRequest{Texts: []string{"only one"}}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("single text err=%v", err)
	}
}

func TestEngine_ClusterTimeout(t *testing.T) {
	e := newTestEngine(t)
	seedItems(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Cluster(ctx, &models.ClusterRequest{NumClusters: 2}); !errors.Is(err, context.Canceled) {
		t.Errorf("err=%v", err)
	}
	if e.Clusters().Current() != nil {
		t.Error("cancelled run must not publish")
	}
}

func TestEngine_PutItemDegrades(t *testing.T) {
	e := newTestEngine(t, downProvider{})
	resp, err := e.PutItem(context.Background(), "x", &models.ItemInput{Text: "no vector for me"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Embedded || resp.ID != "x" {
		t.Errorf("resp=%+v", resp)
	}
	if _, err := e.PutItem(context.Background(), "x", nil); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("nil body err=%v", err)
	}
}

func TestEngine_Status(t *testing.T) {
	e := newTestEngine(t)
	seedItems(t, e)
	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Items != 4 || st.Dimensions != 384 || len(st.Providers) != 1 || st.ClusteredAt != nil {
		t.Errorf("status=%+v", st)
	}
}

func TestProcessQuery(t *testing.T) {
	cfg := &config.SearchConfig{DefaultMode: "vector", DefaultMetric: "l2", DefaultMinSimilarity: 0.3, MaxLimit: 20}
	opts, err := ProcessQuery(&models.SearchRequest{Query: " q ", Limit: 50, TimeoutMs: 250}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Limit != 20 || opts.Mode != models.ModeVector || opts.Metric != "euclidean" || opts.MinSimilarity != 0.3 {
		t.Errorf("opts=%+v", opts)
	}
	if opts.Embed.Timeout.Milliseconds() != 250 {
		t.Errorf("timeout=%v", opts.Embed.Timeout)
	}
	opts, err = ProcessQuery(&models.SearchRequest{Query: "q", SearchType: "keyword", Metric: "dot"}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Mode != models.ModeText || opts.Metric != "dot" || opts.Limit != models.DefaultLimit {
		t.Errorf("opts=%+v", opts)
	}

	zero := 0.0
	cfg.DefaultLimit, cfg.MaxLimit = 7, 500
	opts, err = ProcessQuery(&models.SearchRequest{Query: "q", MinSimilarity: &zero}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Limit != 7 || opts.MinSimilarity != 0 {
		t.Errorf("explicit zero min similarity or config default limit ignored: %+v", opts)
	}
	opts, err = ProcessQuery(&models.SearchRequest{Query: "q", Limit: 300}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Limit != 300 || opts.MinSimilarity != 0.3 {
		t.Errorf("limit under max_limit should pass through: %+v", opts)
	}
}
