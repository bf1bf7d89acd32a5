package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyperjump/ruiji/internal/cluster"
	"github.com/hyperjump/ruiji/internal/config"
	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/extract"
	"github.com/hyperjump/ruiji/internal/indexer"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/retrieval"
	"github.com/hyperjump/ruiji/internal/search"
	"github.com/hyperjump/ruiji/internal/storage"
)

type downProvider struct{}

func (downProvider) Name() string      { return "down" }
func (downProvider) Model() string     { return "none" }
func (downProvider) Dimensions() int   { return 32 }
func (downProvider) MaxBatchSize() int { return 96 }
func (downProvider) Close() error      { return nil }
func (downProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, embedding.Usage, error) {
	return nil, embedding.Usage{}, errors.New("connection refused")
}

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string { return append([]string(nil), m.dirs...) }

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

func newTestServer(t *testing.T, watch WatchService, configPath string, providers ...embedding.Provider) (*Server, *config.Config) {
	t.Helper()
	if len(providers) == 0 {
		providers = []embedding.Provider{embedding.NewMockProvider("mock", 32)}
	}
	chain := embedding.NewChain()
	for _, p := range providers {
		if err := chain.Add(p); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &config.Config{Storage: config.StorageConfig{Backend: config.BackendMemory, DatabasePath: ":memory:", BleveIndexPath: filepath.Join(t.TempDir(), "none"), ClusterStorePath: filepath.Join(t.TempDir(), "none")}}
	config.ApplyDefaults(cfg)
	index := retrieval.New(storage.NewMemoryStore(), chain)
	engine := search.NewEngine(chain, index, cluster.New(index), search.WithSearchConfig(cfg.Search))
	idx, err := indexer.New(index, extract.NewExtractor(), cfg.Ingest)
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(engine, idx, cfg, nil, watch, configPath), cfg
}

func do(t *testing.T, srv *Server, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func putItems(t *testing.T, srv *Server) {
	t.Helper()
	for id, text := range map[string]string{
		"f1": "calculus derivatives",
		"f2": "organic chemistry reactions",
		"f3": "calculus integration",
		"f4": "linear algebra",
	} {
		w := do(t, srv, http.MethodPut, "/api/v1/items/"+id, models.ItemInput{Text: text})
		if w.Code != http.StatusOK {
			t.Fatalf("put %s: %d %s", id, w.Code, w.Body.String())
		}
	}
}

func TestHandleSemantic_Search(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	putItems(t, srv)

	w := do(t, srv, http.MethodPost, "/api/v1/semantic", `{"operation":"search","query":"calculus","limit":2,"searchType":"vector"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp models.SearchResponse
	decode(t, w, &resp)
	if len(resp.Results) != 2 || resp.FallbackUsed {
		t.Fatalf("resp=%+v", resp)
	}
	for _, r := range resp.Results {
		if r.Item.ID != "f1" && r.Item.ID != "f3" {
			t.Errorf("unexpected result %s", r.Item.ID)
		}
	}
}

func TestHandleSearch_FallbackWhenProvidersDown(t *testing.T) {
	srv, _ := newTestServer(t, nil, "", downProvider{})
	putItems(t, srv)

	w := do(t, srv, http.MethodPost, "/api/v1/search", `{"query":"algebra","limit":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp models.SearchResponse
	decode(t, w, &resp)
	if !resp.FallbackUsed || len(resp.Results) != 1 || resp.Results[0].MatchType != models.MatchText {
		t.Errorf("resp=%+v", resp)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/search", `{"query":"algebra","searchType":"vector"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("vector mode status %d: %s", w.Code, w.Body.String())
	}
	var e map[string]string
	decode(t, w, &e)
	if e["code"] != "ALL_PROVIDERS_UNAVAILABLE" {
		t.Errorf("error body %v", e)
	}
}

func TestHandleOperation_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"negative limit", "/api/v1/search", `{"query":"x","limit":-1}`},
		{"blank query", "/api/v1/search", `{"query":"  "}`},
		{"unknown mode", "/api/v1/search", `{"query":"x","searchType":"fuzzy"}`},
		{"zero clusters", "/api/v1/cluster", `{"numClusters":0}`},
		{"malformed json", "/api/v1/embed", `{"texts":`},
		{"missing operation", "/api/v1/semantic", `{"query":"x"}`},
		{"unknown operation", "/api/v1/semantic", `{"operation":"recommend"}`},
		{"single compare text", "/api/v1/compare", `{"texts":["only"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPost, tt.target, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status %d: %s", w.Code, w.Body.String())
			}
			var e map[string]string
			decode(t, w, &e)
			if e["code"] != "INVALID_ARGUMENT" || e["error"] == "" {
				t.Errorf("error body %v", e)
			}
		})
	}
}

func TestHandleEmbedAndCompare(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")

	w := do(t, srv, http.MethodPost, "/api/v1/embed", `{"texts":["a b"," ","c"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("embed status %d: %s", w.Code, w.Body.String())
	}
	var emb models.EmbedResponse
	decode(t, w, &emb)
	if len(emb.Vectors) != 3 || emb.Vectors[1] != nil || emb.Dimensions != 32 {
		t.Errorf("embed resp=%+v", emb)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/compare", `{"a":"calculus","b":"calculus"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("compare status %d: %s", w.Code, w.Body.String())
	}
	var cmp models.CompareResponse
	decode(t, w, &cmp)
	if len(cmp.Matrix) != 2 || cmp.Matrix[0][1] < 0.999 {
		t.Errorf("compare resp=%+v", cmp)
	}
}

func TestHandleItems(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	putItems(t, srv)

	w := do(t, srv, http.MethodGet, "/api/v1/items/f1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status %d", w.Code)
	}
	var it models.IndexedItem
	decode(t, w, &it)
	if it.Text != "calculus derivatives" || !it.HasVector() {
		t.Errorf("item=%+v", it)
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/items/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing get status %d", w.Code)
	}
	if w := do(t, srv, http.MethodDelete, "/api/v1/items/f1", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete status %d", w.Code)
	}
	if w := do(t, srv, http.MethodDelete, "/api/v1/items/f1", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status %d", w.Code)
	}
	if w := do(t, srv, http.MethodPut, "/api/v1/items/x", `{"text":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("blank text status %d", w.Code)
	}
}

func TestHandleClusters(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	if w := do(t, srv, http.MethodGet, "/api/v1/clusters", nil); w.Code != http.StatusNotFound {
		t.Errorf("before clustering status %d", w.Code)
	}
	putItems(t, srv)

	w := do(t, srv, http.MethodPost, "/api/v1/cluster", `{"numClusters":2,"seed":7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("cluster status %d: %s", w.Code, w.Body.String())
	}
	var set models.ClusterSet
	decode(t, w, &set)
	if set.EffectiveK != 2 || set.Included != 4 {
		t.Errorf("set=%+v", set)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/clusters", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("clusters status %d", w.Code)
	}
	var current models.ClusterSet
	decode(t, w, &current)
	if current.Seed != 7 || len(current.Clusters) == 0 {
		t.Errorf("current=%+v", current)
	}
}

func TestHandleDocuments(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	w := do(t, srv, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"id":   "lecture-1",
		"text": "limits derivatives and integrals",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		SourceID string   `json:"sourceId"`
		ItemIDs  []string `json:"itemIds"`
		Embedded int      `json:"embedded"`
	}
	decode(t, w, &out)
	if out.SourceID != "lecture-1" || len(out.ItemIDs) != 1 || out.Embedded != 1 {
		t.Errorf("out=%+v", out)
	}
	if w := do(t, srv, http.MethodDelete, "/api/v1/documents/lecture-1", nil); w.Code != http.StatusOK {
		t.Errorf("delete status %d", w.Code)
	}
	if w := do(t, srv, http.MethodDelete, "/api/v1/documents/lecture-1", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status %d", w.Code)
	}
}

func TestHandleStatusProvidersHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	putItems(t, srv)

	w := do(t, srv, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var st struct {
		Items      int `json:"items"`
		Dimensions int `json:"dimensions"`
	}
	decode(t, w, &st)
	if st.Items != 4 || st.Dimensions != 32 {
		t.Errorf("status=%+v", st)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/providers", nil)
	var prov struct {
		Providers []models.ProviderStatus `json:"providers"`
	}
	decode(t, w, &prov)
	if len(prov.Providers) != 1 || prov.Providers[0].ProviderName != "mock" {
		t.Errorf("providers=%+v", prov)
	}

	if w := do(t, srv, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health status %d", w.Code)
	}
}

func TestHandleWatchDirectories(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	mock := &mockWatchService{}
	srv, _ := newTestServer(t, mock, configPath)

	w := do(t, srv, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": dir, "sync": false})
	if w.Code != http.StatusCreated {
		t.Fatalf("add status %d: %s", w.Code, w.Body.String())
	}
	saved, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Ingest.Directories) != 1 || saved.Ingest.Directories[0] != dir {
		t.Errorf("persisted directories %v", saved.Ingest.Directories)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/watch/directories", nil)
	var list struct {
		Directories []string `json:"directories"`
	}
	decode(t, w, &list)
	if len(list.Directories) != 1 {
		t.Errorf("list=%v", list.Directories)
	}

	if w := do(t, srv, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": filepath.Join(dir, "missing")}); w.Code != http.StatusNotFound {
		t.Errorf("missing dir status %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/watch/directories", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty path status %d", w.Code)
	}
	if w := do(t, srv, http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil); w.Code != http.StatusOK {
		t.Errorf("remove status %d", w.Code)
	}
	if len(mock.Directories()) != 0 {
		t.Errorf("after remove %v", mock.Directories())
	}
}

func TestHandleWatchDirectories_NotEnabled(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	if w := do(t, srv, http.MethodGet, "/api/v1/watch/directories", nil); w.Code != http.StatusNotImplemented {
		t.Errorf("status %d, want 501", w.Code)
	}
}
