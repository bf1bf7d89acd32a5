package models

import (
	"errors"
	"math"
	"net/http"
	"testing"
	"time"
)

func TestSearchRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *SearchRequest
		wantErr bool
	}{
		{"empty query", &SearchRequest{Query: "  "}, true},
		{"valid query", &SearchRequest{Query: "algebra"}, false},
		{"text alias", &SearchRequest{Text: "algebra"}, false},
		{"negative limit", &SearchRequest{Query: "x", Limit: -1}, true},
		{"large limit left for config cap", &SearchRequest{Query: "x", Limit: 500}, false},
		{"non-finite min similarity", &SearchRequest{Query: "x", MinSimilarity: func() *float64 { v := math.NaN(); return &v }()}, true},
		{"unknown search type", &SearchRequest{Query: "x", SearchType: "fuzzy"}, true},
		{"keyword alias", &SearchRequest{Query: "x", SearchType: "keyword"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("expected ErrInvalidArgument, got %v", err)
				}
				return
			}
			if tt.name == "valid query" && tt.req.Limit != 0 {
				t.Errorf("omitted limit should stay 0, got %d", tt.req.Limit)
			}
			if tt.name == "large limit left for config cap" && tt.req.Limit != 500 {
				t.Errorf("limit changed to %d", tt.req.Limit)
			}
			if tt.name == "keyword alias" && tt.req.SearchType != string(ModeText) {
				t.Errorf("search type not normalized: %q", tt.req.SearchType)
			}
		})
	}
}

func TestClusterRequest_Validate(t *testing.T) {
	r := &ClusterRequest{NumClusters: 3}
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	if r.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations=%d, want %d", r.MaxIterations, DefaultMaxIterations)
	}
	if r.Algorithm != AlgorithmKMeans {
		t.Errorf("Algorithm=%q", r.Algorithm)
	}
	for _, bad := range []*ClusterRequest{
		{NumClusters: 0},
		{NumClusters: 2, Algorithm: "dbscan"},
		{NumClusters: 2, MaxIterations: -1},
	} {
		if err := bad.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidArgument", bad, err)
		}
	}
}

func TestCompareRequest_Validate(t *testing.T) {
	r := &CompareRequest{A: "one", B: "two"}
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	if len(r.Texts) != 2 {
		t.Errorf("Texts=%v", r.Texts)
	}
	if err := (&CompareRequest{Texts: []string{"only"}}).Validate(); err == nil {
		t.Error("expected error for a single text")
	}
	if err := (&CompareRequest{Texts: []string{"a", " "}}).Validate(); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantOp  Operation
		wantErr bool
	}{
		{"embed", `{"operation":"embed","texts":["a","b"]}`, OpEmbed, false},
		{"search", `{"operation":"search","query":"algebra","limit":2,"searchType":"hybrid"}`, OpSearch, false},
		{"cluster", `{"operation":"cluster","numClusters":3,"seed":42}`, OpCluster, false},
		{"compare", `{"operation":"compare","texts":["a","b"]}`, OpCompare, false},
		{"missing operation", `{"texts":["a"]}`, "", true},
		{"unknown operation", `{"operation":"recommend"}`, "", true},
		{"invalid json", `{`, "", true},
		{"invalid variant", `{"operation":"cluster","numClusters":0}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if HTTPStatus(err) != http.StatusBadRequest {
					t.Errorf("HTTPStatus=%d, want 400", HTTPStatus(err))
				}
				return
			}
			if req.Operation() != tt.wantOp {
				t.Errorf("Operation=%q, want %q", req.Operation(), tt.wantOp)
			}
		})
	}
	req, err := DecodeRequest([]byte(`{"operation":"cluster","numClusters":3,"seed":42}`))
	if err != nil {
		t.Fatal(err)
	}
	cr := req.(*ClusterRequest)
	if cr.Seed == nil || *cr.Seed != 42 {
		t.Errorf("Seed=%v", cr.Seed)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{InvalidArgumentf("bad"), http.StatusBadRequest},
		{DimensionMismatch(3, 4), http.StatusBadRequest},
		{ErrAllProvidersUnavailable, http.StatusServiceUnavailable},
		{ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v)=%d, want %d", tt.err, got, tt.want)
		}
	}
	if ErrorCode(DimensionMismatch(1, 2)) != "DIMENSION_MISMATCH" {
		t.Errorf("ErrorCode=%q", ErrorCode(DimensionMismatch(1, 2)))
	}
}

func TestIndexedItem_Metadata(t *testing.T) {
	item := &IndexedItem{
		ID:   "f1",
		Text: "calculus derivatives",
		Metadata: map[string]interface{}{
			MetaTags:      []interface{}{"Math", "calculus", "math"},
			MetaCreatedAt: "2024-03-01T10:00:00Z",
		},
	}
	tags := item.Tags()
	if len(tags) != 2 || tags[0] != "calculus" || tags[1] != "math" {
		t.Errorf("Tags=%v", tags)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !item.CreatedAt().Equal(want) {
		t.Errorf("CreatedAt=%v, want %v", item.CreatedAt(), want)
	}
	item.Metadata[MetaCreatedAt] = float64(want.Unix())
	if !item.CreatedAt().Equal(want) {
		t.Errorf("CreatedAt from unix=%v", item.CreatedAt())
	}

	clone := item.Clone()
	clone.Metadata["subject"] = "physics"
	if item.Subject() != "" {
		t.Error("Clone shares metadata with original")
	}
}
