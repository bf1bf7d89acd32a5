package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Operation names the request variant carried by a semantic request envelope.
type Operation string

const (
	OpEmbed   Operation = "embed"
	OpSearch  Operation = "search"
	OpCluster Operation = "cluster"
	OpCompare Operation = "compare"
)

// SearchMode selects how RetrievalIndex answers a query.
type SearchMode string

const (
	ModeVector SearchMode = "vector"
	ModeText   SearchMode = "text"
	ModeHybrid SearchMode = "hybrid"
)

// ParseSearchMode accepts "", "vector", "semantic", "text", "keyword" and "hybrid".
// Empty input yields ModeHybrid.
func ParseSearchMode(s string) (SearchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hybrid":
		return ModeHybrid, nil
	case "vector", "semantic":
		return ModeVector, nil
	case "text", "keyword":
		return ModeText, nil
	}
	return "", InvalidArgumentf("unknown search type %q", s)
}

const (
	DefaultLimit         = 10
	MaxLimit             = 100
	MaxEmbedTexts        = 2048
	MaxCompareTexts      = 64
	DefaultMaxIterations = 50
	AlgorithmKMeans      = "kmeans"
)

// Request is one of EmbedRequest, SearchRequest, ClusterRequest or CompareRequest.
type Request interface {
	Operation() Operation
	Validate() error
}

// EmbedRequest asks for embeddings of one or more texts.
type EmbedRequest struct {
	Texts     []string `json:"texts,omitempty"`
	Text      string   `json:"text,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	TimeoutMs int      `json:"timeoutMs,omitempty"`
}

func (r *EmbedRequest) Operation() Operation { return OpEmbed }

// Validate folds Text into Texts and rejects empty or oversized input.
// Blank entries are allowed; they come back as null vectors.
func (r *EmbedRequest) Validate() error {
	if len(r.Texts) == 0 && r.Text != "" {
		r.Texts = []string{r.Text}
	}
	if len(r.Texts) == 0 {
		return InvalidArgumentf("texts cannot be empty")
	}
	if len(r.Texts) > MaxEmbedTexts {
		return InvalidArgumentf("too many texts: %d > %d", len(r.Texts), MaxEmbedTexts)
	}
	if r.TimeoutMs < 0 {
		return InvalidArgumentf("timeoutMs cannot be negative")
	}
	return nil
}

// SearchRequest queries the retrieval index.
type SearchRequest struct {
	Query         string                 `json:"query"`
	Text          string                 `json:"text,omitempty"`
	UserID        string                 `json:"userId,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
	MinSimilarity *float64               `json:"minSimilarity,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	SearchType    string                 `json:"searchType,omitempty"`
	Metric        string                 `json:"metric,omitempty"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
	TimeoutMs     int                    `json:"timeoutMs,omitempty"`
}

func (r *SearchRequest) Operation() Operation { return OpSearch }

// Validate ensures the query is present and normalizes SearchType.
// A negative limit is rejected. Omitted fields stay zero for the caller's
// configured defaults to fill.
func (r *SearchRequest) Validate() error {
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		r.Query = strings.TrimSpace(r.Text)
	}
	if r.Query == "" {
		return InvalidArgumentf("query cannot be empty")
	}
	if r.Limit < 0 {
		return InvalidArgumentf("limit must be positive, got %d", r.Limit)
	}
	if r.MinSimilarity != nil && (math.IsNaN(*r.MinSimilarity) || math.IsInf(*r.MinSimilarity, 0)) {
		return InvalidArgumentf("minSimilarity must be finite")
	}
	if r.SearchType != "" {
		mode, err := ParseSearchMode(r.SearchType)
		if err != nil {
			return err
		}
		r.SearchType = string(mode)
	}
	if r.TimeoutMs < 0 {
		return InvalidArgumentf("timeoutMs cannot be negative")
	}
	return nil
}

// ClusterRequest runs a clustering pass over the index.
type ClusterRequest struct {
	NumClusters   int    `json:"numClusters"`
	Algorithm     string `json:"algorithm,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	Seed          *int64 `json:"seed,omitempty"`
	TopTerms      int    `json:"topTerms,omitempty"`
	UserID        string `json:"userId,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

func (r *ClusterRequest) Operation() Operation { return OpCluster }

// Validate rejects non-positive cluster counts and unknown algorithms.
func (r *ClusterRequest) Validate() error {
	if r.NumClusters <= 0 {
		return InvalidArgumentf("numClusters must be positive, got %d", r.NumClusters)
	}
	switch strings.ToLower(r.Algorithm) {
	case "", AlgorithmKMeans, "k-means":
		r.Algorithm = AlgorithmKMeans
	default:
		return InvalidArgumentf("unsupported algorithm %q", r.Algorithm)
	}
	if r.MaxIterations < 0 {
		return InvalidArgumentf("maxIterations cannot be negative")
	}
	if r.MaxIterations == 0 {
		r.MaxIterations = DefaultMaxIterations
	}
	if r.TopTerms < 0 {
		return InvalidArgumentf("topTerms cannot be negative")
	}
	return nil
}

// CompareRequest computes pairwise similarity between texts.
// A and B are shorthand for a two-text comparison.
type CompareRequest struct {
	Texts    []string `json:"texts,omitempty"`
	A        string   `json:"a,omitempty"`
	B        string   `json:"b,omitempty"`
	Metric   string   `json:"metric,omitempty"`
	Provider string   `json:"provider,omitempty"`
	UserID   string   `json:"userId,omitempty"`
}

func (r *CompareRequest) Operation() Operation { return OpCompare }

// Validate requires at least two non-blank texts.
func (r *CompareRequest) Validate() error {
	if len(r.Texts) == 0 && (r.A != "" || r.B != "") {
		r.Texts = []string{r.A, r.B}
	}
	if len(r.Texts) < 2 {
		return InvalidArgumentf("compare needs at least two texts")
	}
	if len(r.Texts) > MaxCompareTexts {
		return InvalidArgumentf("too many texts: %d > %d", len(r.Texts), MaxCompareTexts)
	}
	for i, t := range r.Texts {
		if strings.TrimSpace(t) == "" {
			return InvalidArgumentf("text %d is empty", i)
		}
	}
	return nil
}

// NewRequest returns an empty request variant for op.
func NewRequest(op Operation) (Request, error) {
	switch op {
	case OpEmbed:
		return &EmbedRequest{}, nil
	case OpSearch:
		return &SearchRequest{}, nil
	case OpCluster:
		return &ClusterRequest{}, nil
	case OpCompare:
		return &CompareRequest{}, nil
	}
	return nil, InvalidArgumentf("unknown operation %q", op)
}

// DecodeRequest reads a JSON envelope of the form {"operation": ..., ...fields}
// and returns the matching request variant, validated.
func DecodeRequest(data []byte) (Request, error) {
	var head struct {
		Operation Operation `json:"operation"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, InvalidArgumentf("invalid request body: %v", err)
	}
	if head.Operation == "" {
		return nil, InvalidArgumentf("operation is required")
	}
	req, err := NewRequest(head.Operation)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, InvalidArgumentf("invalid %s request: %v", head.Operation, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", head.Operation, err)
	}
	return req, nil
}
