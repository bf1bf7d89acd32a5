package models

import "time"

// MatchType records whether a result came from vector similarity or text overlap.
type MatchType string

const (
	MatchVector MatchType = "vector"
	MatchText   MatchType = "text"
)

// SimilarityResult is a single ranked hit.
type SimilarityResult struct {
	Item      *IndexedItem `json:"item"`
	Score     float64      `json:"score"`
	MatchType MatchType    `json:"matchType"`
	Highlight string       `json:"highlight,omitempty"`
	Rank      int          `json:"rank"`
}

// SearchResponse is the envelope returned for a query.
// FallbackUsed is true when hybrid mode degraded to text matching.
type SearchResponse struct {
	Query          string              `json:"query"`
	Mode           SearchMode          `json:"mode"`
	Metric         string              `json:"metric,omitempty"`
	Results        []*SimilarityResult `json:"results"`
	Total          int                 `json:"total"`
	FallbackUsed   bool                `json:"fallbackUsed"`
	FallbackReason string              `json:"fallbackReason,omitempty"`
	QueryTime      int64               `json:"query_time_ms"`
}

// EmbedResponse carries vectors aligned with the request texts.
// Vectors[i] is nil for blank or failed texts; FailedIndices lists the failures.
type EmbedResponse struct {
	Vectors        [][]float32 `json:"vectors"`
	Provider       string      `json:"providerUsed"`
	ProviderUsed   []string    `json:"providers,omitempty"`
	Model          string      `json:"model"`
	Dimensions     int         `json:"dimensions"`
	TokenUsage     int         `json:"tokenUsage"`
	FailedIndices  []int       `json:"failedIndices,omitempty"`
	SkippedIndices []int       `json:"skippedIndices,omitempty"`
	Partial        bool        `json:"partial"`
	Success        bool        `json:"success"`
}

// CompareResponse holds the pairwise similarity matrix of the compared texts.
type CompareResponse struct {
	Texts    []string    `json:"texts"`
	Metric   string      `json:"metric"`
	Matrix   [][]float64 `json:"matrix"`
	Provider string      `json:"providerUsed"`
	Model    string      `json:"model"`
}

// ItemResponse is returned by item writes.
type ItemResponse struct {
	ID         string    `json:"id"`
	Embedded   bool      `json:"embedded"`
	Dimensions int       `json:"dimensions,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
