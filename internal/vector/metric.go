package vector

import (
	"strings"

	"github.com/hyperjump/ruiji/internal/models"
)

// Metric selects how two vectors are scored against each other.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// ParseMetric maps a user-supplied name to a Metric. Empty input yields MetricCosine.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return MetricCosine, nil
	case "euclidean", "l2":
		return MetricEuclidean, nil
	case "dot", "inner_product", "dotproduct":
		return MetricDot, nil
	}
	return "", models.InvalidArgumentf("unknown metric %q", s)
}

// Similarity scores a against b so that higher is always more similar.
// Euclidean distance d is converted to 1/(1+d).
func (m Metric) Similarity(a, b []float32) (float64, error) {
	switch m {
	case MetricEuclidean:
		d, err := EuclideanDistance(a, b)
		if err != nil {
			return 0, err
		}
		return 1 / (1 + d), nil
	case MetricDot:
		return DotProduct(a, b)
	default:
		return CosineSimilarity(a, b)
	}
}

func (m Metric) String() string { return string(m) }
