// Package vector provides similarity and distance routines for embedding vectors.
// All functions are pure; accumulation happens in float64 so identical inputs
// always produce identical outputs.
package vector

import (
	"math"

	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/pkg/utils"
)

// CosineSimilarity returns dot(a,b) / (|a| * |b|). It returns 0 when either norm is zero.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, models.DimensionMismatch(len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// rounding can push identical vectors slightly past 1
	return math.Max(-1, math.Min(1, cos)), nil
}

// EuclideanDistance returns sqrt(sum((a_i-b_i)^2)). Lower is more similar.
func EuclideanDistance(a, b []float32) (float64, error) {
	d, err := SquaredEuclidean(a, b)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(d), nil
}

// SquaredEuclidean returns sum((a_i-b_i)^2).
func SquaredEuclidean(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, models.DimensionMismatch(len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum, nil
}

// DotProduct returns the inner product of a and b.
func DotProduct(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, models.DimensionMismatch(len(a), len(b))
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot, nil
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := append([]float32(nil), v...)
	utils.NormalizeL2(out)
	return out
}

// Mean returns the component-wise mean of vectors. All vectors must share a dimension.
func Mean(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, models.DimensionMismatch(dim, len(v))
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i := range sum {
		out[i] = float32(sum[i] / n)
	}
	return out, nil
}
