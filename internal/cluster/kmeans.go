package cluster

import (
	"context"
	"math"
	"math/rand"

	"github.com/hyperjump/ruiji/internal/vector"
)

type kmeansResult struct {
	assign     []int
	centroids  [][]float32
	iterations int
	converged  bool
}

// kmeans partitions points into k groups by nearest centroid under squared
// Euclidean distance. Initial centroids are the first k distinct points of a
// permutation drawn from rng. All points must share one dimension.
func kmeans(ctx context.Context, points [][]float32, k, maxIterations int, rng *rand.Rand) (*kmeansResult, error) {
	n := len(points)
	res := &kmeansResult{assign: make([]int, n), centroids: initCentroids(points, k, rng)}
	for i := range res.assign {
		res.assign[i] = -1
	}

	for iter := 1; iter <= maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.iterations = iter

		changed := false
		for i, p := range points {
			best, err := nearest(p, res.centroids)
			if err != nil {
				return nil, err
			}
			if res.assign[i] != best {
				res.assign[i] = best
				changed = true
			}
		}
		if !changed {
			res.converged = true
			break
		}

		members := make([][][]float32, k)
		for i, c := range res.assign {
			members[c] = append(members[c], points[i])
		}
		for c := range members {
			if len(members[c]) == 0 {
				// empty clusters keep their previous centroid
				continue
			}
			mean, err := vector.Mean(members[c])
			if err != nil {
				return nil, err
			}
			res.centroids[c] = mean
		}
	}
	return res, nil
}

func initCentroids(points [][]float32, k int, rng *rand.Rand) [][]float32 {
	perm := rng.Perm(len(points))
	centroids := make([][]float32, 0, k)
	var duplicates []int
	for _, idx := range perm {
		if len(centroids) == k {
			break
		}
		if containsVector(centroids, points[idx]) {
			duplicates = append(duplicates, idx)
			continue
		}
		centroids = append(centroids, append([]float32(nil), points[idx]...))
	}
	// fewer distinct points than k: fill with repeated points
	for _, idx := range duplicates {
		if len(centroids) == k {
			break
		}
		centroids = append(centroids, append([]float32(nil), points[idx]...))
	}
	return centroids
}

func containsVector(set [][]float32, v []float32) bool {
	for _, s := range set {
		equal := len(s) == len(v)
		for i := 0; equal && i < len(v); i++ {
			equal = s[i] == v[i]
		}
		if equal {
			return true
		}
	}
	return false
}

// nearest returns the index of the closest centroid; ties go to the lowest index.
func nearest(p []float32, centroids [][]float32) (int, error) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		d, err := vector.SquaredEuclidean(p, centroid)
		if err != nil {
			return 0, err
		}
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, nil
}
