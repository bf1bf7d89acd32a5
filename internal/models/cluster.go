package models

import "time"

// Cluster is one topic group produced by a clustering run.
type Cluster struct {
	ID            string    `json:"id"`
	Centroid      []float32 `json:"centroid"`
	MemberIDs     []string  `json:"memberIds"`
	DominantTerms []string  `json:"dominantTerms"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Size returns the number of members.
func (c *Cluster) Size() int { return len(c.MemberIDs) }

// ClusterSet is the full output of one run. It replaces the previous set as a whole.
type ClusterSet struct {
	Clusters   []*Cluster `json:"clusters"`
	Algorithm  string     `json:"algorithm"`
	RequestedK int        `json:"requestedK"`
	EffectiveK int        `json:"effectiveK"`
	KAdjusted  bool       `json:"kAdjusted"`
	Included   int        `json:"included"`
	Excluded   int        `json:"excluded"`
	Iterations int        `json:"iterations"`
	Converged  bool       `json:"converged"`
	Seed       int64      `json:"seed"`
	CreatedAt  time.Time  `json:"createdAt"`
	DurationMs int64      `json:"durationMs"`
}

// ClusterOf returns the cluster containing id, or nil.
func (s *ClusterSet) ClusterOf(id string) *Cluster {
	if s == nil {
		return nil
	}
	for _, c := range s.Clusters {
		for _, m := range c.MemberIDs {
			if m == id {
				return c
			}
		}
	}
	return nil
}
