package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hyperjump/ruiji/internal/models"
)

var (
	bucketClusters = []byte("clusters")
	bucketRuns     = []byte("cluster_runs")
	keyLatest      = []byte("latest")
)

const (
	// maxRuns bounds the run summaries kept in bucketRuns.
	maxRuns = 100
	// openTimeout bounds the wait for another process's file lock.
	openTimeout = 2 * time.Second
)

// ClusterRun summarizes one persisted clustering run.
type ClusterRun struct {
	CreatedAt  int64 `json:"created_at"`
	EffectiveK int   `json:"effective_k"`
	Included   int   `json:"included"`
	Excluded   int   `json:"excluded"`
	Iterations int   `json:"iterations"`
	Seed       int64 `json:"seed"`
}

// BoltClusterStore keeps the latest cluster set and a short run history in bbolt.
type BoltClusterStore struct {
	db *bbolt.DB
}

// NewBoltClusterStore opens or creates the bbolt file at path.
func NewBoltClusterStore(path string) (*BoltClusterStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cluster store directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketClusters, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltClusterStore{db: db}, nil
}

// SaveClusters replaces the stored set and appends a run summary.
func (s *BoltClusterStore) SaveClusters(ctx context.Context, set *models.ClusterSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal cluster set: %w", err)
	}
	run, err := json.Marshal(ClusterRun{
		CreatedAt:  set.CreatedAt.UnixNano(),
		EffectiveK: set.EffectiveK,
		Included:   set.Included,
		Excluded:   set.Excluded,
		Iterations: set.Iterations,
		Seed:       set.Seed,
	})
	if err != nil {
		return fmt.Errorf("marshal cluster run: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketClusters).Put(keyLatest, data); err != nil {
			return err
		}
		runs := tx.Bucket(bucketRuns)
		seq, err := runs.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := runs.Put(key, run); err != nil {
			return err
		}
		// drop the oldest summaries beyond maxRuns
		var keys [][]byte
		c := runs.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-maxRuns; i++ {
			if err := runs.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadClusters returns the latest saved set, or nil if none.
func (s *BoltClusterStore) LoadClusters(ctx context.Context) (*models.ClusterSet, error) {
	var set *models.ClusterSet
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get(keyLatest)
		if data == nil {
			return nil
		}
		set = &models.ClusterSet{}
		return json.Unmarshal(data, set)
	})
	if err != nil {
		return nil, fmt.Errorf("load cluster set: %w", err)
	}
	return set, nil
}

// Runs returns stored run summaries, newest first.
func (s *BoltClusterStore) Runs(ctx context.Context, limit int) ([]ClusterRun, error) {
	var out []ClusterRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var r ClusterRun
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Close closes the bolt database.
func (s *BoltClusterStore) Close() error {
	return s.db.Close()
}
