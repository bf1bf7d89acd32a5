// Package models defines core data structures for indexed items, requests, clusters, and results.
package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Metadata keys with meaning to the engine.
const (
	MetaTags      = "tags"
	MetaSubject   = "subject"
	MetaCreatedAt = "createdAt"
	MetaSourceID  = "sourceId"
)

// IndexedItem is a stored text with an optional embedding vector.
// Vector is nil when embedding failed or was never attempted.
type IndexedItem struct {
	ID        string                 `json:"id" db:"id"`
	Vector    []float32              `json:"vector,omitempty" db:"-"`
	Text      string                 `json:"text" db:"text"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"-"`
	UpdatedAt time.Time              `json:"updated_at" db:"updated_at"`
}

// HasVector reports whether the item carries an embedding.
func (it *IndexedItem) HasVector() bool {
	return it != nil && len(it.Vector) > 0
}

// Clone returns a deep copy so callers can mutate it without touching index state.
func (it *IndexedItem) Clone() *IndexedItem {
	if it == nil {
		return nil
	}
	out := *it
	if it.Vector != nil {
		out.Vector = append([]float32(nil), it.Vector...)
	}
	if it.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(it.Metadata))
		for k, v := range it.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// CreatedAt reads metadata.createdAt. Accepts RFC3339 strings, time.Time and
// unix seconds. Returns the zero time when absent or unparsable.
func (it *IndexedItem) CreatedAt() time.Time {
	if it == nil || it.Metadata == nil {
		return time.Time{}
	}
	switch v := it.Metadata[MetaCreatedAt].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case int:
		return time.Unix(int64(v), 0).UTC()
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}

// Tags returns metadata.tags lowercased, deduplicated and sorted.
func (it *IndexedItem) Tags() []string {
	if it == nil || it.Metadata == nil {
		return nil
	}
	var raw []string
	switch v := it.Metadata[MetaTags].(type) {
	case []string:
		raw = v
	case []interface{}:
		for _, t := range v {
			if s, ok := t.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(v, ",")
	}
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subject returns metadata.subject or "".
func (it *IndexedItem) Subject() string {
	if it == nil || it.Metadata == nil {
		return ""
	}
	s, _ := it.Metadata[MetaSubject].(string)
	return s
}

// ItemInput is the body for creating or replacing an item over the API.
type ItemInput struct {
	ID       string                 `json:"id,omitempty"`
	Text     string                 `json:"text"`
	Vector   []float32              `json:"vector,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
