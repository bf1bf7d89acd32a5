// Package keyword provides a full-text candidate index over item texts.
// It narrows text-mode queries to items sharing at least one word with the
// query; scoring happens in the retrieval index.
package keyword

import "context"

// TextIndex defines keyword indexing operations.
type TextIndex interface {
	Index(ctx context.Context, id, text string, tags []string) error
	// Search returns ids of items matching any query word, best first.
	// A limit of zero or less returns every match.
	Search(ctx context.Context, query string, limit int) ([]*Result, error)
	Delete(ctx context.Context, id string) error
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword hit.
type Result struct {
	ID    string
	Score float64
}
