package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/ruiji/internal/keyword"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/vector"
)

// SQLiteStore implements ItemStore using SQLite for items and a keyword
// index for text candidates.
type SQLiteStore struct {
	db   *sql.DB
	text keyword.TextIndex
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. When the keyword index
// holds fewer entries than the table it is rebuilt from the table.
func NewSQLiteStore(ctx context.Context, dbPath string, text keyword.TextIndex) (*SQLiteStore, error) {
	if text == nil {
		return nil, fmt.Errorf("sqlite store requires a keyword index")
	}
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s := &SQLiteStore{db: db, text: text}
	if err := s.syncTextIndex(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		vector BLOB,
		dimensions INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_updated_at ON items(updated_at);
	CREATE INDEX IF NOT EXISTS idx_items_dimensions ON items(dimensions);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) syncTextIndex(ctx context.Context) error {
	n, err := s.Count(ctx)
	if err != nil {
		return err
	}
	indexed, err := s.text.DocCount()
	if err != nil {
		return fmt.Errorf("keyword doc count: %w", err)
	}
	if uint64(n) <= indexed {
		return nil
	}
	items, err := s.All(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := s.text.Index(ctx, it.ID, it.Text, it.Tags()); err != nil {
			return fmt.Errorf("reindex %s: %w", it.ID, err)
		}
	}
	return nil
}

// Upsert inserts or replaces an item.
func (s *SQLiteStore) Upsert(ctx context.Context, item *models.IndexedItem) error {
	if item == nil || item.ID == "" {
		return models.InvalidArgumentf("item id cannot be empty")
	}
	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (id, text, vector, dimensions, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   text = excluded.text,
		   vector = excluded.vector,
		   dimensions = excluded.dimensions,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		item.ID, item.Text, vector.Encode(item.Vector), len(item.Vector), string(metadataJSON), item.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}
	if err := s.text.Index(ctx, item.ID, item.Text, item.Tags()); err != nil {
		return fmt.Errorf("index item text %s: %w", item.ID, err)
	}
	return nil
}

// Remove deletes an item and its keyword entry.
func (s *SQLiteStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete item %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if err := s.text.Delete(ctx, id); err != nil {
		return n > 0, fmt.Errorf("delete keyword entry %s: %w", id, err)
	}
	return n > 0, nil
}

const (
	itemColumns     = `id, text, vector, metadata, updated_at`
	sqliteMaxParams = 500
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.IndexedItem, error) {
	var (
		it       models.IndexedItem
		blob     []byte
		metadata sql.NullString
	)
	if err := row.Scan(&it.ID, &it.Text, &blob, &metadata, &it.UpdatedAt); err != nil {
		return nil, err
	}
	vec, err := vector.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", it.ID, err)
	}
	it.Vector = vec
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &it.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &it, nil
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...interface{}) ([]*models.IndexedItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*models.IndexedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Get returns an item by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.IndexedItem, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// QueryByVector loads rows with a vector of the query's dimension and ranks them.
func (s *SQLiteStore) QueryByVector(ctx context.Context, query []float32, metric vector.Metric, limit int) ([]*models.IndexedItem, error) {
	items, err := s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE dimensions = ?`, len(query))
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	return rankByVector(items, query, metric, limit), nil
}

// QueryByText asks the keyword index for candidates and loads them in hit order.
func (s *SQLiteStore) QueryByText(ctx context.Context, text string, limit int) ([]*models.IndexedItem, error) {
	hits, err := s.text.Search(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	var items []*models.IndexedItem
	for start := 0; start < len(hits); start += sqliteMaxParams {
		end := start + sqliteMaxParams
		if end > len(hits) {
			end = len(hits)
		}
		ids := make([]interface{}, 0, end-start)
		for _, h := range hits[start:end] {
			ids = append(ids, h.ID)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		chunk, err := s.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE id IN (`+placeholders+`)`, ids...)
		if err != nil {
			return nil, fmt.Errorf("load text candidates: %w", err)
		}
		items = append(items, chunk...)
	}
	byID := make(map[string]*models.IndexedItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]*models.IndexedItem, 0, len(items))
	for _, h := range hits {
		if it, ok := byID[h.ID]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// All returns every item ordered by id.
func (s *SQLiteStore) All(ctx context.Context) ([]*models.IndexedItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items ORDER BY id`)
}

// Count returns the number of items.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n)
	return n, err
}

// Close closes the database and the keyword index.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if terr := s.text.Close(); err == nil {
		err = terr
	}
	return err
}
