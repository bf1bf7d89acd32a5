package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/vector"
	"github.com/hyperjump/ruiji/pkg/utils"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresStore implements ItemStore on Postgres with the pgvector extension.
// Nearest-neighbour candidates are ordered by the database; text candidates
// use a 'simple' full-text match.
type PostgresStore struct {
	db         *sqlx.DB
	table      string
	dimensions int
}

type pgItemRow struct {
	ID        string           `db:"id"`
	Text      string           `db:"text"`
	Embedding *pgvector.Vector `db:"embedding"`
	Metadata  []byte           `db:"metadata"`
	UpdatedAt time.Time        `db:"updated_at"`
}

func (r *pgItemRow) item() (*models.IndexedItem, error) {
	it := &models.IndexedItem{ID: r.ID, Text: r.Text, UpdatedAt: r.UpdatedAt}
	if r.Embedding != nil {
		it.Vector = r.Embedding.Slice()
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &it.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", r.ID, err)
		}
	}
	return it, nil
}

// NewPostgresStore connects to dsn and creates the table when missing.
func NewPostgresStore(ctx context.Context, dsn, table string, dimensions int) (*PostgresStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("postgres store: dimensions must be positive")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{db: db, table: table, dimensions: dimensions}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			embedding vector(%d),
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			tags TEXT[] NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, s.dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_text_idx ON %s USING gin (to_tsvector('simple', text))`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tags_idx ON %s USING gin (tags)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or replaces an item.
func (s *PostgresStore) Upsert(ctx context.Context, item *models.IndexedItem) error {
	if item == nil || item.ID == "" {
		return models.InvalidArgumentf("item id cannot be empty")
	}
	if item.HasVector() && len(item.Vector) != s.dimensions {
		return models.DimensionMismatch(len(item.Vector), s.dimensions)
	}
	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if item.Metadata == nil {
		metadataJSON = []byte("{}")
	}
	var embedding interface{}
	if item.HasVector() {
		embedding = pgvector.NewVector(item.Vector)
	}
	tags := item.Tags()
	if tags == nil {
		tags = []string{}
	}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, text, embedding, metadata, tags, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at`, s.table)
	_, err = s.db.ExecContext(ctx, stmt, item.ID, item.Text, embedding, string(metadataJSON), pq.Array(tags), item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}
	return nil
}

// Remove deletes an item.
func (s *PostgresStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	if err != nil {
		return false, fmt.Errorf("delete item %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) selectItems(ctx context.Context, query string, args ...interface{}) ([]*models.IndexedItem, error) {
	var rows []pgItemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*models.IndexedItem, 0, len(rows))
	for i := range rows {
		it, err := rows[i].item()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *PostgresStore) columns() string {
	return `id, text, embedding, metadata, updated_at`
}

// Get returns an item by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.IndexedItem, error) {
	var row pgItemRow
	err := s.db.GetContext(ctx, &row, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.columns(), s.table), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.item()
}

// distanceOperator maps a metric to the pgvector operator ordering nearest first.
func distanceOperator(m vector.Metric) string {
	switch m {
	case vector.MetricEuclidean:
		return "<->"
	case vector.MetricDot:
		return "<#>"
	default:
		return "<=>"
	}
}

// QueryByVector orders rows by pgvector distance.
func (s *PostgresStore) QueryByVector(ctx context.Context, query []float32, metric vector.Metric, limit int) ([]*models.IndexedItem, error) {
	if len(query) != s.dimensions {
		return nil, models.DimensionMismatch(len(query), s.dimensions)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE embedding IS NOT NULL ORDER BY embedding %s $1, id`,
		s.columns(), s.table, distanceOperator(metric))
	args := []interface{}{pgvector.NewVector(query)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	items, err := s.selectItems(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return items, nil
}

// tsQuery builds an OR query of the words of text.
func tsQuery(text string) string {
	return strings.Join(utils.Words(text), " | ")
}

// QueryByText matches any word of text using the 'simple' text search configuration.
func (s *PostgresStore) QueryByText(ctx context.Context, text string, limit int) ([]*models.IndexedItem, error) {
	tq := tsQuery(text)
	if tq == "" {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE to_tsvector('simple', text) @@ to_tsquery('simple', $1)
		ORDER BY ts_rank(to_tsvector('simple', text), to_tsquery('simple', $1)) DESC, id`,
		s.columns(), s.table)
	args := []interface{}{tq}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	items, err := s.selectItems(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	return items, nil
}

// All returns every item ordered by id.
func (s *PostgresStore) All(ctx context.Context) ([]*models.IndexedItem, error) {
	return s.selectItems(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, s.columns(), s.table))
}

// Count returns the number of items.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table))
	return n, err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
