package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/config"
	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/extract"
	"github.com/hyperjump/ruiji/internal/fileid"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/retrieval"
	"github.com/hyperjump/ruiji/pkg/utils"
)

// Chunk metadata keys written by the indexer.
const (
	MetaPath        = "path"
	MetaChunk       = "chunk"
	MetaChunks      = "chunks"
	metaSourceMtime = "sourceMtime"
	metaSourceSize  = "sourceSize"
)

// Stats counts the outcome of a directory ingest.
type Stats struct {
	Files   int `json:"files"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Removed int `json:"removed"`
	Chunks  int `json:"chunks"`
}

// Indexer writes chunked documents into a retrieval index.
type Indexer struct {
	index     *retrieval.Index
	extractor *extract.Extractor
	chunker   *Chunker
	filter    *Filter
	embed     embedding.EmbedOptions
	tags      []string
	logger    *zap.Logger
	progress  func(path string, stats Stats)
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(x *Indexer) { x.logger = utils.OrNop(l) }
}

// WithProgress registers a callback invoked after each file of a directory ingest.
func WithProgress(fn func(path string, stats Stats)) Option {
	return func(x *Indexer) { x.progress = fn }
}

// WithEmbedOptions sets the options passed to the embedder.
func WithEmbedOptions(opts embedding.EmbedOptions) Option {
	return func(x *Indexer) { x.embed = opts }
}

// WithTags adds tags to every chunk written by the indexer.
func WithTags(tags ...string) Option {
	return func(x *Indexer) { x.tags = tags }
}

// New creates an indexer. extractor may be nil, in which case files are read as plain text.
func New(index *retrieval.Index, extractor *extract.Extractor, cfg config.IngestConfig, opts ...Option) (*Indexer, error) {
	filter, err := NewFilter(cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, err
	}
	x := &Indexer{
		index:     index,
		extractor: extractor,
		chunker:   NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		filter:    filter,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Accept reports whether path under root passes the include and exclude globs.
func (x *Indexer) Accept(root, path string) bool {
	return x.filter.Match(root, path)
}

// IndexText chunks text and stores it as a source. An empty sourceID gets a
// generated one. It returns the source id and the stored chunks.
func (x *Indexer) IndexText(ctx context.Context, sourceID, text string, metadata map[string]interface{}) (string, []*models.IndexedItem, error) {
	if sourceID == "" {
		sourceID = "doc:" + uuid.New().String()
	}
	if _, err := x.RemoveSource(ctx, sourceID); err != nil {
		return "", nil, err
	}
	items, err := x.writeChunks(ctx, sourceID, text, metadata)
	if err != nil {
		return "", nil, err
	}
	return sourceID, items, nil
}

func (x *Indexer) writeChunks(ctx context.Context, sourceID, text string, metadata map[string]interface{}) ([]*models.IndexedItem, error) {
	chunks := x.chunker.Split(utils.CollapseWhitespace(text))
	if len(chunks) == 0 {
		return nil, models.InvalidArgumentf("source %s has no text", sourceID)
	}
	inputs := make([]models.ItemInput, len(chunks))
	for i, ch := range chunks {
		meta := make(map[string]interface{}, len(metadata)+4)
		for k, v := range metadata {
			meta[k] = v
		}
		meta[models.MetaSourceID] = sourceID
		meta[MetaChunk] = ch.Index
		meta[MetaChunks] = len(chunks)
		if len(x.tags) > 0 {
			meta[models.MetaTags] = mergeTags(meta[models.MetaTags], x.tags)
		}
		inputs[i] = models.ItemInput{ID: fileid.ChunkID(sourceID, ch.Index), Text: ch.Text, Metadata: meta}
	}
	return x.index.UpsertTexts(ctx, inputs, x.embed)
}

// RemoveSource deletes every chunk of a source and returns how many were removed.
func (x *Indexer) RemoveSource(ctx context.Context, sourceID string) (int, error) {
	n := 0
	for ; ; n++ {
		ok, err := x.index.Remove(ctx, fileid.ChunkID(sourceID, n))
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
	}
}

// IndexFile extracts and stores the file at path. It reports false when the
// file was skipped because it is unchanged since it was last indexed.
func (x *Indexer) IndexFile(ctx context.Context, path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return false, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return false, models.InvalidArgumentf("not a regular file: %s", abs)
	}
	sourceID := fileid.SourceID(abs)
	if x.unchanged(ctx, sourceID, info) {
		x.logger.Debug("skipping unchanged file", zap.String("path", abs))
		return false, nil
	}
	text, err := x.extract(abs)
	if err != nil {
		return false, fmt.Errorf("extract %s: %w", abs, err)
	}
	if _, err := x.RemoveSource(ctx, sourceID); err != nil {
		return false, err
	}
	if strings.TrimSpace(text) == "" {
		x.logger.Debug("file has no text", zap.String("path", abs))
		return false, nil
	}
	items, err := x.writeChunks(ctx, sourceID, text, map[string]interface{}{
		MetaPath:             abs,
		models.MetaSubject:   subjectOf(abs),
		models.MetaCreatedAt: info.ModTime().UTC().Format(time.RFC3339Nano),
		metaSourceMtime:      strconv.FormatInt(info.ModTime().UnixNano(), 10),
		metaSourceSize:       strconv.FormatInt(info.Size(), 10),
	})
	if err != nil {
		return false, err
	}
	x.logger.Debug("file indexed", zap.String("path", abs), zap.Int("chunks", len(items)))
	return true, nil
}

// RemoveFile deletes the chunks of the file at path.
func (x *Indexer) RemoveFile(ctx context.Context, path string) (int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	n, err := x.RemoveSource(ctx, fileid.SourceID(abs))
	if n > 0 {
		x.logger.Debug("file removed from index", zap.String("path", abs), zap.Int("chunks", n))
	}
	return n, err
}

// unchanged compares the file against the mtime and size recorded on its first chunk.
func (x *Indexer) unchanged(ctx context.Context, sourceID string, info os.FileInfo) bool {
	first, err := x.index.Get(ctx, fileid.ChunkID(sourceID, 0))
	if err != nil || first.Metadata == nil {
		return false
	}
	mtime, _ := first.Metadata[metaSourceMtime].(string)
	size, _ := first.Metadata[metaSourceSize].(string)
	return mtime == strconv.FormatInt(info.ModTime().UnixNano(), 10) &&
		size == strconv.FormatInt(info.Size(), 10)
}

// IndexDirectory ingests every accepted file under dir and removes sources
// under dir whose files no longer exist. A file that fails is logged and
// counted; only context errors abort the walk.
func (x *Indexer) IndexDirectory(ctx context.Context, dir string) (Stats, error) {
	var stats Stats
	root, err := filepath.Abs(dir)
	if err != nil {
		return stats, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return stats, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return stats, models.InvalidArgumentf("not a directory: %s", root)
	}
	seen := make(map[string]bool)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			x.logger.Warn("walk error", zap.String("path", path), zap.Error(walkErr))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || !x.Accept(root, path) {
			return nil
		}
		seen[fileid.SourceID(path)] = true
		indexed, err := x.IndexFile(ctx, path)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			stats.Failed++
			x.logger.Warn("failed to index file", zap.String("path", path), zap.Error(err))
		case indexed:
			stats.Files++
		default:
			stats.Skipped++
		}
		if x.progress != nil {
			x.progress(path, stats)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	removed, err := x.removeStale(ctx, root, seen)
	stats.Removed = removed
	if err != nil {
		return stats, err
	}
	if n, err := x.index.Count(ctx); err == nil {
		stats.Chunks = n
	}
	x.logger.Info("directory indexed",
		zap.String("dir", root),
		zap.Int("files", stats.Files),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Int("removed", stats.Removed))
	return stats, nil
}

// removeStale drops sources recorded under root that the walk did not see.
func (x *Indexer) removeStale(ctx context.Context, root string, seen map[string]bool) (int, error) {
	items, err := x.index.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	prefix := root + string(filepath.Separator)
	removed := 0
	for _, it := range items {
		path, _ := it.Metadata[MetaPath].(string)
		sourceID, n, ok := fileid.ParseChunkID(it.ID)
		if !ok || n != 0 || !strings.HasPrefix(path, prefix) || seen[sourceID] {
			continue
		}
		if _, err := x.RemoveSource(ctx, sourceID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (x *Indexer) extract(path string) (string, error) {
	if x.extractor != nil {
		return x.extractor.Extract(path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// subjectOf turns a file name like "linear_algebra-notes.md" into "linear algebra notes".
func subjectOf(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.ToLower(utils.CollapseWhitespace(name))
}

func mergeTags(existing interface{}, extra []string) []string {
	var out []string
	switch v := existing.(type) {
	case []string:
		out = append(out, v...)
	case []interface{}:
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = append(out, strings.Split(v, ",")...)
	}
	return append(out, extra...)
}
