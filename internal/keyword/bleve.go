package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/regexp"
	"github.com/blevesearch/bleve/v2/mapping"
)

// analyzerName lowercases and splits on every rune that is not a letter or
// decimal digit, the same words utils.Words yields. It keeps stop words and
// does not stem.
const (
	analyzerName  = "ruiji_words"
	tokenizerName = "ruiji_letters_digits"
	wordPattern   = `[\p{L}\p{Nd}]+`
)

type document struct {
	Text string   `json:"text"`
	Tags []string `json:"tags"`
}

// BleveIndex implements TextIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

func newMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomTokenizer(tokenizerName, map[string]interface{}{
		"type":   regexp.Name,
		"regexp": wordPattern,
	})
	if err != nil {
		return nil, fmt.Errorf("register tokenizer: %w", err)
	}
	err = im.AddCustomAnalyzer(analyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     tokenizerName,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("register analyzer: %w", err)
	}
	doc := bleve.NewDocumentMapping()
	text := bleve.NewTextFieldMapping()
	text.Analyzer = analyzerName
	text.Store = false
	doc.AddFieldMappingsAt("text", text)
	tags := bleve.NewKeywordFieldMapping()
	tags.Store = false
	doc.AddFieldMappingsAt("tags", tags)
	im.DefaultMapping = doc
	im.DefaultAnalyzer = analyzerName
	return im, nil
}

// NewBleveIndex opens the index at path, creating it when missing.
// An empty path keeps the index in memory.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im, err := newMapping()
	if err != nil {
		return nil, err
	}
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// Index adds or replaces the entry for id.
func (b *BleveIndex) Index(ctx context.Context, id, text string, tags []string) error {
	return b.index.Index(id, document{Text: text, Tags: tags})
}

// Search runs a disjunctive match query over the text field.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int) ([]*Result, error) {
	if limit <= 0 {
		n, err := b.index.DocCount()
		if err != nil {
			return nil, fmt.Errorf("Bleve doc count failed: %w", err)
		}
		limit = int(n)
	}
	if limit == 0 {
		return nil, nil
	}
	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	q.Analyzer = analyzerName
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = &Result{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// Delete removes an entry from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DocCount returns the number of indexed entries.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
