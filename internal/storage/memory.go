package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/vector"
)

const memoryFileVersion uint32 = 1

// MemoryStore keeps items in a map. It can be saved to and loaded from a
// single binary file so an in-memory index survives restarts.
type MemoryStore struct {
	items map[string]*models.IndexedItem
	mu    sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*models.IndexedItem)}
}

// Upsert stores a copy of item.
func (m *MemoryStore) Upsert(ctx context.Context, item *models.IndexedItem) error {
	if item == nil || item.ID == "" {
		return models.InvalidArgumentf("item id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item.Clone()
	return nil
}

// Remove deletes id and reports whether it existed.
func (m *MemoryStore) Remove(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[id]
	delete(m.items, id)
	return ok, nil
}

// Get returns a copy of the item.
func (m *MemoryStore) Get(ctx context.Context, id string) (*models.IndexedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, models.ErrNotFound)
	}
	return it.Clone(), nil
}

// QueryByVector ranks every stored vector by brute force.
func (m *MemoryStore) QueryByVector(ctx context.Context, query []float32, metric vector.Metric, limit int) ([]*models.IndexedItem, error) {
	all, _ := m.All(ctx)
	return rankByVector(all, query, metric, limit), nil
}

// QueryByText returns items sharing a word with text.
func (m *MemoryStore) QueryByText(ctx context.Context, text string, limit int) ([]*models.IndexedItem, error) {
	all, _ := m.All(ctx)
	return rankByWords(all, text, limit), nil
}

// All returns copies of every item ordered by id.
func (m *MemoryStore) All(ctx context.Context) ([]*models.IndexedItem, error) {
	m.mu.RLock()
	out := make([]*models.IndexedItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of items.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error {
	return nil
}

// Save writes all items to path. Directory is created if needed. Format:
// version (4), n (4), then per item: id, text, metadata JSON as
// length-prefixed strings, updated_at unix nanos (8), dimension (4), vector.
func (m *MemoryStore) Save(path string) error {
	if path == "" {
		return nil
	}
	items, _ := m.All(context.Background())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create store file: %w", err)
	}
	w := bufio.NewWriter(f)
	werr := writeItems(w, items)
	if werr == nil {
		werr = w.Flush()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return werr
	}
	return os.Rename(tmp, path)
}

func writeItems(w io.Writer, items []*models.IndexedItem) error {
	put := func(v interface{}) error { return binary.Write(w, binary.LittleEndian, v) }
	putBytes := func(b []byte) error {
		if err := put(uint32(len(b))); err != nil {
			return err
		}
		_, err := w.Write(b)
		return err
	}
	if err := put(memoryFileVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if err := put(uint32(len(items))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, it := range items {
		meta, err := json.Marshal(it.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata of %s: %w", it.ID, err)
		}
		for _, b := range [][]byte{[]byte(it.ID), []byte(it.Text), meta} {
			if err := putBytes(b); err != nil {
				return fmt.Errorf("write item %s: %w", it.ID, err)
			}
		}
		if err := put(it.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("write item %s: %w", it.ID, err)
		}
		if err := putBytes(vector.Encode(it.Vector)); err != nil {
			return fmt.Errorf("write vector %s: %w", it.ID, err)
		}
	}
	return nil
}

// Load replaces the store contents with the items saved at path.
// A missing file leaves the store unchanged.
func (m *MemoryStore) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open store file: %w", err)
	}
	defer f.Close()
	items, err := readItems(bufio.NewReader(f))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*models.IndexedItem, len(items))
	for _, it := range items {
		m.items[it.ID] = it
	}
	return nil
}

func readItems(r io.Reader) ([]*models.IndexedItem, error) {
	get := func(v interface{}) error { return binary.Read(r, binary.LittleEndian, v) }
	getBytes := func() ([]byte, error) {
		var n uint32
		if err := get(&n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		_, err := io.ReadFull(r, b)
		return b, err
	}
	var version, n uint32
	if err := get(&version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != memoryFileVersion {
		return nil, fmt.Errorf("unsupported store file version %d", version)
	}
	if err := get(&n); err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}
	items := make([]*models.IndexedItem, 0, n)
	for i := uint32(0); i < n; i++ {
		var fields [3][]byte
		for j := range fields {
			b, err := getBytes()
			if err != nil {
				return nil, fmt.Errorf("read item %d: %w", i, err)
			}
			fields[j] = b
		}
		var nanos int64
		if err := get(&nanos); err != nil {
			return nil, fmt.Errorf("read item %d: %w", i, err)
		}
		blob, err := getBytes()
		if err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		vec, err := vector.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("decode vector %d: %w", i, err)
		}
		it := &models.IndexedItem{
			ID:        string(fields[0]),
			Text:      string(fields[1]),
			Vector:    vec,
			UpdatedAt: time.Unix(0, nanos).UTC(),
		}
		if err := json.Unmarshal(fields[2], &it.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of %s: %w", it.ID, err)
		}
		items = append(items, it)
	}
	return items, nil
}
