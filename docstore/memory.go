package docstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process index using brute-force cosine distance.
// Its content does not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Index = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Metric() Metric {
	return Cosine
}

func (s *MemoryStore) Upsert(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.ID == "" {
			return errors.New("entry without id")
		}
		s.entries[e.ID] = Entry{
			ID:        e.ID,
			Embedding: append([]float32(nil), e.Embedding...),
			Text:      e.Text,
			Meta:      e.Meta,
		}
	}

	return nil
}

func (s *MemoryStore) Query(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]SearchResult, 0, len(s.entries))
	for _, e := range s.entries {
		res = append(res, SearchResult{
			ID:       e.ID,
			Text:     e.Text,
			Distance: 1 - cosine(vector, e.Embedding),
			Meta:     e.Meta,
		})
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].Distance == res[j].Distance {
			return res[i].ID < res[j].ID
		}
		return res[i].Distance < res[j].Distance
	})

	if topK < 0 {
		topK = 0
	}
	if topK < len(res) {
		res = res[:topK]
	}

	return res, nil
}

func (s *MemoryStore) IDsBySource(ctx context.Context, source string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, e := range s.entries {
		if e.Meta.Source == source {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.entries, id)
	}

	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries), nil
}

// Entries returns a copy of every stored entry ordered by id.
func (s *MemoryStore) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })

	return res
}

func cosine(a, b []float32) float32 {
	n := min(len(a), len(b))

	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// MemoryCatalog keeps one MemoryStore per knowledge path.
type MemoryCatalog struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

var _ Catalog = (*MemoryCatalog)(nil)

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{stores: make(map[string]*MemoryStore)}
}

func (c *MemoryCatalog) Index(ctx context.Context, knowledgePath string) (Index, error) {
	return c.Store(knowledgePath), nil
}

// Store returns the concrete store of knowledgePath, creating it on first use.
func (c *MemoryCatalog) Store(knowledgePath string) *MemoryStore {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stores[knowledgePath]
	if !ok {
		s = NewMemoryStore()
		c.stores[knowledgePath] = s
	}

	return s
}
