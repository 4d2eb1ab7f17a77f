package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Meta is the metadata stored next to every indexed chunk.
type Meta struct {
	Source string
	Index  int
	Format string
	Digest string
}

// Entry is a single row of the vector index.
type Entry struct {
	ID        string
	Embedding []float32
	Text      string
	Meta      Meta
}

// SearchResult is a raw match returned by Query. Distance is reported in the
// metric the index was created with.
type SearchResult struct {
	ID       string
	Text     string
	Distance float32
	Meta     Meta
}

// Index is a knowledge-path scoped vector collection.
type Index interface {
	Upsert(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, vector []float32, topK int) ([]SearchResult, error)
	IDsBySource(ctx context.Context, source string) ([]string, error)
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	Metric() Metric
}

// Catalog hands out the Index that belongs to a knowledge path.
type Catalog interface {
	Index(ctx context.Context, knowledgePath string) (Index, error)
}

// EntryID derives the deterministic identifier of the chunk at position idx of source.
func EntryID(source string, idx int) string {
	h := sha256.Sum256([]byte(source))
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h[:])[:24], idx)
}

// CollectionName maps a knowledge path to a collection name that satisfies
// chroma naming rules (3-63 chars, alphanumerics, dots, dashes, underscores).
func CollectionName(prefix, knowledgePath string) string {
	h := sha256.Sum256([]byte(knowledgePath))
	if prefix == "" {
		prefix = "kb"
	}
	if len(prefix) > 40 {
		prefix = prefix[:40]
	}
	return prefix + "-" + hex.EncodeToString(h[:])[:16]
}
