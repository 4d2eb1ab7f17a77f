// Package rag answers questions from a knowledge base: similarity retrieval,
// grounded prompt composition and one-shot or incremental answer delivery.
package rag

import (
	"context"
	"fmt"
	"sort"

	"github.com/gamma-omg/rag-kb/docstore"
	"github.com/gamma-omg/rag-kb/llm"
)

type Result struct {
	ID         string
	Text       string
	Similarity float32
	Meta       docstore.Meta
}

type Retriever struct {
	embedder llm.Embedder
	catalog  docstore.Catalog
}

func NewRetriever(embedder llm.Embedder, catalog docstore.Catalog) *Retriever {
	return &Retriever{embedder: embedder, catalog: catalog}
}

// Search returns at most topK entries of the knowledge path whose similarity
// to query is at least threshold, most similar first. An empty result is not
// an error.
func (r *Retriever) Search(ctx context.Context, knowledgePath, query string, topK int, threshold float32) ([]Result, error) {
	if topK <= 0 {
		return []Result{}, nil
	}

	idx, err := r.catalog.Index(ctx, knowledgePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	found, err := idx.Query(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}

	metric := idx.Metric()
	res := make([]Result, 0, len(found))
	for _, f := range found {
		sim := metric.Similarity(f.Distance)
		if sim < threshold {
			continue
		}
		res = append(res, Result{ID: f.ID, Text: f.Text, Similarity: sim, Meta: f.Meta})
	}

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Similarity > res[j].Similarity
	})
	if len(res) > topK {
		res = res[:topK]
	}

	return res, nil
}
