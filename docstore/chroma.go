package docstore

import (
	"context"
	"fmt"
	"sync"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

const (
	FilePath   = "file_path"
	FileIndex  = "chunk_index"
	FileFormat = "file_format"
	FileDigest = "file_digest"
)

// collection is the subset of chroma.Collection the store relies on.
type collection interface {
	Upsert(ctx context.Context, opts ...chroma.CollectionAddOption) error
	Query(ctx context.Context, opts ...chroma.CollectionQueryOption) (chroma.QueryResult, error)
	Get(ctx context.Context, opts ...chroma.CollectionGetOption) (chroma.GetResult, error)
	Delete(ctx context.Context, opts ...chroma.CollectionDeleteOption) error
	Count(ctx context.Context) (int, error)
}

type ChromaStore struct {
	requestSize int
	metric      Metric
	col         collection
}

var _ Index = (*ChromaStore)(nil)

func (ds *ChromaStore) Metric() Metric {
	return ds.metric
}

// Upsert writes entries in buckets of at most requestSize rows.
func (ds *ChromaStore) Upsert(ctx context.Context, entries []Entry) error {
	for _, bucket := range buckets(entries, ds.requestSize) {
		ids := make([]chroma.DocumentID, 0, len(bucket))
		texts := make([]string, 0, len(bucket))
		embs := make([]embeddings.Embedding, 0, len(bucket))
		metas := make([]chroma.DocumentMetadata, 0, len(bucket))

		for _, e := range bucket {
			ids = append(ids, chroma.DocumentID(e.ID))
			texts = append(texts, e.Text)
			embs = append(embs, embeddings.NewEmbeddingFromFloat32(e.Embedding))
			metas = append(metas, chroma.NewDocumentMetadata(
				chroma.NewStringAttribute(FilePath, e.Meta.Source),
				chroma.NewIntAttribute(FileIndex, int64(e.Meta.Index)),
				chroma.NewStringAttribute(FileFormat, e.Meta.Format),
				chroma.NewStringAttribute(FileDigest, e.Meta.Digest),
			))
		}

		err := ds.col.Upsert(ctx,
			chroma.WithIDs(ids...),
			chroma.WithTexts(texts...),
			chroma.WithEmbeddings(embs...),
			chroma.WithMetadatas(metas...),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %d entries: %w", len(bucket), err)
		}
	}

	return nil
}

func (ds *ChromaStore) Query(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	count, err := ds.col.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	if count == 0 || topK <= 0 {
		return []SearchResult{}, nil
	}

	r, err := ds.col.Query(ctx,
		chroma.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chroma.WithNResults(min(topK, count)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve texts: %w", err)
	}

	docGroups := r.GetDocumentsGroups()
	if len(docGroups) == 0 {
		return []SearchResult{}, nil
	}

	docs := docGroups[0]
	ids := r.GetIDGroups()[0]
	metadatas := r.GetMetadatasGroups()[0]
	distances := r.GetDistancesGroups()[0]

	res := make([]SearchResult, 0, len(docs))
	for i := range len(docs) {
		res = append(res, SearchResult{
			ID:       string(ids[i]),
			Text:     docs[i].ContentString(),
			Distance: float32(distances[i]),
			Meta:     readMeta(metadatas[i]),
		})
	}

	return res, nil
}

func (ds *ChromaStore) IDsBySource(ctx context.Context, source string) ([]string, error) {
	res, err := ds.col.Get(ctx, chroma.WithWhereGet(chroma.EqString(FilePath, source)))
	if err != nil {
		return nil, fmt.Errorf("failed to get entries of %s: %w", source, err)
	}

	ids := make([]string, 0, len(res.GetIDs()))
	for _, id := range res.GetIDs() {
		ids = append(ids, string(id))
	}

	return ids, nil
}

func (ds *ChromaStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	docIDs := make([]chroma.DocumentID, 0, len(ids))
	for _, id := range ids {
		docIDs = append(docIDs, chroma.DocumentID(id))
	}

	err := ds.col.Delete(ctx, chroma.WithIDsDelete(docIDs...))
	if err != nil {
		return fmt.Errorf("failed to delete %d entries: %w", len(ids), err)
	}

	return nil
}

func (ds *ChromaStore) Count(ctx context.Context) (int, error) {
	return ds.col.Count(ctx)
}

func readMeta(m chroma.DocumentMetadata) Meta {
	if m == nil {
		return Meta{}
	}

	var meta Meta
	meta.Source, _ = m.GetString(FilePath)
	meta.Format, _ = m.GetString(FileFormat)
	meta.Digest, _ = m.GetString(FileDigest)
	if idx, ok := m.GetInt(FileIndex); ok {
		meta.Index = int(idx)
	} else if idx, ok := m.GetFloat(FileIndex); ok {
		meta.Index = int(idx)
	}

	return meta
}

func buckets(entries []Entry, size int) [][]Entry {
	if size <= 0 {
		size = len(entries)
	}

	var res [][]Entry
	for start := 0; start < len(entries); start += size {
		res = append(res, entries[start:min(start+size, len(entries))])
	}

	return res
}

type ChromaCatalogConfig struct {
	BaseURL          string
	CollectionPrefix string
	Metric           Metric
	RequestSize      int
	// EmbeddingFunc is attached to created collections so chroma never falls
	// back to its bundled default model. Optional.
	EmbeddingFunc embeddings.EmbeddingFunction
}

// ChromaCatalog maps every knowledge path to its own chroma collection.
type ChromaCatalog struct {
	cfg    ChromaCatalogConfig
	client chroma.Client

	mu     sync.Mutex
	stores map[string]*ChromaStore
}

func NewChromaCatalog(cfg ChromaCatalogConfig) (*ChromaCatalog, error) {
	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}
	if cfg.Metric == "" {
		cfg.Metric = Cosine
	}

	return &ChromaCatalog{
		cfg:    cfg,
		client: client,
		stores: make(map[string]*ChromaStore),
	}, nil
}

func (c *ChromaCatalog) Index(ctx context.Context, knowledgePath string) (Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.stores[knowledgePath]; ok {
		return s, nil
	}

	opts := []chroma.CreateCollectionOption{
		chroma.WithHNSWSpaceCreate(chromaSpace(c.cfg.Metric)),
	}
	if c.cfg.EmbeddingFunc != nil {
		opts = append(opts, chroma.WithEmbeddingFunctionCreate(c.cfg.EmbeddingFunc))
	}

	name := CollectionName(c.cfg.CollectionPrefix, knowledgePath)
	col, err := c.client.GetOrCreateCollection(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
	}

	s := &ChromaStore{
		requestSize: c.cfg.RequestSize,
		metric:      c.cfg.Metric,
		col:         col,
	}
	c.stores[knowledgePath] = s

	return s, nil
}

func (c *ChromaCatalog) Close() error {
	return c.client.Close()
}

func chromaSpace(m Metric) embeddings.DistanceMetric {
	switch m {
	case L2:
		return embeddings.L2
	case InnerProduct:
		return embeddings.IP
	default:
		return embeddings.COSINE
	}
}
