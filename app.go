package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/redis/go-redis/v9"

	"github.com/gamma-omg/rag-kb/analytics"
	"github.com/gamma-omg/rag-kb/chat"
	"github.com/gamma-omg/rag-kb/docstore"
	"github.com/gamma-omg/rag-kb/llm"
	"github.com/gamma-omg/rag-kb/rag"
	"github.com/gamma-omg/rag-kb/readers"
	"github.com/gamma-omg/rag-kb/sqlstore"
	"github.com/gamma-omg/rag-kb/websearch"
)

// app holds every component built from one configuration.
type app struct {
	cfg     *Config
	log     *slog.Logger
	store   *sqlstore.Store
	catalog docstore.Catalog
	bridge  *chat.Bridge
	sync    *Synchronizer
	service *rag.Service

	closers []io.Closer
}

func newApp(cfg *Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) build() (err error) {
	cfg := a.cfg

	a.log, err = a.openLog()
	if err != nil {
		return err
	}

	a.store, err = sqlstore.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	a.closers = append(a.closers, a.store)

	embedder, ef, err := a.createEmbedder()
	if err != nil {
		return err
	}

	a.catalog, err = a.createCatalog(ef)
	if err != nil {
		return err
	}

	gen := a.createGenerator()
	loader := readers.NewLoader()
	analyzer := analytics.NewAnalyzer(a.log, loader, a.catalog)

	// The ledger must not outlive the index it describes.
	var ledger Ledger = a.store.Ledger()
	if cfg.VectorStore.Type == "memory" {
		ledger = newMemoryLedger()
	}

	a.sync = NewSynchronizer(a.log, ledger, loader,
		&DefaultChunkifier{chunkSize: cfg.ChunkSize, chunkOverlap: cfg.ChunkOverlap},
		embedder, a.catalog, analyzer)

	var web websearch.Summarizer
	if cfg.WebSearch != nil && cfg.WebSearch.URL != "" {
		web = websearch.NewSearXNG(a.log, cfg.WebSearch.URL, cfg.WebSearch.Results,
			time.Duration(cfg.WebSearch.TimeoutSecs)*time.Second)
	}

	a.bridge = chat.NewBridge(a.log, a.store.Messages(), cfg.HistoryWindow)
	a.service = rag.NewService(a.log,
		rag.NewRetriever(embedder, a.catalog),
		rag.NewComposer(a.log, gen, web, rag.ComposerConfig{
			AnswerTemplate:       cfg.AnswerTemplate,
			UngroundedConfidence: cfg.UngroundedConfidence,
		}),
		rag.NewEmitter(a.log, gen, cfg.StreamChunkSize),
		a.bridge,
		analyzer,
		rag.Config{TopK: cfg.Results, Threshold: cfg.Threshold})

	return nil
}

func (a *app) openLog() (*slog.Logger, error) {
	if a.cfg.LogFile == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil)), nil
	}

	logFile, err := os.OpenFile(a.cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	a.closers = append(a.closers, logFile)

	return slog.New(slog.NewJSONHandler(logFile, nil)), nil
}

// createEmbedder returns the configured embedder and, for hosted providers,
// the chroma embedding function behind it.
func (a *app) createEmbedder() (llm.Embedder, embeddings.EmbeddingFunction, error) {
	cfg := a.cfg.Embedder

	var (
		embedder llm.Embedder
		ef       embeddings.EmbeddingFunction
	)

	switch cfg.Provider {
	case "hash":
		embedder = &llm.HashEmbedder{Dim: cfg.Dimension}
	case "ollama":
		embedder = llm.NewOllama(llm.OllamaConfig{
			BaseURL:    cfg.BaseURL,
			EmbedModel: cfg.Model,
			Timeout:    time.Duration(a.cfg.LLM.TimeoutSecs) * time.Second,
			MaxRetries: a.cfg.LLM.MaxRetries,
		})
	default:
		var err error
		ef, err = llm.NewEmbeddingFunction(llm.EmbeddingFunctionConfig{
			Provider: cfg.Provider,
			Model:    cfg.Model,
			APIKey:   cfg.ApiKey,
			BaseURL:  cfg.BaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		embedder = llm.NewEmbeddingFunctionEmbedder(ef)
	}

	if a.cfg.Redis != nil && a.cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb)

		embedder = llm.NewCachedEmbedder(a.log, embedder, rdb, llm.CacheConfig{
			TTL:       time.Duration(a.cfg.Redis.TTLHours) * time.Hour,
			KeyPrefix: fmt.Sprintf("emb:%s:%s:", cfg.Provider, cfg.Model),
		})
	}

	return embedder, ef, nil
}

func (a *app) createCatalog(ef embeddings.EmbeddingFunction) (docstore.Catalog, error) {
	if a.cfg.VectorStore.Type == "memory" {
		return docstore.NewMemoryCatalog(), nil
	}

	cc := a.cfg.VectorStore.Chroma
	metric, err := docstore.ParseMetric(cc.Distance)
	if err != nil {
		return nil, err
	}

	catalog, err := docstore.NewChromaCatalog(docstore.ChromaCatalogConfig{
		BaseURL:          cc.Addr,
		CollectionPrefix: cc.CollectionPrefix,
		Metric:           metric,
		RequestSize:      cc.RequestSize,
		EmbeddingFunc:    ef,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, catalog)

	return catalog, nil
}

func (a *app) createGenerator() llm.Generator {
	cfg := a.cfg.LLM
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second

	if cfg.Provider == "ollama" {
		return llm.NewOllama(llm.OllamaConfig{
			BaseURL:     cfg.BaseURL,
			ChatModel:   cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     timeout,
			MaxRetries:  cfg.MaxRetries,
		})
	}

	return llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.ApiKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     timeout,
		MaxRetries:  cfg.MaxRetries,
	})
}

// knowledgePath resolves the path given on the command line or the configured one.
func (a *app) knowledgePath(arg string) (string, error) {
	if arg == "" {
		arg = a.cfg.KnowledgePath
	}
	if arg == "" {
		return "", ErrEmptyKnowledgePath
	}
	return canonicalRoot(arg), nil
}

// warmUp indexes root when the index lives in memory and is rebuilt by every
// process.
func (a *app) warmUp(ctx context.Context, root string) {
	if a.cfg.VectorStore.Type != "memory" {
		return
	}
	if _, err := a.sync.Synchronize(ctx, root); err != nil {
		a.log.Warn("failed to index knowledge path", slog.String("root", root), slog.String("error", err.Error()))
	}
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// memoryLedger backs the in-memory index. Both start empty in every process.
type memoryLedger struct {
	mu    sync.Mutex
	roots map[string]map[string]string
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{roots: make(map[string]map[string]string)}
}

func (l *memoryLedger) Load(ctx context.Context, root string) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make(map[string]string, len(l.roots[root]))
	for k, v := range l.roots[root] {
		res[k] = v
	}
	return res, nil
}

func (l *memoryLedger) Save(ctx context.Context, root string, entries map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := make(map[string]string, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	l.roots[root] = cp
	return nil
}
