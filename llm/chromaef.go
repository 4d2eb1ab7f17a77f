package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	gemini "github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
	openai "github.com/amikos-tech/chroma-go/pkg/embeddings/openai"
)

// EmbeddingFunctionEmbedder adapts a chroma-go embedding function.
type EmbeddingFunctionEmbedder struct {
	ef embeddings.EmbeddingFunction
}

var _ Embedder = (*EmbeddingFunctionEmbedder)(nil)

func NewEmbeddingFunctionEmbedder(ef embeddings.EmbeddingFunction) *EmbeddingFunctionEmbedder {
	return &EmbeddingFunctionEmbedder{ef: ef}
}

func (e *EmbeddingFunctionEmbedder) Func() embeddings.EmbeddingFunction {
	return e.ef
}

func (e *EmbeddingFunctionEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	emb, err := e.ef.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	return Normalize(emb.ContentAsFloat32()), nil
}

func (e *EmbeddingFunctionEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	embs, err := e.ef.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed documents: %w", err)
	}
	if len(embs) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embs))
	}

	res := make([][]float32, 0, len(embs))
	for _, emb := range embs {
		res = append(res, Normalize(emb.ContentAsFloat32()))
	}

	return res, nil
}

type EmbeddingFunctionConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// NewEmbeddingFunction builds the chroma-go embedding function of a hosted provider.
func NewEmbeddingFunction(cfg EmbeddingFunctionConfig) (embeddings.EmbeddingFunction, error) {
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(openai.EmbeddingModel(cfg.Model)))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}

		ef, err := openai.NewOpenAIEmbeddingFunction(cfg.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedding function: %w", err)
		}
		return ef, nil

	case "gemini":
		opts := []gemini.Option{gemini.WithAPIKey(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, gemini.WithDefaultModel(embeddings.EmbeddingModel(cfg.Model)))
		}

		ef, err := gemini.NewGeminiEmbeddingFunction(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
		}
		return ef, nil
	}

	return nil, errors.New("invalid embeddings provider configuration")
}
