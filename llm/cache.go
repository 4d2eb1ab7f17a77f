package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type CacheConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

// CachedEmbedder keeps embeddings in redis keyed by the SHA-256 of the text.
// Redis failures are logged and fall through to the wrapped embedder.
type CachedEmbedder struct {
	log   *slog.Logger
	next  Embedder
	redis redis.Cmdable
	cfg   CacheConfig
}

var _ Embedder = (*CachedEmbedder)(nil)

func NewCachedEmbedder(log *slog.Logger, next Embedder, rdb redis.Cmdable, cfg CacheConfig) *CachedEmbedder {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "emb:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	return &CachedEmbedder{log: log, next: next, redis: rdb, cfg: cfg}
}

func (c *CachedEmbedder) key(text string) string {
	h := sha256.Sum256([]byte(text))
	return c.cfg.KeyPrefix + hex.EncodeToString(h[:])
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	return res[0], nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	res := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	cached, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("embedding cache unavailable", slog.String("error", err.Error()))
		cached = make([]any, len(texts))
	}

	for i, v := range cached {
		if s, ok := v.(string); ok {
			var emb []float32
			if err := json.Unmarshal([]byte(s), &emb); err == nil {
				res[i] = emb
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}

	if len(missTexts) == 0 {
		return res, nil
	}

	fresh, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(missTexts), len(fresh))
	}

	pipe := c.redis.Pipeline()
	for j, i := range missIdx {
		res[i] = fresh[j]

		data, err := json.Marshal(fresh[j])
		if err != nil {
			continue
		}
		pipe.Set(ctx, keys[i], data, c.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("failed to cache embeddings", slog.String("error", err.Error()))
	}

	return res, nil
}
