package llm

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is an offline embedder based on the hashing trick: every
// lowercased word adds a signed unit to one of Dim buckets. Texts sharing
// words get close vectors, which is enough for local runs and tests.
type HashEmbedder struct {
	Dim int
}

var _ Embedder = (*HashEmbedder)(nil)

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = 256
	}

	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		f.Write([]byte(w))
		sum := f.Sum64()

		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[(sum>>1)%uint64(dim)] += sign
	}

	return Normalize(v), nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	res := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}

	return res, nil
}
