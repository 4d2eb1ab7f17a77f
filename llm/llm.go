// Package llm holds the embedding and text generation capabilities used by the
// knowledge base together with their HTTP and chroma-go backed providers.
package llm

import (
	"context"
	"iter"
	"math"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Embedder maps text to fixed-dimension vectors. EmbedBatch returns one vector
// per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Streamer is implemented by generators able to deliver the answer as a
// sequence of fragments. A non-nil error ends the sequence.
type Streamer interface {
	Stream(ctx context.Context, messages []Message) iter.Seq2[string, error]
}

// Normalize scales v to unit length in place. Zero vectors are left untouched.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
