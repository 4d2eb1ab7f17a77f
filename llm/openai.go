package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIURL = "https://api.openai.com/v1"

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	EmbedModel  string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

// OpenAI talks to any server implementing the OpenAI chat completions and
// embeddings APIs.
type OpenAI struct {
	cfg    OpenAIConfig
	client *openai.Client
}

var (
	_ Generator = (*OpenAI)(nil)
	_ Streamer  = (*OpenAI)(nil)
	_ Embedder  = (*OpenAI)(nil)
)

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

func (o *OpenAI) chatRequest(messages []Message, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	return openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    msgs,
		Temperature: float32(o.cfg.Temperature),
		MaxTokens:   o.cfg.MaxTokens,
		Stream:      stream,
	}
}

func (o *OpenAI) Generate(ctx context.Context, messages []Message) (string, error) {
	req := o.chatRequest(messages, false)

	var resp openai.ChatCompletionResponse
	err := withRetry(ctx, o.cfg.MaxRetries, func() error {
		var err error
		resp, err = o.client.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to call chat completions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion has no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// Stream yields content deltas until the server closes the stream. A stream
// that ends before any choice reports a finish reason is treated as truncated.
func (o *OpenAI) Stream(ctx context.Context, messages []Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(messages, true)

		var stream *openai.ChatCompletionStream
		err := withRetry(ctx, o.cfg.MaxRetries, func() error {
			var err error
			stream, err = o.client.CreateChatCompletionStream(ctx, req)
			return err
		})
		if err != nil {
			yield("", fmt.Errorf("failed to call chat completions: %w", err))
			return
		}
		defer stream.Close()

		finished := false
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield("", fmt.Errorf("failed to read stream: %w", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
				finished = true
			}
			if choice.Delta.Content != "" && !yield(choice.Delta.Content, nil) {
				return
			}
		}

		if !finished {
			yield("", errors.New("stream ended without a finish reason"))
		}
	}
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	return res[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(o.cfg.EmbedModel),
	}

	var resp openai.EmbeddingResponse
	err := withRetry(ctx, o.cfg.MaxRetries, func() error {
		var err error
		resp, err = o.client.CreateEmbeddings(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	res := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || e.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", e.Index)
		}
		res[e.Index] = Normalize(e.Embedding)
	}

	return res, nil
}
