package llm

import (
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

type OllamaConfig struct {
	BaseURL     string
	ChatModel   string
	EmbedModel  string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// NewOllama serves chat, streaming chat and embeddings from a local ollama
// server through its OpenAI compatible endpoint. BaseURL is the server root.
func NewOllama(cfg OllamaConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaURL
	}

	return NewOpenAI(OpenAIConfig{
		BaseURL:     strings.TrimRight(cfg.BaseURL, "/") + "/v1",
		APIKey:      "ollama",
		Model:       cfg.ChatModel,
		EmbedModel:  cfg.EmbedModel,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
	})
}
