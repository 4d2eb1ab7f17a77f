package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ChromaConfig struct {
	Addr             string `yaml:"addr"`
	CollectionPrefix string `yaml:"collection_prefix"`
	Distance         string `yaml:"distance"`
	RequestSize      int    `yaml:"request_size"`
}

type VectorStoreConfig struct {
	Type   string        `yaml:"type"`
	Chroma *ChromaConfig `yaml:"chroma"`
}

type EmbedderConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	ApiKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Dimension int    `yaml:"dimension"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	ApiKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

type WebSearchConfig struct {
	URL         string `yaml:"url"`
	Results     int    `yaml:"results"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

type Config struct {
	LogFile              string            `yaml:"log"`
	StateDir             string            `yaml:"state_dir"`
	KnowledgePath        string            `yaml:"knowledge_path"`
	ChunkSize            int               `yaml:"chunk_size"`
	ChunkOverlap         int               `yaml:"chunk_overlap"`
	Results              int               `yaml:"results"`
	Threshold            float32           `yaml:"threshold"`
	HistoryWindow        int               `yaml:"history_window"`
	StreamChunkSize      int               `yaml:"stream_chunk_size"`
	UngroundedConfidence float32           `yaml:"ungrounded_confidence"`
	MergeEventsMs        int               `yaml:"write_debounce_ms"`
	ServerAddr           string            `yaml:"server_addr"`
	AnswerTemplate       string            `yaml:"answer_template"`
	VectorStore          VectorStoreConfig `yaml:"vector_store"`
	Embedder             EmbedderConfig    `yaml:"embedder"`
	LLM                  LLMConfig         `yaml:"llm"`
	Redis                *RedisConfig      `yaml:"redis"`
	WebSearch            *WebSearchConfig  `yaml:"web_search"`
}

// readConfig loads .env from the working directory when present, expands
// environment references in the YAML file and applies defaults.
func readConfig(cfgPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("unable to load .env file: %w", err)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	err = dec.Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = min(defaultChunkOverlap, cfg.ChunkSize-1)
	}
	if cfg.Results <= 0 {
		cfg.Results = 5
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.StreamChunkSize <= 0 {
		cfg.StreamChunkSize = 120
	}
	if cfg.UngroundedConfidence <= 0 {
		cfg.UngroundedConfidence = 0.3
	}
	if cfg.MergeEventsMs <= 0 {
		cfg.MergeEventsMs = 500
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = "localhost:8080"
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "memory"
	}
	if cfg.VectorStore.Type == "chroma" {
		if cfg.VectorStore.Chroma == nil {
			cfg.VectorStore.Chroma = &ChromaConfig{}
		}
		if cfg.VectorStore.Chroma.Addr == "" {
			cfg.VectorStore.Chroma.Addr = "http://localhost:8000"
		}
		if cfg.VectorStore.Chroma.CollectionPrefix == "" {
			cfg.VectorStore.Chroma.CollectionPrefix = "kb"
		}
		if cfg.VectorStore.Chroma.Distance == "" {
			cfg.VectorStore.Chroma.Distance = "cosine"
		}
		if cfg.VectorStore.Chroma.RequestSize <= 0 {
			cfg.VectorStore.Chroma.RequestSize = 100
		}
	}

	if cfg.Embedder.Provider == "" {
		cfg.Embedder.Provider = "hash"
	}
	if cfg.Embedder.Dimension <= 0 {
		cfg.Embedder.Dimension = 256
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.TimeoutSecs <= 0 {
		cfg.LLM.TimeoutSecs = 120
	}
	if cfg.LLM.MaxRetries <= 0 {
		cfg.LLM.MaxRetries = 3
	}

	if cfg.Redis != nil && cfg.Redis.TTLHours <= 0 {
		cfg.Redis.TTLHours = 24 * 7
	}

	if cfg.WebSearch != nil {
		if cfg.WebSearch.Results <= 0 {
			cfg.WebSearch.Results = 3
		}
		if cfg.WebSearch.TimeoutSecs <= 0 {
			cfg.WebSearch.TimeoutSecs = 10
		}
	}
}

func (cfg *Config) validate() error {
	switch cfg.VectorStore.Type {
	case "memory", "chroma":
	default:
		return fmt.Errorf("unknown vector store type: %s", cfg.VectorStore.Type)
	}

	switch cfg.Embedder.Provider {
	case "hash", "ollama", "openai", "gemini":
	default:
		return fmt.Errorf("unknown embedder provider: %s", cfg.Embedder.Provider)
	}

	switch cfg.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}

	if cfg.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %v", cfg.Threshold)
	}

	return nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rag-kb"
	}
	return filepath.Join(home, ".rag-kb")
}
