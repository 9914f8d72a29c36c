package memory

import (
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// EmbedderConfig points at an OpenAI-compatible embeddings endpoint
// (OpenAI, text-embeddings-inference, Ollama, ...).
type EmbedderConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// NewEmbedder builds a langchaingo embedder. The result satisfies ports.Embedder.
func NewEmbedder(cfg EmbedderConfig) (*embeddings.EmbedderImpl, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model required")
	}

	// langchaingo requires a token even for local servers.
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}
