package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/screencraft/internal/config"
	"github.com/harun/screencraft/pkg/imagegen"
	"github.com/harun/screencraft/pkg/knowledge"
	"github.com/harun/screencraft/pkg/llm"
	"github.com/rs/zerolog"
)

// NewCompleter builds the chat model client for the configured provider.
func NewCompleter(cfg *config.Config) (llm.Completer, error) {
	llmCfg := llm.Config{
		Provider:    cfg.Models.Provider,
		Model:       cfg.Models.ChatModel,
		Temperature: cfg.Models.Temperature,
		MaxTokens:   cfg.Models.MaxTokens,
	}
	switch cfg.Models.Provider {
	case "anthropic":
		llmCfg.APIKey = cfg.AI.AnthropicKey
	default:
		llmCfg.APIKey = cfg.AI.OpenAIKey
		llmCfg.BaseURL = cfg.AI.OpenAIBaseURL
	}

	completer, err := llm.New(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return completer, nil
}

// NewEditor builds the image edit client.
func NewEditor(cfg *config.Config) (imagegen.Editor, error) {
	editor, err := imagegen.NewOpenAI(imagegen.Config{
		APIKey:  cfg.AI.OpenAIKey,
		BaseURL: cfg.AI.OpenAIBaseURL,
		Model:   cfg.Models.ImageModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create image editor: %w", err)
	}
	return editor, nil
}

// NewEmbedder builds the embedding client used by the knowledge base.
func NewEmbedder(cfg *config.Config) (knowledge.Embedder, error) {
	embedder, err := knowledge.NewOpenAIEmbedder(knowledge.OpenAIEmbedderConfig{
		APIKey:     cfg.AI.OpenAIKey,
		BaseURL:    cfg.AI.OpenAIBaseURL,
		Model:      cfg.Models.EmbeddingModel,
		Dimensions: cfg.Models.EmbeddingDimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

// OpenKnowledge opens the screen knowledge base described by cfg.
func OpenKnowledge(cfg *config.Config, logger zerolog.Logger) (*knowledge.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Knowledge.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create knowledge directory: %w", err)
	}
	embedder, err := NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	store, err := knowledge.Open(knowledge.Config{
		DBPath:   cfg.Knowledge.DBPath,
		Logger:   logger,
		Embedder: embedder,
		Search: knowledge.SearchOptions{
			Limit:         cfg.Knowledge.Limit,
			VectorWeight:  cfg.Knowledge.VectorWeight,
			KeywordWeight: cfg.Knowledge.KeywordWeight,
			MinScore:      cfg.Knowledge.MinScore,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}
	return store, nil
}
