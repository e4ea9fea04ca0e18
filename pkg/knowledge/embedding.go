package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
)

// Embedder turns text into a vector of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OpenAIEmbedder implements Embedder with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    openai.Client
	model     string
	dimension int
}

// OpenAIEmbedderConfig configures an OpenAIEmbedder.
type OpenAIEmbedderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// NewOpenAIEmbedder creates an OpenAI embedder.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig, opts ...option.RequestOption) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
		if cfg.Model == string(openai.EmbeddingModelTextEmbedding3Large) {
			cfg.Dimensions = 3072
		}
	}

	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIEmbedder{
		client:    openai.NewClient(append(base, opts...)...),
		model:     cfg.Model,
		dimension: cfg.Dimensions,
	}, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Embed returns the L2-normalized embedding of text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracing.StartSpan(ctx, "screencraft.knowledge", "knowledge.embed",
		attribute.String("model", e.model),
		attribute.Int("chars", len(text)),
	)
	defer span.End()

	start := time.Now()
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: openai.Int(int64(e.dimension)),
	})
	observability.RecordCollaboratorCall("embedding", time.Since(start), err == nil)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		err := errors.New("openai embeddings: empty response")
		tracing.Fail(span, err)
		return nil, err
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	if len(vec) != e.dimension {
		err := fmt.Errorf("openai embeddings: got dimension %d, want %d", len(vec), e.dimension)
		tracing.Fail(span, err)
		return nil, err
	}
	return normalize(vec), nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
