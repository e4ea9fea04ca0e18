package llm

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
)

// OpenAI implements Completer on the Chat Completions API.
type OpenAI struct {
	client openai.Client
	cfg    Config
}

// NewOpenAI creates an OpenAI completer. Extra request options are applied
// after the key and base URL.
func NewOpenAI(cfg Config, opts ...option.RequestOption) *OpenAI {
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client: openai.NewClient(append(base, opts...)...),
		cfg:    cfg,
	}
}

func (p *OpenAI) params(messages []Message) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			converted = append(converted, openai.SystemMessage(m.Content))
		case RoleAssistant:
			converted = append(converted, openai.AssistantMessage(m.Content))
		default:
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.cfg.Model),
		Messages: converted,
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = openai.Float(p.cfg.Temperature)
	}
	return params
}

// Complete implements Completer.
func (p *OpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "screencraft.llm", "llm.complete",
		attribute.String("provider", "openai"),
		attribute.String("model", p.cfg.Model),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, p.params(messages))
	if err == nil && len(resp.Choices) == 0 {
		err = fmt.Errorf("no response choices returned")
	}
	observability.RecordCollaboratorCall("completion", time.Since(start), err == nil)
	if err != nil {
		tracing.Fail(span, err)
		return "", fmt.Errorf("openai completion: %w", err)
	}

	return resp.Choices[0].Message.Content, nil
}

// Stream implements Completer.
func (p *OpenAI) Stream(ctx context.Context, messages []Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "screencraft.llm", "llm.stream",
			attribute.String("provider", "openai"),
			attribute.String("model", p.cfg.Model),
		)
		defer span.End()

		start := time.Now()
		stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(messages))
		defer stream.Close()

		fragments := 0
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			fragments++
			if !yield(delta, nil) {
				observability.RecordCollaboratorCall("completion_stream", time.Since(start), true)
				return
			}
		}

		err := stream.Err()
		observability.RecordCollaboratorCall("completion_stream", time.Since(start), err == nil)
		span.SetAttributes(attribute.Int("fragments", fragments))
		if err != nil {
			tracing.Fail(span, err)
			yield("", fmt.Errorf("openai stream: %w", err))
		}
	}
}
