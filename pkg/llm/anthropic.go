package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic implements Completer on the Messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropic creates an Anthropic completer.
func NewAnthropic(cfg Config, opts ...option.RequestOption) *Anthropic {
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(append(base, opts...)...),
		cfg:    cfg,
	}
}

func (p *Anthropic) params(messages []Message) anthropic.MessageNewParams {
	system, rest := splitSystem(messages)

	converted := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		if m.Role == RoleAssistant {
			converted = append(converted, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
			continue
		}
		converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}

	maxTokens := p.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if p.cfg.Temperature > 0 {
		// Anthropic caps temperature at 1
		params.Temperature = anthropic.Float(min(p.cfg.Temperature, 1))
	}
	return params
}

// Complete implements Completer.
func (p *Anthropic) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "screencraft.llm", "llm.complete",
		attribute.String("provider", "anthropic"),
		attribute.String("model", p.cfg.Model),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, p.params(messages))
	observability.RecordCollaboratorCall("completion", time.Since(start), err == nil)
	if err != nil {
		tracing.Fail(span, err)
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), nil
}

// Stream implements Completer.
func (p *Anthropic) Stream(ctx context.Context, messages []Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "screencraft.llm", "llm.stream",
			attribute.String("provider", "anthropic"),
			attribute.String("model", p.cfg.Model),
		)
		defer span.End()

		start := time.Now()
		stream := p.client.Messages.NewStreaming(ctx, p.params(messages))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			if !yield(text.Text, nil) {
				observability.RecordCollaboratorCall("completion_stream", time.Since(start), true)
				return
			}
		}

		err := stream.Err()
		observability.RecordCollaboratorCall("completion_stream", time.Since(start), err == nil)
		if err != nil {
			tracing.Fail(span, err)
			yield("", fmt.Errorf("anthropic stream: %w", err))
		}
	}
}
