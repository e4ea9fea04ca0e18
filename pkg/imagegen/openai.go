package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
)

// Config configures the OpenAI editor.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string // e.g. "1024x1024"; empty lets the model choose
}

// OpenAI implements Editor with the Images edit endpoint.
type OpenAI struct {
	client openai.Client
	cfg    Config
}

// NewOpenAI creates an OpenAI image editor.
func NewOpenAI(cfg Config, opts ...option.RequestOption) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.ImageModelGPTImage1)
	}

	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		client: openai.NewClient(append(base, opts...)...),
		cfg:    cfg,
	}, nil
}

// Edit implements Editor.
func (e *OpenAI) Edit(ctx context.Context, instructions []string, base []byte) ([]Image, error) {
	ctx, span := tracing.StartSpan(ctx, "screencraft.imagegen", "imagegen.edit",
		attribute.String("model", e.cfg.Model),
		attribute.Int("base_bytes", len(base)),
	)
	defer span.End()

	if len(base) == 0 {
		err := errors.New("base image is empty")
		tracing.Fail(span, err)
		return nil, err
	}

	prompt := Prompt(instructions)
	if prompt == "" {
		err := errors.New("no edit instructions")
		tracing.Fail(span, err)
		return nil, err
	}

	contentType := DetectMIME(base)
	params := openai.ImageEditParams{
		Image: openai.ImageEditParamsImageUnion{
			OfFile: openai.File(bytes.NewReader(base), "screen"+extension(contentType), contentType),
		},
		Prompt: prompt,
		Model:  openai.ImageModel(e.cfg.Model),
		N:      openai.Int(1),
	}
	if e.cfg.Size != "" {
		params.Size = openai.ImageEditParamsSize(e.cfg.Size)
	}
	// dall-e models answer with URLs unless asked; gpt-image models reject the field
	if strings.HasPrefix(e.cfg.Model, "dall-e") {
		params.ResponseFormat = openai.ImageEditParamsResponseFormatB64JSON
	}

	start := time.Now()
	resp, err := e.client.Images.Edit(ctx, params)
	observability.RecordCollaboratorCall("image_edit", time.Since(start), err == nil)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("openai image edit: %w", err)
	}

	images := make([]Image, 0, len(resp.Data))
	urlOnly := 0
	for i, item := range resp.Data {
		if item.B64JSON == "" {
			if item.URL != "" {
				urlOnly++
			}
			continue
		}
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			tracing.Fail(span, err)
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		images = append(images, Image{MIME: DetectMIME(data), Data: data})
	}

	if len(images) == 0 && urlOnly > 0 {
		err := fmt.Errorf("model %s returned %d image URLs without inline data", e.cfg.Model, urlOnly)
		tracing.Fail(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("images", len(images)))
	return images, nil
}

func extension(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".png"
	}
	for _, ext := range exts {
		if ext == ".png" || ext == ".jpg" || ext == ".webp" {
			return ext
		}
	}
	return exts[0]
}
