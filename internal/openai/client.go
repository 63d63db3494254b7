// Package openai adapts the OpenAI API to the analysis model interfaces.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/services"
)

const (
	DefaultChatModel      = "gpt-4o-mini"
	DefaultVisionModel    = "gpt-4o"
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultTimeout        = 5 * time.Minute
	// The embeddings endpoint accepts at most this many inputs per call.
	maxEmbedBatch = 100
)

// ErrAPIKeyNotSet is returned when no API key is configured.
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

func newClient(apiKey, baseURL string) (openai.Client, error) {
	if apiKey == "" {
		return openai.Client{}, ErrAPIKeyNotSet
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	// Temporal owns retries.
	opts = append(opts, option.WithMaxRetries(0))
	return openai.NewClient(opts...), nil
}

// ChatModel implements services.TextModel with a fixed system prompt.
type ChatModel struct {
	client  openai.Client
	model   string
	system  string
	json    bool
	timeout time.Duration
}

var _ services.TextModel = (*ChatModel)(nil)

// NewChatModel creates a text model. When jsonOutput is set the response is
// constrained to a JSON object.
func NewChatModel(apiKey, baseURL, model, systemPrompt string, jsonOutput bool) (*ChatModel, error) {
	client, err := newClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = DefaultChatModel
	}
	return &ChatModel{client: client, model: model, system: systemPrompt, json: jsonOutput, timeout: DefaultTimeout}, nil
}

func (c *ChatModel) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.system),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0),
	}
	if c.json {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		}
	}
	return complete(ctx, c.client, params)
}

// VisionModel implements services.VisionModel through image URLs.
type VisionModel struct {
	client  openai.Client
	model   string
	system  string
	timeout time.Duration
}

var _ services.VisionModel = (*VisionModel)(nil)

func NewVisionModel(apiKey, baseURL, model, systemPrompt string) (*VisionModel, error) {
	client, err := newClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = DefaultVisionModel
	}
	return &VisionModel{client: client, model: model, system: systemPrompt, timeout: DefaultTimeout}, nil
}

func (v *VisionModel) ExtractText(ctx context.Context, instruction string, images []services.ImageRef) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(instruction)}
	for _, img := range images {
		if img.URL == "" {
			return "", models.NewValidationError("openai.ExtractText", fmt.Sprintf("page %d has no fetchable URL", img.Page), nil)
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    img.URL,
			Detail: "high",
		}))
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(v.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(v.system),
			openai.UserMessage(parts),
		},
		Temperature: openai.Float(0),
	}
	return complete(ctx, v.client, params)
}

func complete(ctx context.Context, client openai.Client, params openai.ChatCompletionNewParams) (string, error) {
	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 400 {
			return "", models.NewValidationError("openai.complete", "request rejected by OpenAI", err)
		}
		return "", models.NewExpensiveError("openai.complete", "OpenAI API call failed", err)
	}
	if len(completion.Choices) == 0 {
		return "", models.NewExpensiveError("openai.complete", "no completion choices returned", nil)
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}
