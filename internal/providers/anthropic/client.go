package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/biodoia/novelcorpus/internal/providers"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 4096
)

// Client è l'adapter per l'API Anthropic Messages
type Client struct {
	name   string
	model  string
	client sdk.Client
}

// NewClient crea un nuovo client Anthropic
func NewClient(ep providers.Endpoint) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(ep.APIKey),
		option.WithMaxRetries(0),
	}
	if ep.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	if ep.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(ep.Timeout))
	}

	model := ep.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		name:   ep.Name,
		model:  model,
		client: sdk.NewClient(opts...),
	}
}

// Driver restituisce il driver Anthropic
func Driver() providers.Driver {
	return providers.Driver{
		Name: "anthropic",
		New: func(ep providers.Endpoint) (providers.Adapter, error) {
			return NewClient(ep), nil
		},
		DefaultModel: DefaultModel,
	}
}

// SupportsStreaming implementa providers.Adapter
func (c *Client) SupportsStreaming() bool {
	return true
}

// Call esegue una richiesta Messages
func (c *Client) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	message, err := c.client.Messages.New(ctx, c.params(req))
	if err != nil {
		return nil, c.wrapError(err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", c.name, providers.ErrEmptyResponse)
	}

	return &providers.Response{
		Text:  sb.String(),
		Model: string(message.Model),
		Usage: providers.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// Stream consegna i text delta dello stream Messages
func (c *Client) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	stream := c.client.Messages.NewStreaming(ctx, c.params(req))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type != "text_delta" || delta.Text == "" {
			continue
		}
		if err := handler(delta.Text); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return c.wrapError(err)
	}
	return nil
}

func (c *Client) params(req *providers.Request) sdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params
}

func (c *Client) wrapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return providers.NewAPIError(c.name, apiErr.StatusCode, apiErr.Error())
	}
	return fmt.Errorf("claude API error: %w", err)
}
