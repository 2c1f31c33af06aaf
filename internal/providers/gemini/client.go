package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/biodoia/novelcorpus/internal/providers"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

// Client è l'adapter per l'API Gemini.
// Il client genai viene creato alla prima richiesta, perché richiede un context.
type Client struct {
	name  string
	model string
	cfg   *genai.ClientConfig

	once   sync.Once
	client *genai.Client
	err    error
}

// NewClient crea un nuovo client Gemini
func NewClient(ep providers.Endpoint) *Client {
	cfg := &genai.ClientConfig{
		APIKey:  ep.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if ep.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = ep.BaseURL
	}
	if ep.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: ep.Timeout}
	}

	model := ep.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{name: ep.Name, model: model, cfg: cfg}
}

// Driver restituisce il driver Gemini
func Driver() providers.Driver {
	return providers.Driver{
		Name: "gemini",
		New: func(ep providers.Endpoint) (providers.Adapter, error) {
			return NewClient(ep), nil
		},
		DefaultModel: DefaultModel,
	}
}

func (c *Client) sdkClient(ctx context.Context) (*genai.Client, error) {
	c.once.Do(func() {
		c.client, c.err = genai.NewClient(ctx, c.cfg)
		if c.err != nil {
			c.err = fmt.Errorf("failed to create genai client: %w", c.err)
		}
	})
	return c.client, c.err
}

// SupportsStreaming implementa providers.Adapter
func (c *Client) SupportsStreaming() bool {
	return true
}

// Call esegue GenerateContent
func (c *Client) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	client, err := c.sdkClient(ctx)
	if err != nil {
		return nil, err
	}

	model, contents, config := c.build(req)
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, c.wrapError(err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%s: %w", c.name, providers.ErrEmptyResponse)
	}

	out := &providers.Response{Text: text, Model: model}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Stream consegna il testo di ogni risposta parziale di GenerateContentStream
func (c *Client) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	client, err := c.sdkClient(ctx)
	if err != nil {
		return err
	}

	model, contents, config := c.build(req)
	for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return c.wrapError(err)
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			if err := handler(text); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func (c *Client) build(req *providers.Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}

	return model, genai.Text(req.Prompt), config
}

func (c *Client) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewAPIError(c.name, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("gemini API error: %w", err)
}
