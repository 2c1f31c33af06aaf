package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultModel   = "gpt-4o-mini"

	completionsPath = "/v1/chat/completions"
)

// Client implementa un client OpenAI-compatible
type Client struct {
	name       string
	model      string
	httpClient *resty.Client
}

// NewClient crea un nuovo client OpenAI
func NewClient(ep providers.Endpoint) *Client {
	if ep.BaseURL == "" {
		ep.BaseURL = DefaultBaseURL
	}
	if ep.Timeout <= 0 {
		ep.Timeout = 60 * time.Second
	}

	c := &Client{
		name:       ep.Name,
		model:      ep.Model,
		httpClient: resty.New(),
	}
	c.configureHTTPClient(ep)
	return c
}

// New è la factory registrata nel registry
func New(ep providers.Endpoint) (providers.Adapter, error) {
	return NewClient(ep), nil
}

// Driver restituisce il driver per un provider OpenAI-compatible
func Driver(name, baseURL, model string) providers.Driver {
	return providers.Driver{
		Name:           name,
		New:            New,
		DefaultBaseURL: baseURL,
		DefaultModel:   model,
	}
}

// configureHTTPClient configura il client HTTP. I retry sono gestiti dal client universale.
func (c *Client) configureHTTPClient(ep providers.Endpoint) {
	c.httpClient.
		SetBaseURL(strings.TrimRight(ep.BaseURL, "/")).
		SetTimeout(ep.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if ep.APIKey != "" {
		c.httpClient.SetAuthToken(ep.APIKey)
	}

	c.httpClient.OnAfterResponse(func(client *resty.Client, resp *resty.Response) error {
		log.Debug().
			Str("backend", c.name).
			Int("status", resp.StatusCode()).
			Dur("duration", resp.Time()).
			Msg("OpenAI API response")
		return nil
	})
}

// SupportsStreaming implementa providers.Adapter
func (c *Client) SupportsStreaming() bool {
	return true
}

// Call esegue una richiesta di chat completion
func (c *Client) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	body := c.buildRequest(req)

	var result ChatCompletionResponse
	var errResp ErrorResponse

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&errResp).
		Post(completionsPath)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return nil, providers.NewAPIError(c.name, resp.StatusCode(), errResp.Error.Message)
	}

	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", c.name, providers.ErrEmptyResponse)
	}

	return &providers.Response{
		Text:  result.Choices[0].Message.Content,
		Model: result.Model,
		Usage: providers.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}, nil
}

// Stream esegue una richiesta di chat completion con streaming SSE
func (c *Client) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	body := c.buildRequest(req)
	body.Stream = true

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(completionsPath)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	raw := resp.RawBody()
	defer raw.Close()

	if resp.StatusCode() >= 400 {
		return c.handleStreamError(resp.StatusCode(), raw)
	}

	return c.processStream(raw, handler)
}

// processStream processa lo stream SSE
func (c *Client) processStream(body io.Reader, handler providers.StreamHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// Parse SSE format: "data: {...}"
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			return nil
		}

		var chunk ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("backend", c.name).Msg("Failed to parse stream chunk")
			continue
		}

		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		if err := handler(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read error: %w", err)
	}
	return nil
}

// handleStreamError legge il corpo di errore di una richiesta streaming
func (c *Client) handleStreamError(status int, body io.Reader) error {
	var errResp ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(body, 64*1024))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}
	return providers.NewAPIError(c.name, status, msg)
}

// buildRequest converte la richiesta generica in formato OpenAI
func (c *Client) buildRequest(req *providers.Request) *ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]ChatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	out := &ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		out.MaxTokens = &maxTokens
	}
	return out
}
