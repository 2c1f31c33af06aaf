// Package generic implementa un adapter HTTP per endpoint chat non standard:
// la richiesta viene inviata all'URL completo del backend e il testo viene
// estratto dai campi più comuni della risposta.
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/go-resty/resty/v2"
)

// Shape indica il formato del corpo della richiesta
type Shape int

const (
	// ShapeChat invia {"model", "messages"} come le API OpenAI-compatibili
	ShapeChat Shape = iota
	// ShapeDashScope invia {"model", "input": {"messages"}, "parameters"}
	ShapeDashScope
)

var ErrMissingBaseURL = errors.New("generic backend requires base_url")

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatBody struct {
	Model     string    `json:"model,omitempty"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type dashScopeBody struct {
	Model string `json:"model,omitempty"`
	Input struct {
		Messages []message `json:"messages"`
	} `json:"input"`
	Parameters map[string]any `json:"parameters"`
}

type choice struct {
	Message message `json:"message"`
	Text    string  `json:"text"`
}

// reply copre i formati di risposta supportati
type reply struct {
	Choices []choice `json:"choices"`
	Output  struct {
		Text    string   `json:"text"`
		Choices []choice `json:"choices"`
	} `json:"output"`
	Content string          `json:"content"`
	Result  string          `json:"result"`
	Usage   providers.Usage `json:"usage"`
}

func (r *reply) text() (string, bool) {
	for _, chs := range [][]choice{r.Choices, r.Output.Choices} {
		if len(chs) > 0 {
			if chs[0].Message.Content != "" {
				return chs[0].Message.Content, true
			}
			if chs[0].Text != "" {
				return chs[0].Text, true
			}
		}
	}
	for _, s := range []string{r.Output.Text, r.Content, r.Result} {
		if s != "" {
			return s, true
		}
	}
	return "", false
}

// Client è un adapter HTTP generico
type Client struct {
	name       string
	url        string
	model      string
	shape      Shape
	httpClient *resty.Client
}

// NewClient crea un nuovo client generico
func NewClient(ep providers.Endpoint, shape Shape) (*Client, error) {
	if ep.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if ep.Timeout <= 0 {
		ep.Timeout = 60 * time.Second
	}

	hc := resty.New().
		SetTimeout(ep.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if ep.APIKey != "" {
		hc.SetAuthToken(ep.APIKey)
	}

	return &Client{
		name:       ep.Name,
		url:        ep.BaseURL,
		model:      ep.Model,
		shape:      shape,
		httpClient: hc,
	}, nil
}

// Driver restituisce un driver generico. Con defaultURL vuoto il base_url è obbligatorio.
func Driver(name, defaultURL, model string, shape Shape) providers.Driver {
	return providers.Driver{
		Name: name,
		New: func(ep providers.Endpoint) (providers.Adapter, error) {
			return NewClient(ep, shape)
		},
		DefaultBaseURL: defaultURL,
		DefaultModel:   model,
		KeyOptional:    defaultURL == "",
	}
}

// SupportsStreaming implementa providers.Adapter
func (c *Client) SupportsStreaming() bool {
	return false
}

// Stream non è supportato: il client universale ricade su Call
func (c *Client) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	return providers.ErrStreamingNotSupported
}

// Call invia la richiesta all'URL del backend
func (c *Client) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]message, 0, 2)
	if req.System != "" {
		messages = append(messages, message{Role: "system", Content: req.System})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	var body any
	switch c.shape {
	case ShapeDashScope:
		b := dashScopeBody{Model: model, Parameters: map[string]any{}}
		b.Input.Messages = messages
		if req.MaxTokens > 0 {
			b.Parameters["max_tokens"] = req.MaxTokens
		}
		body = b
	default:
		body = chatBody{Model: model, Messages: messages, MaxTokens: req.MaxTokens}
	}

	var result reply
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return nil, providers.NewAPIError(c.name, resp.StatusCode(), resp.String())
	}

	text, ok := result.text()
	if !ok {
		return nil, fmt.Errorf("%s: %w", c.name, providers.ErrEmptyResponse)
	}

	return &providers.Response{Text: text, Model: model, Usage: result.Usage}, nil
}
