package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAPIKey         = errors.New("invalid API key")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrServiceUnavailable    = errors.New("service unavailable")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrEmptyResponse         = errors.New("empty response")
	ErrStreamingNotSupported = errors.New("streaming not supported")
)

// Adapter è l'interfaccia di capability di un provider LLM
type Adapter interface {
	// Call esegue una richiesta completa
	Call(ctx context.Context, req *Request) (*Response, error)

	// Stream esegue la richiesta consegnando i frammenti di testo a handler
	Stream(ctx context.Context, req *Request, handler StreamHandler) error

	// SupportsStreaming riporta se Stream è implementato nativamente
	SupportsStreaming() bool
}

// StreamHandler riceve i frammenti di testo in ordine.
// Un errore restituito interrompe lo stream.
type StreamHandler func(chunk string) error

// Endpoint descrive come raggiungere un backend
type Endpoint struct {
	Name     string
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// Request rappresenta una richiesta testuale single-turn
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Response rappresenta la risposta di un provider
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Usage rappresenta le statistiche di utilizzo riportate dal provider
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total restituisce i token totali, sommando le parti se il provider non lo riporta
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// APIError è un errore HTTP restituito da un provider
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError classifica uno status HTTP in uno degli errori comuni
func NewAPIError(provider string, status int, message string) *APIError {
	var kind error
	switch {
	case status == 401 || status == 403:
		kind = ErrInvalidAPIKey
	case status == 429:
		kind = ErrRateLimitExceeded
	case status >= 500:
		kind = ErrServiceUnavailable
	default:
		kind = ErrInvalidRequest
	}
	return &APIError{Provider: provider, StatusCode: status, Message: message, Err: kind}
}
