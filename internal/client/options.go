package client

import (
	"time"

	"github.com/biodoia/novelcorpus/internal/pool"
)

// Ranker fornisce un ordinamento dei backend per un numero stimato di token
type Ranker interface {
	Rank(tokens int) pool.RankFunc
}

// Options configura il client
type Options struct {
	// MaxRetries tentativi per richiesta (default 3)
	MaxRetries int

	// BackoffBase attesa dopo il primo fallimento, raddoppiata a ogni tentativo (default 1s)
	BackoffBase time.Duration

	// BackoffMax tetto del backoff (default 30s)
	BackoffMax time.Duration

	// BatchConcurrency richieste concorrenti in Batch (default 10)
	BatchConcurrency int

	// MaxTokens limite di output passato ai provider; zero usa il default dell'adapter
	MaxTokens int

	// Optimizer sostituisce l'ordinamento per priorità del pool
	Optimizer Ranker
}

func (o *Options) withDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = 10
	}
}

type callOptions struct {
	system      string
	provider    string
	model       string
	backend     string
	useCache    bool
	maxRetries  int
	temperature *float64
}

// Option modifica una singola richiesta
type Option func(*callOptions)

// WithSystemPrompt imposta il system prompt
func WithSystemPrompt(system string) Option {
	return func(o *callOptions) { o.system = system }
}

// WithProvider limita la selezione ai backend di un provider
func WithProvider(provider string) Option {
	return func(o *callOptions) { o.provider = provider }
}

// WithModel sostituisce il modello configurato del backend
func WithModel(model string) Option {
	return func(o *callOptions) { o.model = model }
}

// WithoutCache salta la cache di risposta in lettura e scrittura
func WithoutCache() Option {
	return func(o *callOptions) { o.useCache = false }
}

// WithMaxRetries sostituisce il numero di tentativi del client
func WithMaxRetries(n int) Option {
	return func(o *callOptions) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithBackend preferisce un backend; se non è disponibile la selezione procede normalmente
func WithBackend(name string) Option {
	return func(o *callOptions) { o.backend = name }
}

// WithTemperature imposta la temperatura di campionamento
func WithTemperature(t float64) Option {
	return func(o *callOptions) { o.temperature = &t }
}
