package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoBackendAvailable è restituito quando nessun backend è selezionabile:
	// tutti disabilitati, con circuito aperto o esclusi dal filtro
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrBackendNotFound è restituito per nomi non registrati
	ErrBackendNotFound = errors.New("backend not found")
)

// ConfigError segnala una configurazione di backend non valida
type ConfigError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %q: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("backend %q: %s", e.Backend, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// BackendConfig è la configurazione di un backend.
// Dopo la registrazione cambiano solo Enabled e Priority. MaxRetries limita
// i tentativi su questo backend all'interno di una singola richiesta.
type BackendConfig struct {
	Provider        string        `json:"provider"`
	APIKey          string        `json:"-"`
	BaseURL         string        `json:"base_url,omitempty"`
	Model           string        `json:"model,omitempty"`
	MaxRetries      int           `json:"max_retries"`
	Timeout         time.Duration `json:"timeout"`
	RateLimit       int           `json:"rate_limit"`
	CostPer1KTokens float64       `json:"cost_per_1k_tokens"`
	Priority        int           `json:"priority"`
	Enabled         bool          `json:"enabled"`
}

// Cost calcola il costo di una chiamata con tokens token
func (c BackendConfig) Cost(tokens int) float64 {
	return float64(tokens) / 1000 * c.CostPer1KTokens
}

// BackendSpec è la forma di un backend nel file di configurazione.
// I campi puntatore distinguono "assente" da zero.
type BackendSpec struct {
	Name            string        `mapstructure:"name" yaml:"name"`
	Provider        string        `mapstructure:"provider" yaml:"provider"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	Model           string        `mapstructure:"model" yaml:"model"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit       int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	CostPer1KTokens float64       `mapstructure:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	Priority        *int          `mapstructure:"priority" yaml:"priority"`
	Enabled         *bool         `mapstructure:"enabled" yaml:"enabled"`
}

// Resolve applica i default: nome "{provider}_{i}", priorità i+1, abilitato
func (s BackendSpec) Resolve(i int) (string, BackendConfig) {
	name := s.Name
	if name == "" {
		name = fmt.Sprintf("%s_%d", s.Provider, i)
	}

	cfg := BackendConfig{
		Provider:        s.Provider,
		APIKey:          s.APIKey,
		BaseURL:         s.BaseURL,
		Model:           s.Model,
		MaxRetries:      s.MaxRetries,
		Timeout:         s.Timeout,
		RateLimit:       s.RateLimit,
		CostPer1KTokens: s.CostPer1KTokens,
		Priority:        i + 1,
		Enabled:         true,
	}
	if s.Priority != nil {
		cfg.Priority = *s.Priority
	}
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return name, cfg
}

// BackendStats sono le statistiche live di un backend
type BackendStats struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	TotalTokens        int64         `json:"total_tokens"`
	TotalCost          float64       `json:"total_cost"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	LastUsed           time.Time     `json:"last_used"`
	ConsecutiveErrors  int           `json:"consecutive_errors"`
	RateLimitHits      int64         `json:"rate_limit_hits"`
}

// SuccessRate restituisce successi / max(totale, 1)
func (s BackendStats) SuccessRate() float64 {
	total := s.TotalRequests
	if total < 1 {
		total = 1
	}
	return float64(s.SuccessfulRequests) / float64(total)
}

// Result è l'esito di un tentativo verso un backend
type Result struct {
	Success bool
	Tokens  int
	Latency time.Duration
	Cost    float64
	Err     error
}

// Candidate è un backend selezionabile con la sua configurazione e statistiche
type Candidate struct {
	Name   string
	Config BackendConfig
	Stats  BackendStats
}

// RankFunc riordina i candidati; i nomi non restituiti vengono scartati
type RankFunc func(candidates []Candidate) []Candidate

// Filter restringe e orienta la selezione
type Filter struct {
	// Provider limita la selezione a un tipo di provider
	Provider string

	// Prefer porta in testa un backend, se disponibile
	Prefer string

	// Avoid sposta in coda i backend elencati (es. già falliti nella richiesta)
	Avoid map[string]bool

	// Exclude scarta i backend elencati (es. tentativi esauriti)
	Exclude map[string]bool

	// Rank sostituisce l'ordinamento per priorità
	Rank RankFunc
}

// StatsEntry è una riga del report statistico
type StatsEntry struct {
	Provider          string  `json:"provider" yaml:"provider"`
	Model             string  `json:"model" yaml:"model"`
	Priority          int     `json:"priority" yaml:"priority"`
	TotalRequests     int64   `json:"total_requests" yaml:"total_requests"`
	SuccessRate       float64 `json:"success_rate" yaml:"success_rate"`
	TotalTokens       int64   `json:"total_tokens" yaml:"total_tokens"`
	TotalCost         float64 `json:"total_cost" yaml:"total_cost"`
	AvgResponseTime   float64 `json:"avg_response_time" yaml:"avg_response_time"`
	ConsecutiveErrors int     `json:"consecutive_errors" yaml:"consecutive_errors"`
	RateLimitHits     int64   `json:"rate_limit_hits" yaml:"rate_limit_hits"`
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	Circuit           string  `json:"circuit" yaml:"circuit"`
}
