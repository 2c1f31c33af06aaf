package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrMaxRetriesExceeded viene restituito quando si supera il numero massimo di tentativi
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryConfig contiene la configurazione del retry
type RetryConfig struct {
	// MaxAttempts numero totale di tentativi (minimo 1)
	MaxAttempts int

	// InitialBackoff attesa dopo il primo fallimento
	InitialBackoff time.Duration

	// MaxBackoff backoff massimo
	MaxBackoff time.Duration

	// BackoffMultiplier moltiplicatore per exponential backoff
	BackoffMultiplier float64

	// RetryableChecker funzione custom per verificare se un errore è retryable
	RetryableChecker func(error) bool

	// OnRetry callback chiamata prima di ogni attesa
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultRetryConfig restituisce una configurazione di default
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Retry implementa retry logic con exponential backoff
type Retry struct {
	config RetryConfig
}

// NewRetry crea un nuovo retry handler
func NewRetry(config RetryConfig) *Retry {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff < 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}

	return &Retry{config: config}
}

// Execute esegue fn fino a MaxAttempts volte. Non attende dopo l'ultimo tentativo.
// Se i tentativi si esauriscono restituisce ErrMaxRetriesExceeded unito all'ultimo errore.
func (r *Retry) Execute(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if r.config.RetryableChecker != nil && !r.config.RetryableChecker(err) {
			log.Debug().Err(err).Msg("Error is not retryable, stopping retries")
			return err
		}

		if attempt == r.config.MaxAttempts-1 {
			break
		}

		backoff := r.Backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, err, backoff)
		}

		if err := Sleep(ctx, backoff); err != nil {
			return err
		}
	}

	return errors.Join(ErrMaxRetriesExceeded, lastErr)
}

// Backoff calcola l'attesa dopo il tentativo attempt (0-based): initial * multiplier^attempt
func (r *Retry) Backoff(attempt int) time.Duration {
	backoff := float64(r.config.InitialBackoff) * math.Pow(r.config.BackoffMultiplier, float64(attempt))
	if backoff > float64(r.config.MaxBackoff) {
		backoff = float64(r.config.MaxBackoff)
	}
	return time.Duration(backoff)
}

// Sleep attende d o la cancellazione del context
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
