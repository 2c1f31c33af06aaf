package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State rappresenta lo stato del circuit breaker
type State int

const (
	// StateClosed il circuito è chiuso, le richieste passano normalmente
	StateClosed State = iota

	// StateOpen il circuito è aperto, le richieste vengono rifiutate
	StateOpen

	// StateHalfOpen una richiesta di prova è in corso
	StateHalfOpen
)

// String restituisce la rappresentazione string dello stato
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contiene la configurazione del circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold numero di errori consecutivi prima di aprire il circuito
	FailureThreshold int

	// Cooldown intervallo tra due richieste di prova a circuito aperto.
	// Zero disabilita le prove: il circuito resta aperto fino a Reset.
	Cooldown time.Duration

	// OnStateChange callback chiamata quando lo stato cambia
	OnStateChange func(from, to State)

	// Now sorgente del tempo, time.Now se nil
	Now func() time.Time
}

// DefaultCircuitBreakerConfig restituisce una configurazione di default
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker conta gli errori consecutivi di un backend.
// A circuito aperto ammette al massimo una richiesta di prova per Cooldown;
// il successo della prova lo richiude, un fallimento lo lascia aperto.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   *rate.Limiter

	totalRejected int64
	totalProbes   int64
}

// NewCircuitBreaker crea un nuovo circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.Cooldown < 0 {
		config.Cooldown = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Ready riporta se una richiesta sarebbe ammessa, senza consumare la prova
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateClosed {
		return true
	}
	return cb.probes != nil && cb.probes.TokensAt(cb.config.Now()) >= 1
}

// Allow ammette una richiesta. A circuito aperto consuma la prova disponibile.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateClosed {
		return true
	}

	if cb.probes == nil || !cb.probes.AllowN(cb.config.Now(), 1) {
		cb.totalRejected++
		return false
	}

	cb.totalProbes++
	cb.setState(StateHalfOpen)
	return true
}

// Record registra l'esito di una richiesta
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.close()
		}
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

// open apre il circuito e consuma la prova iniziale del limiter
func (cb *CircuitBreaker) open() {
	now := cb.config.Now()
	cb.openedAt = now
	cb.probes = nil
	if cb.config.Cooldown > 0 {
		cb.probes = rate.NewLimiter(rate.Every(cb.config.Cooldown), 1)
		cb.probes.AllowN(now, 1)
	}
	cb.setState(StateOpen)
}

// close chiude il circuito
func (cb *CircuitBreaker) close() {
	cb.failures = 0
	cb.probes = nil
	cb.openedAt = time.Time{}
	cb.setState(StateClosed)
}

// setState cambia lo stato e notifica
func (cb *CircuitBreaker) setState(newState State) {
	oldState := cb.state
	cb.state = newState

	if cb.config.OnStateChange != nil && oldState != newState {
		cb.config.OnStateChange(oldState, newState)
	}
}

// State restituisce lo stato corrente
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures restituisce il numero di errori consecutivi
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset riporta il circuito chiuso
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
}

// Stats restituisce le statistiche del circuit breaker
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
		TotalRejected:       cb.totalRejected,
		TotalProbes:         cb.totalProbes,
	}
}

// CircuitBreakerStats contiene le statistiche del circuit breaker
type CircuitBreakerStats struct {
	State               string
	ConsecutiveFailures int
	OpenedAt            time.Time
	TotalRejected       int64
	TotalProbes         int64
}
