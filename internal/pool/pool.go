// Package pool gestisce il registro dei backend LLM con statistiche live,
// rate limiting per backend, circuit breaking e la cache di risposta condivisa.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/biodoia/novelcorpus/internal/ratelimit"
	"github.com/biodoia/novelcorpus/pkg/cache"
	"github.com/biodoia/novelcorpus/pkg/models"
	"github.com/biodoia/novelcorpus/pkg/resilience"
	"github.com/rs/zerolog/log"
)

// Options configura un Pool
type Options struct {
	// Registry costruisce gli adapter dei provider
	Registry *providers.Registry

	// Cache di risposta; nil disabilita il caching
	Cache    cache.Cache
	CacheTTL time.Duration

	// CircuitThreshold errori consecutivi che aprono il circuito (default 5)
	CircuitThreshold int

	// CircuitCooldown intervallo tra le prove half-open; zero le disabilita
	CircuitCooldown time.Duration

	// RateWindow finestra del rate limit per backend (default 1 minuto)
	RateWindow time.Duration

	// RateLimitWait attesa massima di Acquire quando tutti i backend sono limitati
	RateLimitWait time.Duration

	Metrics *Metrics

	// Now sorgente del tempo (test)
	Now func() time.Time
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

type backend struct {
	name    string
	seq     int
	cfg     BackendConfig
	stats   BackendStats
	adapter providers.Adapter
	limiter *ratelimit.SlidingWindow
	key     ratelimit.Key
	breaker *resilience.CircuitBreaker
}

// Pool è il registro dei backend. È sicuro per l'uso concorrente:
// nessun lock viene tenuto durante l'I/O verso i provider.
type Pool struct {
	opts Options

	mu       sync.Mutex
	backends map[string]*backend
	order    []*backend
}

// New crea un pool vuoto
func New(opts Options) *Pool {
	if opts.CircuitThreshold <= 0 {
		opts.CircuitThreshold = 5
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = providers.NewRegistry()
	}

	return &Pool{
		opts:     opts,
		backends: make(map[string]*backend),
	}
}

// FromSpecs crea un pool registrando i backend configurati.
// Con pooled=false viene registrato solo il primo backend abilitato.
func FromSpecs(specs []BackendSpec, pooled bool, opts Options) (*Pool, error) {
	p := New(opts)

	for i, spec := range specs {
		name, cfg := spec.Resolve(i)
		if !pooled && !cfg.Enabled {
			continue
		}
		if err := p.Register(name, cfg); err != nil {
			return nil, err
		}
		if !pooled {
			log.Info().Str("backend", name).Msg("Pool disabled, running in single-backend mode")
			break
		}
	}

	return p, nil
}

// Register aggiunge un backend
func (p *Pool) Register(name string, cfg BackendConfig) error {
	if name == "" {
		return &ConfigError{Backend: name, Reason: "empty backend name"}
	}
	if cfg.RateLimit <= 0 {
		return &ConfigError{Backend: name, Reason: fmt.Sprintf("rate_limit must be positive, got %d", cfg.RateLimit)}
	}

	adapter, err := p.opts.Registry.New(providers.Endpoint{
		Name:     name,
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return &ConfigError{Backend: name, Reason: "cannot build provider adapter", Err: err}
	}

	limiter, err := ratelimit.New(cfg.RateLimit, p.opts.RateWindow, ratelimit.WithClock(clockFunc(p.opts.Now)))
	if err != nil {
		return &ConfigError{Backend: name, Reason: "invalid rate limit", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.backends[name]; exists {
		return &ConfigError{Backend: name, Reason: "backend already registered"}
	}

	metrics := p.opts.Metrics
	b := &backend{
		name:    name,
		seq:     len(p.order),
		cfg:     cfg,
		adapter: adapter,
		limiter: limiter,
		key:     ratelimit.Key{Endpoint: cfg.BaseURL, Identifier: name},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: p.opts.CircuitThreshold,
			Cooldown:         p.opts.CircuitCooldown,
			Now:              p.opts.Now,
			OnStateChange: func(from, to resilience.State) {
				log.Warn().
					Str("backend", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Backend circuit state changed")
				metrics.setCircuit(name, to)
			},
		}),
	}
	p.backends[name] = b
	p.order = append(p.order, b)
	metrics.setCircuit(name, resilience.StateClosed)

	log.Info().
		Str("backend", name).
		Str("provider", cfg.Provider).
		Str("model", cfg.Model).
		Int("priority", cfg.Priority).
		Int("rate_limit", cfg.RateLimit).
		Bool("enabled", cfg.Enabled).
		Msg("Backend registered")

	return nil
}

// candidates restituisce i backend selezionabili ordinati; richiede mu
func (p *Pool) candidates(f Filter) []*backend {
	var out []*backend
	for _, b := range p.order {
		if !b.cfg.Enabled {
			continue
		}
		if f.Provider != "" && b.cfg.Provider != f.Provider {
			continue
		}
		if f.Exclude[b.name] {
			continue
		}
		if !b.breaker.Ready() {
			continue
		}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].cfg.Priority != out[j].cfg.Priority {
			return out[i].cfg.Priority < out[j].cfg.Priority
		}
		return out[i].stats.SuccessRate() > out[j].stats.SuccessRate()
	})

	// Rank riceve i candidati già in ordine di priorità
	if f.Rank != nil {
		out = p.rank(out, f.Rank)
	}

	if len(f.Avoid) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return !f.Avoid[out[i].name] && f.Avoid[out[j].name]
		})
	}

	if f.Prefer != "" {
		for i, b := range out {
			if b.name == f.Prefer {
				copy(out[1:i+1], out[:i])
				out[0] = b
				break
			}
		}
	}

	return out
}

func (p *Pool) rank(in []*backend, rank RankFunc) []*backend {
	cands := make([]Candidate, len(in))
	for i, b := range in {
		cands[i] = Candidate{Name: b.name, Config: b.cfg, Stats: b.stats}
	}

	ranked := rank(cands)
	out := make([]*backend, 0, len(ranked))
	for _, c := range ranked {
		if b, ok := p.backends[c.Name]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Available restituisce i backend selezionabili nell'ordine di preferenza
func (p *Pool) Available(f Filter) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	bs := p.candidates(f)
	names := make([]string, len(bs))
	for i, b := range bs {
		names[i] = b.name
	}
	return names
}

// Candidates restituisce i backend selezionabili con configurazione e statistiche
func (p *Pool) Candidates(f Filter) []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	bs := p.candidates(f)
	out := make([]Candidate, len(bs))
	for i, b := range bs {
		out[i] = Candidate{Name: b.name, Config: b.cfg, Stats: b.stats}
	}
	return out
}

// Select restituisce il primo backend disponibile che supera il proprio rate limiter,
// oppure "" se nessuno è selezionabile
func (p *Pool) Select(f Filter) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.candidates(f) {
		if b.limiter.Remaining(b.key) <= 0 {
			b.stats.RateLimitHits++
			p.opts.Metrics.observeRateLimited(b.name)
			continue
		}
		// la prova half-open si prende prima di registrare la chiamata nella finestra
		if !b.breaker.Allow() {
			continue
		}
		if !b.limiter.Allow(b.key) {
			b.stats.RateLimitHits++
			p.opts.Metrics.observeRateLimited(b.name)
			continue
		}
		return b.name
	}
	return ""
}

// Acquire seleziona un backend. Se tutti i candidati sono limitati attende
// che una finestra si liberi, entro RateLimitWait.
func (p *Pool) Acquire(ctx context.Context, f Filter) (string, error) {
	var deadline time.Time
	if p.opts.RateLimitWait > 0 {
		deadline = time.Now().Add(p.opts.RateLimitWait)
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if name := p.Select(f); name != "" {
			return name, nil
		}

		wait, ok := p.nextAvailable(f)
		if !ok {
			return "", ErrNoBackendAvailable
		}
		if deadline.IsZero() {
			return "", fmt.Errorf("%w: all candidates rate limited", ErrNoBackendAvailable)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: %w", ratelimit.ErrRateLimitTimeout, ErrNoBackendAvailable)
		}
		if wait <= 0 || wait > remaining {
			wait = min(remaining, max(wait, time.Millisecond))
		}

		log.Debug().Dur("wait", wait).Msg("All backends rate limited, waiting")
		if err := resilience.Sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// nextAvailable restituisce l'attesa minima prima che un candidato si liberi
func (p *Pool) nextAvailable(f Filter) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bs := p.candidates(f)
	if len(bs) == 0 {
		return 0, false
	}

	best := time.Duration(-1)
	for _, b := range bs {
		d := b.limiter.NextAvailable(b.key)
		if best < 0 || d < best {
			best = d
		}
	}
	return best, true
}

// RecordResult aggiorna le statistiche dopo un tentativo
func (p *Pool) RecordResult(name string, r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[name]
	if !ok {
		return
	}

	s := &b.stats
	s.TotalRequests++
	s.LastUsed = p.opts.Now()
	s.AvgResponseTime += (r.Latency - s.AvgResponseTime) / time.Duration(s.TotalRequests)

	if r.Success {
		s.SuccessfulRequests++
		s.TotalTokens += int64(r.Tokens)
		s.TotalCost += r.Cost
		s.ConsecutiveErrors = 0
	} else {
		s.FailedRequests++
		s.ConsecutiveErrors++
		if errors.Is(r.Err, providers.ErrRateLimitExceeded) {
			s.RateLimitHits++
		}
	}

	b.breaker.Record(r.Success)
	p.opts.Metrics.observeCall(name, b.cfg.Provider, r)
}

// SetEnabled abilita o disabilita un backend
func (p *Pool) SetEnabled(name string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	b.cfg.Enabled = enabled
	log.Info().Str("backend", name).Bool("enabled", enabled).Msg("Backend toggled")
	return nil
}

// SetPriority cambia la priorità di un backend
func (p *Pool) SetPriority(name string, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	b.cfg.Priority = priority
	return nil
}

// ResetCircuit richiude il circuito di un backend e azzera gli errori consecutivi
func (p *Pool) ResetCircuit(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	b.stats.ConsecutiveErrors = 0
	b.breaker.Reset()
	return nil
}

// Adapter restituisce l'adapter del provider di un backend
func (p *Pool) Adapter(name string) (providers.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return b.adapter, nil
}

// Config restituisce la configurazione corrente di un backend
func (p *Pool) Config(name string) (BackendConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[name]
	if !ok {
		return BackendConfig{}, false
	}
	return b.cfg, true
}

// Stats restituisce una copia delle statistiche di un backend
func (p *Pool) Stats(name string) (BackendStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[name]
	if !ok {
		return BackendStats{}, false
	}
	return b.stats, true
}

// Names restituisce tutti i backend in ordine di registrazione
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, len(p.order))
	for i, b := range p.order {
		names[i] = b.name
	}
	return names
}

// EnabledNames restituisce i backend abilitati in ordine di registrazione
func (p *Pool) EnabledNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var names []string
	for _, b := range p.order {
		if b.cfg.Enabled {
			names = append(names, b.name)
		}
	}
	return names
}

// Len restituisce il numero di backend registrati
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// StatsReport restituisce il report statistico per backend
func (p *Pool) StatsReport() map[string]StatsEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := make(map[string]StatsEntry, len(p.order))
	for _, b := range p.order {
		report[b.name] = StatsEntry{
			Provider:          b.cfg.Provider,
			Model:             b.cfg.Model,
			Priority:          b.cfg.Priority,
			TotalRequests:     b.stats.TotalRequests,
			SuccessRate:       b.stats.SuccessRate(),
			TotalTokens:       b.stats.TotalTokens,
			TotalCost:         b.stats.TotalCost,
			AvgResponseTime:   b.stats.AvgResponseTime.Seconds(),
			ConsecutiveErrors: b.stats.ConsecutiveErrors,
			RateLimitHits:     b.stats.RateLimitHits,
			Enabled:           b.cfg.Enabled,
			Circuit:           b.breaker.State().String(),
		}
	}
	return report
}

// Snapshot fotografa le statistiche correnti per la persistenza
func (p *Pool) Snapshot() []models.BackendSnapshot {
	report := p.StatsReport()
	now := p.opts.Now().UTC()

	snapshots := make([]models.BackendSnapshot, 0, len(report))
	for _, name := range p.Names() {
		e, ok := report[name]
		if !ok {
			continue
		}
		snapshots = append(snapshots, models.BackendSnapshot{
			Backend:           name,
			Timestamp:         now,
			Provider:          e.Provider,
			Model:             e.Model,
			Priority:          e.Priority,
			Enabled:           e.Enabled,
			Circuit:           e.Circuit,
			TotalRequests:     e.TotalRequests,
			SuccessRate:       e.SuccessRate,
			TotalTokens:       e.TotalTokens,
			TotalCost:         e.TotalCost,
			AvgResponseTime:   e.AvgResponseTime,
			ConsecutiveErrors: e.ConsecutiveErrors,
			RateLimitHits:     e.RateLimitHits,
		})
	}
	return snapshots
}

// Cache restituisce la cache di risposta, nil se disabilitata
func (p *Pool) Cache() cache.Cache {
	return p.opts.Cache
}

// CacheTTL restituisce il TTL delle risposte in cache
func (p *Pool) CacheTTL() time.Duration {
	return p.opts.CacheTTL
}

// Metrics restituisce le metriche del pool, nil se disabilitate
func (p *Pool) Metrics() *Metrics {
	return p.opts.Metrics
}
