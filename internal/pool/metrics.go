package pool

import (
	"github.com/biodoia/novelcorpus/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics espone le metriche del pool in formato Prometheus.
// Un *Metrics nil è valido e non registra nulla.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	cacheRequests   *prometheus.CounterVec
}

// NewMetrics crea le metriche su un registry dedicato
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "novelcorpus"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Total number of provider calls by backend, provider and status",
			},
			[]string{"backend", "provider", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_request_duration_milliseconds",
				Help:      "Provider call duration in milliseconds",
				Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"backend"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_tokens_total",
				Help:      "Tokens consumed by successful calls",
			},
			[]string{"backend"},
		),
		costTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_cost_total",
				Help:      "Estimated cost of successful calls",
			},
			[]string{"backend"},
		),
		rateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_rate_limit_hits_total",
				Help:      "Selections denied by the backend rate limiter",
			},
			[]string{"backend"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_circuit_state",
				Help:      "Circuit state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),
		cacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// Registry restituisce il registry Prometheus delle metriche
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeCall(backend, provider string, r Result) {
	if m == nil {
		return
	}
	status := "success"
	if !r.Success {
		status = "error"
	}
	m.requestsTotal.WithLabelValues(backend, provider, status).Inc()
	m.requestDuration.WithLabelValues(backend).Observe(float64(r.Latency.Milliseconds()))
	if r.Success {
		m.tokensTotal.WithLabelValues(backend).Add(float64(r.Tokens))
		m.costTotal.WithLabelValues(backend).Add(r.Cost)
	}
}

func (m *Metrics) observeRateLimited(backend string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(backend).Inc()
}

func (m *Metrics) setCircuit(backend string, s resilience.State) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(backend).Set(float64(s))
}

// ObserveCache registra un hit o un miss della cache di risposta
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheRequests.WithLabelValues("hit").Inc()
	} else {
		m.cacheRequests.WithLabelValues("miss").Inc()
	}
}
