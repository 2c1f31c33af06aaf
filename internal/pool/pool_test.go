package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/biodoia/novelcorpus/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopAdapter struct{}

func (nopAdapter) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return &providers.Response{Text: "ok"}, nil
}

func (nopAdapter) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	return handler("ok")
}

func (nopAdapter) SupportsStreaming() bool { return true }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	r := providers.NewRegistry()
	require.NoError(t, r.Register(providers.Driver{
		Name:        "fake",
		KeyOptional: true,
		New: func(ep providers.Endpoint) (providers.Adapter, error) {
			return nopAdapter{}, nil
		},
	}))
	return r
}

func testConfig(priority int) BackendConfig {
	return BackendConfig{
		Provider:   "fake",
		MaxRetries: 3,
		Timeout:    time.Second,
		RateLimit:  100,
		Priority:   priority,
		Enabled:    true,
	}
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = testRegistry(t)
	}
	return New(opts)
}

func TestPool_SelectionOrderByPriority(t *testing.T) {
	p := newTestPool(t, Options{})

	require.NoError(t, p.Register("a", testConfig(2)))
	require.NoError(t, p.Register("b", testConfig(1)))
	require.NoError(t, p.Register("c", testConfig(3)))

	assert.Equal(t, []string{"b", "a", "c"}, p.Available(Filter{}))
	assert.Equal(t, "b", p.Select(Filter{}))
	assert.Equal(t, []string{"a", "b", "c"}, p.Names())
}

func TestPool_EqualPriorityPrefersHigherSuccessRate(t *testing.T) {
	p := newTestPool(t, Options{})

	require.NoError(t, p.Register("a", testConfig(1)))
	require.NoError(t, p.Register("b", testConfig(1)))

	p.RecordResult("a", Result{Success: false, Err: errors.New("boom")})
	p.RecordResult("b", Result{Success: true, Tokens: 10})

	assert.Equal(t, []string{"b", "a"}, p.Available(Filter{}))
}

func TestPool_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	p := newTestPool(t, Options{})

	require.NoError(t, p.Register("a", testConfig(1)))
	require.NoError(t, p.Register("b", testConfig(2)))

	for i := 0; i < 4; i++ {
		p.RecordResult("a", Result{Success: false})
	}
	assert.Equal(t, []string{"a", "b"}, p.Available(Filter{}))

	p.RecordResult("a", Result{Success: false})
	assert.Equal(t, []string{"b"}, p.Available(Filter{}))

	report := p.StatsReport()
	assert.Equal(t, "open", report["a"].Circuit)
	assert.Equal(t, 5, report["a"].ConsecutiveErrors)
	assert.Equal(t, 0.0, report["a"].SuccessRate)

	require.NoError(t, p.ResetCircuit("a"))
	assert.Equal(t, []string{"a", "b"}, p.Available(Filter{}))
	assert.Equal(t, 0, p.StatsReport()["a"].ConsecutiveErrors)

	assert.ErrorIs(t, p.ResetCircuit("missing"), ErrBackendNotFound)

	for i := 0; i < 5; i++ {
		p.RecordResult("a", Result{Success: false})
	}
	require.Equal(t, []string{"b"}, p.Available(Filter{}))
	p.RecordResult("a", Result{Success: true})
	assert.Equal(t, []string{"a", "b"}, p.Available(Filter{}))
	assert.Equal(t, 0, p.StatsReport()["a"].ConsecutiveErrors)
}

func TestPool_SuccessResetsConsecutiveErrors(t *testing.T) {
	p := newTestPool(t, Options{})
	require.NoError(t, p.Register("a", testConfig(1)))

	for i := 0; i < 4; i++ {
		p.RecordResult("a", Result{Success: false})
	}
	p.RecordResult("a", Result{Success: true, Tokens: 100, Cost: 0.5, Latency: 200 * time.Millisecond})
	p.RecordResult("a", Result{Success: false})

	stats, ok := p.Stats("a")
	require.True(t, ok)
	assert.Equal(t, 1, stats.ConsecutiveErrors)
	assert.Equal(t, int64(6), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.Equal(t, int64(100), stats.TotalTokens)
	assert.InDelta(t, 0.5, stats.TotalCost, 1e-9)
	assert.Equal(t, []string{"a"}, p.Available(Filter{}))
}

func TestPool_HalfOpenProbe(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, Options{
		CircuitThreshold: 1,
		CircuitCooldown:  10 * time.Second,
		Now:              clock.Now,
	})
	require.NoError(t, p.Register("a", testConfig(1)))

	p.RecordResult("a", Result{Success: false})
	assert.Empty(t, p.Available(Filter{}))
	assert.Equal(t, "", p.Select(Filter{}))

	clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"a"}, p.Available(Filter{}))
	assert.Equal(t, "a", p.Select(Filter{}))
	assert.Equal(t, "half-open", p.StatsReport()["a"].Circuit)

	// la prova è in corso: nessun'altra richiesta passa
	assert.Equal(t, "", p.Select(Filter{}))

	p.RecordResult("a", Result{Success: true})
	assert.Equal(t, "closed", p.StatsReport()["a"].Circuit)
	assert.Equal(t, "a", p.Select(Filter{}))
}

func TestPool_RejectedSelectKeepsRateSlot(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, Options{
		CircuitThreshold: 1,
		CircuitCooldown:  10 * time.Second,
		RateWindow:       time.Hour,
		Now:              clock.Now,
	})
	cfg := testConfig(1)
	cfg.RateLimit = 5
	require.NoError(t, p.Register("a", cfg))

	a := p.backends["a"]
	remaining := func() int { return a.limiter.Remaining(a.key) }

	p.RecordResult("a", Result{Success: false})
	for range 3 {
		assert.Equal(t, "", p.Select(Filter{}))
	}
	assert.Equal(t, 5, remaining())

	// solo la prova concessa occupa la finestra
	clock.Advance(10 * time.Second)
	require.Equal(t, "a", p.Select(Filter{}))
	assert.Equal(t, 4, remaining())

	// prova già presa da un altro chiamante
	require.False(t, a.breaker.Allow())
	assert.Equal(t, "", p.Select(Filter{}))
	assert.Equal(t, 4, remaining())
}

func TestPool_FailedProbeReopens(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, Options{
		CircuitThreshold: 2,
		CircuitCooldown:  time.Second,
		Now:              clock.Now,
	})
	require.NoError(t, p.Register("a", testConfig(1)))

	p.RecordResult("a", Result{Success: false})
	p.RecordResult("a", Result{Success: false})

	clock.Advance(time.Second)
	require.Equal(t, "a", p.Select(Filter{}))
	p.RecordResult("a", Result{Success: false})

	assert.Equal(t, "open", p.StatsReport()["a"].Circuit)
	assert.Empty(t, p.Available(Filter{}))
}

func TestPool_RateLimitHits(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, Options{Now: clock.Now, RateWindow: time.Minute})

	cfg := testConfig(1)
	cfg.RateLimit = 2
	require.NoError(t, p.Register("a", cfg))
	require.NoError(t, p.Register("b", testConfig(2)))

	assert.Equal(t, "a", p.Select(Filter{}))
	assert.Equal(t, "a", p.Select(Filter{}))
	assert.Equal(t, "b", p.Select(Filter{}))

	stats, _ := p.Stats("a")
	assert.Equal(t, int64(1), stats.RateLimitHits)

	clock.Advance(time.Minute)
	assert.Equal(t, "a", p.Select(Filter{}))
}

func TestPool_ProviderRateLimitCountsAsHit(t *testing.T) {
	p := newTestPool(t, Options{})
	require.NoError(t, p.Register("a", testConfig(1)))

	p.RecordResult("a", Result{Success: false, Err: providers.NewAPIError("fake", 429, "slow down")})

	stats, _ := p.Stats("a")
	assert.Equal(t, int64(1), stats.RateLimitHits)
}

func TestPool_Acquire(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}

	t.Run("no wait configured", func(t *testing.T) {
		p := newTestPool(t, Options{Now: clock.Now})
		cfg := testConfig(1)
		cfg.RateLimit = 1
		require.NoError(t, p.Register("a", cfg))

		name, err := p.Acquire(context.Background(), Filter{})
		require.NoError(t, err)
		assert.Equal(t, "a", name)

		_, err = p.Acquire(context.Background(), Filter{})
		assert.ErrorIs(t, err, ErrNoBackendAvailable)
	})

	t.Run("wait times out", func(t *testing.T) {
		p := newTestPool(t, Options{Now: clock.Now, RateLimitWait: 20 * time.Millisecond})
		cfg := testConfig(1)
		cfg.RateLimit = 1
		require.NoError(t, p.Register("a", cfg))

		_, err := p.Acquire(context.Background(), Filter{})
		require.NoError(t, err)

		_, err = p.Acquire(context.Background(), Filter{})
		assert.ErrorIs(t, err, ratelimit.ErrRateLimitTimeout)
		assert.ErrorIs(t, err, ErrNoBackendAvailable)
	})

	t.Run("empty pool", func(t *testing.T) {
		p := newTestPool(t, Options{})
		_, err := p.Acquire(context.Background(), Filter{})
		assert.ErrorIs(t, err, ErrNoBackendAvailable)
	})
}

func TestPool_FilterPreferAvoidProvider(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(providers.Driver{
		Name:        "other",
		KeyOptional: true,
		New: func(ep providers.Endpoint) (providers.Adapter, error) {
			return nopAdapter{}, nil
		},
	}))
	p := newTestPool(t, Options{Registry: reg})

	require.NoError(t, p.Register("a", testConfig(1)))
	require.NoError(t, p.Register("b", testConfig(2)))
	other := testConfig(3)
	other.Provider = "other"
	require.NoError(t, p.Register("c", other))

	assert.Equal(t, []string{"c", "a", "b"}, p.Available(Filter{Prefer: "c"}))
	assert.Equal(t, []string{"b", "c", "a"}, p.Available(Filter{Avoid: map[string]bool{"a": true}}))
	assert.Equal(t, []string{"c"}, p.Available(Filter{Provider: "other"}))

	reversed := func(cs []Candidate) []Candidate {
		out := make([]Candidate, 0, len(cs))
		for i := len(cs) - 1; i >= 0; i-- {
			out = append(out, cs[i])
		}
		return out
	}
	assert.Equal(t, []string{"c", "b", "a"}, p.Available(Filter{Rank: reversed}))
}

func TestPool_SetEnabledAndPriority(t *testing.T) {
	p := newTestPool(t, Options{})
	require.NoError(t, p.Register("a", testConfig(1)))
	require.NoError(t, p.Register("b", testConfig(2)))

	require.NoError(t, p.SetEnabled("a", false))
	assert.Equal(t, []string{"b"}, p.Available(Filter{}))
	assert.Equal(t, []string{"b"}, p.EnabledNames())
	assert.False(t, p.StatsReport()["a"].Enabled)

	require.NoError(t, p.SetEnabled("a", true))
	require.NoError(t, p.SetPriority("a", 5))
	assert.Equal(t, []string{"b", "a"}, p.Available(Filter{}))

	assert.ErrorIs(t, p.SetEnabled("x", true), ErrBackendNotFound)
	assert.ErrorIs(t, p.SetPriority("x", 1), ErrBackendNotFound)
}

func TestPool_RegisterErrors(t *testing.T) {
	p := newTestPool(t, Options{})
	require.NoError(t, p.Register("a", testConfig(1)))

	tests := []struct {
		name    string
		backend string
		cfg     func() BackendConfig
		wantErr error
	}{
		{
			name:    "duplicate name",
			backend: "a",
			cfg:     func() BackendConfig { return testConfig(1) },
		},
		{
			name:    "unknown provider",
			backend: "b",
			cfg: func() BackendConfig {
				c := testConfig(1)
				c.Provider = "nope"
				return c
			},
			wantErr: providers.ErrProviderNotFound,
		},
		{
			name:    "zero rate limit",
			backend: "c",
			cfg: func() BackendConfig {
				c := testConfig(1)
				c.RateLimit = 0
				return c
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Register(tt.backend, tt.cfg())
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.backend, cfgErr.Backend)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	assert.Equal(t, 1, p.Len())
}

func TestFromSpecs(t *testing.T) {
	off := false
	prio := 7
	specs := []BackendSpec{
		{Provider: "fake", RateLimit: 10, Enabled: &off},
		{Name: "main", Provider: "fake", RateLimit: 10, Priority: &prio},
		{Provider: "fake", RateLimit: 10},
	}

	t.Run("pooled", func(t *testing.T) {
		p, err := FromSpecs(specs, true, Options{Registry: testRegistry(t)})
		require.NoError(t, err)
		assert.Equal(t, []string{"fake_0", "main", "fake_2"}, p.Names())
		assert.Equal(t, []string{"fake_2", "main"}, p.Available(Filter{}))

		cfg, ok := p.Config("main")
		require.True(t, ok)
		assert.Equal(t, 7, cfg.Priority)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 60*time.Second, cfg.Timeout)
	})

	t.Run("single backend", func(t *testing.T) {
		p, err := FromSpecs(specs, false, Options{Registry: testRegistry(t)})
		require.NoError(t, err)
		assert.Equal(t, []string{"main"}, p.Names())
	})

	t.Run("invalid spec", func(t *testing.T) {
		_, err := FromSpecs([]BackendSpec{{Provider: "fake"}}, true, Options{Registry: testRegistry(t)})
		var cfgErr *ConfigError
		assert.True(t, errors.As(err, &cfgErr))
	})
}

func TestPool_Metrics(t *testing.T) {
	m := NewMetrics("test")
	p := newTestPool(t, Options{Metrics: m})
	require.NoError(t, p.Register("a", testConfig(1)))

	p.RecordResult("a", Result{Success: true, Tokens: 42, Latency: time.Millisecond})
	p.RecordResult("a", Result{Success: false})
	m.ObserveCache(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("a", "fake", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("a", "fake", "error")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.tokensTotal.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("hit")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.ObserveCache(false) })
	assert.Nil(t, nilMetrics.Registry())
}

func TestPool_Snapshot(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestPool(t, Options{Now: clock.Now})

	require.NoError(t, p.Register("a", testConfig(1)))
	require.NoError(t, p.Register("b", testConfig(2)))
	p.RecordResult("b", Result{Success: true, Tokens: 100, Latency: 2 * time.Second, Cost: 0.5})

	snaps := p.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Backend)
	assert.Equal(t, "b", snaps[1].Backend)
	assert.Equal(t, clock.now, snaps[1].Timestamp)
	assert.Equal(t, int64(1), snaps[1].TotalRequests)
	assert.Equal(t, int64(100), snaps[1].TotalTokens)
	assert.InDelta(t, 2.0, snaps[1].AvgResponseTime, 0.001)
	assert.Equal(t, "closed", snaps[1].Circuit)
}
