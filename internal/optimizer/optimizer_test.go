package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopAdapter struct{}

func (nopAdapter) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return &providers.Response{}, nil
}

func (nopAdapter) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	return nil
}

func (nopAdapter) SupportsStreaming() bool { return false }

func newTestPool(t *testing.T, costs ...float64) *pool.Pool {
	t.Helper()

	reg := providers.NewRegistry()
	require.NoError(t, reg.Register(providers.Driver{
		Name:        "fake",
		KeyOptional: true,
		New: func(ep providers.Endpoint) (providers.Adapter, error) {
			return nopAdapter{}, nil
		},
	}))

	p := pool.New(pool.Options{Registry: reg})
	for i, cost := range costs {
		require.NoError(t, p.Register(string(rune('a'+i)), pool.BackendConfig{
			Provider:        "fake",
			RateLimit:       100,
			CostPer1KTokens: cost,
			Priority:        i + 1,
			Enabled:         true,
		}))
	}
	return p
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"cost", "Speed", " quality ", "balanced"} {
		_, err := ParsePolicy(s)
		assert.NoError(t, err, s)
	}

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyBalanced, p)

	_, err = ParsePolicy("fastest")
	assert.Error(t, err)
}

func TestOptimizer_NoStatsFallsBackToPriority(t *testing.T) {
	p := newTestPool(t, 1, 1, 1)
	o := New(p, PolicyBalanced)

	for _, policy := range Policies() {
		o.SetPolicy(policy)
		assert.Equal(t, "a", o.Select(1000, pool.Filter{}), string(policy))
	}
}

func TestOptimizer_Cost(t *testing.T) {
	p := newTestPool(t, 3, 0.5, 2)
	o := New(p, PolicyCost)

	assert.Equal(t, "b", o.Select(1000, pool.Filter{}))
	assert.Equal(t, []string{"b", "c", "a"}, p.Available(pool.Filter{Rank: o.Rank(1000)}))
}

func TestOptimizer_Speed(t *testing.T) {
	p := newTestPool(t, 1, 1, 1)
	p.RecordResult("a", pool.Result{Success: true, Latency: 500 * time.Millisecond})
	p.RecordResult("b", pool.Result{Success: true, Latency: 100 * time.Millisecond})

	o := New(p, PolicySpeed)
	assert.Equal(t, []string{"b", "a", "c"}, p.Available(pool.Filter{Rank: o.Rank(100)}))
}

func TestOptimizer_Quality(t *testing.T) {
	p := newTestPool(t, 1, 1, 1)
	p.RecordResult("a", pool.Result{Success: true})
	p.RecordResult("a", pool.Result{Success: false})
	p.RecordResult("c", pool.Result{Success: true})

	o := New(p, PolicyQuality)
	assert.Equal(t, []string{"c", "a", "b"}, p.Available(pool.Filter{Rank: o.Rank(100)}))
}

func TestOptimizer_Balanced(t *testing.T) {
	// a costa poco ma è lento e inaffidabile; b costa di più ma è veloce e affidabile
	p := newTestPool(t, 0.1, 0.2)
	p.RecordResult("a", pool.Result{Success: false, Latency: 3 * time.Second})
	p.RecordResult("a", pool.Result{Success: true, Latency: 3 * time.Second})
	p.RecordResult("b", pool.Result{Success: true, Latency: 200 * time.Millisecond})

	o := New(p, PolicyBalanced)
	assert.Equal(t, "b", o.Select(1000, pool.Filter{}))

	scores := o.Scores(1000, pool.Filter{})
	require.Len(t, scores, 2)
	assert.Equal(t, "a", scores[0].Backend)
	assert.InDelta(t, 1.0, scores[0].CostScore, 1e-9)
	assert.InDelta(t, 0.0, scores[0].SpeedScore, 1e-9)
	assert.InDelta(t, 0.5, scores[0].QualityScore, 1e-9)
	assert.InDelta(t, 0.3+0.15, scores[0].TotalScore, 1e-9)
	assert.InDelta(t, 0.4+0.3, scores[1].TotalScore, 1e-9)

	// con il solo costo a vince
	o.SetWeights(Weights{Cost: 1})
	assert.Equal(t, "a", o.Select(1000, pool.Filter{}))
}

func TestOptimizer_Report(t *testing.T) {
	p := newTestPool(t, 2, 1)
	p.RecordResult("a", pool.Result{Success: true, Latency: 100 * time.Millisecond})

	o := New(p, PolicyBalanced)
	r := o.Report(1000)

	assert.Equal(t, PolicyBalanced, r.Policy)
	assert.Equal(t, 2, r.Available)
	assert.Equal(t, "b", r.Recommendations[PolicyCost])
	assert.Equal(t, "a", r.Recommendations[PolicySpeed])
	assert.Equal(t, "a", r.Recommendations[PolicyQuality])
	assert.Len(t, r.Recommendations, 4)

	empty := New(newTestPool(t), PolicyCost).Report(10)
	assert.Equal(t, 0, empty.Available)
	assert.Empty(t, empty.Recommendations)
}
