package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/biodoia/novelcorpus/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptAdapter struct {
	mu    sync.Mutex
	calls int

	text      string
	err       error
	failOn    string
	chunks    []string
	streamErr error
	streaming bool
}

func (a *scriptAdapter) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.err != nil {
		return nil, a.err
	}
	if a.failOn != "" && req.Prompt == a.failOn {
		return nil, providers.NewAPIError("script", 500, "bad prompt")
	}
	return &providers.Response{Text: a.text + req.Prompt}, nil
}

func (a *scriptAdapter) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.err != nil {
		return a.err
	}
	for _, c := range a.chunks {
		if err := handler(c); err != nil {
			return err
		}
	}
	return a.streamErr
}

func (a *scriptAdapter) SupportsStreaming() bool { return a.streaming }

func (a *scriptAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type backendDef struct {
	name       string
	provider   string
	maxRetries int
	adapter    *scriptAdapter
}

func newTestClient(t *testing.T, withCache bool, defs ...backendDef) *Client {
	t.Helper()

	byName := make(map[string]*scriptAdapter)
	reg := providers.NewRegistry()
	for _, provider := range []string{"script", "other"} {
		require.NoError(t, reg.Register(providers.Driver{
			Name:        provider,
			KeyOptional: true,
			New: func(ep providers.Endpoint) (providers.Adapter, error) {
				return byName[ep.Name], nil
			},
		}))
	}

	opts := pool.Options{Registry: reg}
	if withCache {
		opts.Cache = cache.NewMemoryCache(100, time.Hour)
	}
	p := pool.New(opts)

	for i, d := range defs {
		byName[d.name] = d.adapter
		provider := d.provider
		if provider == "" {
			provider = "script"
		}
		require.NoError(t, p.Register(d.name, pool.BackendConfig{
			Provider:        provider,
			MaxRetries:      d.maxRetries,
			Timeout:         time.Second,
			RateLimit:       1000,
			CostPer1KTokens: 1,
			Priority:        i + 1,
			Enabled:         true,
		}))
	}

	return New(p, Options{BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
}

func TestSend_FailoverToNextBackend(t *testing.T) {
	a := &scriptAdapter{err: providers.NewAPIError("script", 503, "down")}
	b := &scriptAdapter{text: "from b: "}
	c := newTestClient(t, false, backendDef{name: "a", adapter: a}, backendDef{name: "b", adapter: b})

	text, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "from b: hello", text)

	statsA, _ := c.Pool().Stats("a")
	assert.Equal(t, int64(1), statsA.FailedRequests)
	assert.Equal(t, 1, statsA.ConsecutiveErrors)

	statsB, _ := c.Pool().Stats("b")
	assert.Equal(t, int64(1), statsB.SuccessfulRequests)
	assert.Positive(t, statsB.TotalTokens)
	assert.InDelta(t, float64(statsB.TotalTokens)/1000, statsB.TotalCost, 1e-9)
}

func TestSend_CacheHitSkipsBackend(t *testing.T) {
	a := &scriptAdapter{text: "ok: "}
	c := newTestClient(t, true, backendDef{name: "a", adapter: a})
	ctx := context.Background()

	first, err := c.Send(ctx, "prompt", WithSystemPrompt("sys"))
	require.NoError(t, err)

	second, err := c.Send(ctx, "prompt", WithSystemPrompt("sys"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, a.Calls())

	stats, _ := c.Pool().Stats("a")
	assert.Equal(t, int64(1), stats.TotalRequests)

	_, err = c.Send(ctx, "prompt", WithSystemPrompt("other"))
	require.NoError(t, err)
	assert.Equal(t, 2, a.Calls())

	_, err = c.Send(ctx, "prompt", WithSystemPrompt("sys"), WithoutCache())
	require.NoError(t, err)
	assert.Equal(t, 3, a.Calls())

	// temperature diverse non condividono la voce di cache
	_, err = c.Send(ctx, "prompt", WithSystemPrompt("sys"), WithTemperature(0.9))
	require.NoError(t, err)
	assert.Equal(t, 4, a.Calls())
	_, err = c.Send(ctx, "prompt", WithSystemPrompt("sys"), WithTemperature(0.9))
	require.NoError(t, err)
	assert.Equal(t, 4, a.Calls())
}

func TestSend_AllBackendsFailed(t *testing.T) {
	down := providers.NewAPIError("script", 503, "down")
	a := &scriptAdapter{err: down}
	b := &scriptAdapter{err: down}
	c := newTestClient(t, false, backendDef{name: "a", adapter: a}, backendDef{name: "b", adapter: b})

	_, err := c.Send(context.Background(), "hello")
	require.Error(t, err)

	var failed *AllBackendsFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 3, failed.Attempts)
	assert.ErrorIs(t, err, ErrAllBackendsFailed)
	assert.ErrorIs(t, err, providers.ErrServiceUnavailable)

	assert.Equal(t, 2, a.Calls())
	assert.Equal(t, 1, b.Calls())
}

func TestSend_MaxRetriesOption(t *testing.T) {
	a := &scriptAdapter{err: errors.New("boom")}
	c := newTestClient(t, false, backendDef{name: "a", adapter: a})

	_, err := c.Send(context.Background(), "hello", WithMaxRetries(1))
	var failed *AllBackendsFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, 1, a.Calls())
}

func TestSend_BackendMaxRetriesCap(t *testing.T) {
	down := providers.NewAPIError("script", 503, "down")
	a := &scriptAdapter{err: down}
	b := &scriptAdapter{text: "from b: "}
	c := newTestClient(t, false,
		backendDef{name: "a", maxRetries: 1, adapter: a},
		backendDef{name: "b", adapter: b},
	)

	text, err := c.Send(context.Background(), "hello", WithBackend("a"), WithMaxRetries(5))
	require.NoError(t, err)
	assert.Equal(t, "from b: hello", text)
	assert.Equal(t, 1, a.Calls())

	// entrambi esauriti prima del budget del client
	b.text, b.err = "", down
	_, err = c.Send(context.Background(), "again", WithMaxRetries(10))
	var failed *AllBackendsFailedError
	require.True(t, errors.As(err, &failed))
	assert.ErrorIs(t, err, providers.ErrServiceUnavailable)
	assert.Equal(t, 2, a.Calls())
}

func TestSend_NoBackendAvailable(t *testing.T) {
	a := &scriptAdapter{text: "x"}
	c := newTestClient(t, false, backendDef{name: "a", adapter: a})
	require.NoError(t, c.Pool().SetEnabled("a", false))

	_, err := c.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, pool.ErrNoBackendAvailable)
	assert.Equal(t, 0, a.Calls())
}

func TestSend_ProviderAndBackendSelection(t *testing.T) {
	a := &scriptAdapter{text: "a:"}
	b := &scriptAdapter{text: "b:"}
	o := &scriptAdapter{text: "o:"}
	c := newTestClient(t, false,
		backendDef{name: "a", adapter: a},
		backendDef{name: "b", adapter: b},
		backendDef{name: "o", provider: "other", adapter: o},
	)
	ctx := context.Background()

	text, err := c.Send(ctx, "x", WithProvider("other"))
	require.NoError(t, err)
	assert.Equal(t, "o:x", text)

	text, err = c.Send(ctx, "x", WithBackend("b"))
	require.NoError(t, err)
	assert.Equal(t, "b:x", text)

	text, err = c.Send(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "a:x", text)
}

func TestSend_ContextCanceled(t *testing.T) {
	a := &scriptAdapter{err: errors.New("boom")}
	c := newTestClient(t, false, backendDef{name: "a", adapter: a})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Send(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func collect(seq func(func(string, error) bool)) ([]string, error) {
	var chunks []string
	for chunk, err := range seq {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func TestStream(t *testing.T) {
	t.Run("streaming provider", func(t *testing.T) {
		a := &scriptAdapter{streaming: true, chunks: []string{"a", "b", "c"}}
		c := newTestClient(t, true, backendDef{name: "a", adapter: a})

		chunks, err := collect(c.Stream(context.Background(), "p"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, chunks)

		// la risposta completa è ora in cache
		cached, err := collect(c.Stream(context.Background(), "p"))
		require.NoError(t, err)
		assert.Equal(t, []string{"abc"}, cached)
		assert.Equal(t, 1, a.Calls())
	})

	t.Run("non streaming provider yields once", func(t *testing.T) {
		a := &scriptAdapter{text: "full:"}
		c := newTestClient(t, false, backendDef{name: "a", adapter: a})

		chunks, err := collect(c.Stream(context.Background(), "p"))
		require.NoError(t, err)
		assert.Equal(t, []string{"full:p"}, chunks)
	})

	t.Run("retries before first chunk", func(t *testing.T) {
		a := &scriptAdapter{streaming: true, err: errors.New("connect failed")}
		b := &scriptAdapter{streaming: true, chunks: []string{"x", "y"}}
		c := newTestClient(t, false, backendDef{name: "a", adapter: a}, backendDef{name: "b", adapter: b})

		chunks, err := collect(c.Stream(context.Background(), "p"))
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y"}, chunks)
	})

	t.Run("no retry after first chunk", func(t *testing.T) {
		cut := errors.New("connection reset")
		a := &scriptAdapter{streaming: true, chunks: []string{"x"}, streamErr: cut}
		b := &scriptAdapter{streaming: true, chunks: []string{"y"}}
		c := newTestClient(t, false, backendDef{name: "a", adapter: a}, backendDef{name: "b", adapter: b})

		chunks, err := collect(c.Stream(context.Background(), "p"))
		assert.ErrorIs(t, err, cut)
		assert.Equal(t, []string{"x"}, chunks)
		assert.Equal(t, 0, b.Calls())
	})

	t.Run("consumer stops early", func(t *testing.T) {
		a := &scriptAdapter{streaming: true, chunks: []string{"a", "b", "c"}}
		c := newTestClient(t, true, backendDef{name: "a", adapter: a})

		for chunk := range c.Stream(context.Background(), "p") {
			assert.Equal(t, "a", chunk)
			break
		}

		// una risposta parziale non finisce in cache
		chunks, err := collect(c.Stream(context.Background(), "p"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, chunks)
		assert.Equal(t, 2, a.Calls())
	})
}

func TestBatch(t *testing.T) {
	a := &scriptAdapter{text: "r:", failOn: "bad"}
	c := newTestClient(t, false, backendDef{name: "a", adapter: a})
	c.opts.BatchConcurrency = 2

	prompts := make([]string, 6)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("p%d", i)
	}
	prompts[3] = "bad"

	results := c.Batch(context.Background(), prompts, WithMaxRetries(1))
	require.Len(t, results, len(prompts))

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, prompts[i], r.Prompt)
		if i == 3 {
			assert.ErrorIs(t, r.Err, ErrAllBackendsFailed)
			continue
		}
		require.NoError(t, r.Err)
		assert.True(t, strings.HasSuffix(r.Text, prompts[i]))
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
	assert.Equal(t, 4, EstimateTokens("你好你好你好"))
	assert.Equal(t, 3, EstimateTokens("你好你好abcd"))
}
