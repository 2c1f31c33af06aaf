// Package client implementa il client universale sopra il pool:
// cache di risposta, retry con failover, streaming e batch.
package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/biodoia/novelcorpus/pkg/cache"
	"github.com/biodoia/novelcorpus/pkg/resilience"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ErrAllBackendsFailed è la causa comune di AllBackendsFailedError
var ErrAllBackendsFailed = errors.New("all backends failed")

// AllBackendsFailedError è restituito quando i tentativi sono esauriti
type AllBackendsFailedError struct {
	Attempts int
	Last     error
}

func (e *AllBackendsFailedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrAllBackendsFailed, e.Attempts, e.Last)
}

func (e *AllBackendsFailedError) Unwrap() []error {
	return []error{ErrAllBackendsFailed, e.Last}
}

// Sender è il contratto usato dagli agenti
type Sender interface {
	Send(ctx context.Context, prompt string, opts ...Option) (string, error)
	Stream(ctx context.Context, prompt string, opts ...Option) iter.Seq2[string, error]
}

// Client invia richieste ai backend del pool
type Client struct {
	pool *pool.Pool
	opts Options
}

var _ Sender = (*Client)(nil)

// New crea un client sul pool
func New(p *pool.Pool, opts Options) *Client {
	opts.withDefaults()
	return &Client{pool: p, opts: opts}
}

// Pool restituisce il pool sottostante
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

func (c *Client) callOptions(opts []Option) *callOptions {
	o := &callOptions{useCache: true, maxRetries: c.opts.MaxRetries}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// permanentError interrompe i retry
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// dispatchFunc esegue una richiesta su un adapter
type dispatchFunc func(ctx context.Context, a providers.Adapter, req *providers.Request) (*providers.Response, error)

// do seleziona i backend e ripete dispatch fino al successo o all'esaurimento dei tentativi
func (c *Client) do(ctx context.Context, prompt string, o *callOptions, dispatch dispatchFunc) (*providers.Response, error) {
	failed := make(map[string]bool)
	exhausted := make(map[string]bool)
	failures := make(map[string]int)
	filter := pool.Filter{
		Provider: o.provider,
		Prefer:   o.backend,
		Avoid:    failed,
		Exclude:  exhausted,
	}
	if c.opts.Optimizer != nil {
		filter.Rank = c.opts.Optimizer.Rank(EstimateTokens(o.system + prompt))
	}

	var (
		resp     *providers.Response
		lastErr  error
		attempts int
	)

	retry := resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts:       o.maxRetries,
		InitialBackoff:    c.opts.BackoffBase,
		MaxBackoff:        c.opts.BackoffMax,
		BackoffMultiplier: 2,
		RetryableChecker: func(err error) bool {
			var perm *permanentError
			if errors.As(err, &perm) || errors.Is(err, pool.ErrNoBackendAvailable) {
				return false
			}
			return ctx.Err() == nil
		},
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", o.maxRetries).
				Dur("backoff", backoff).
				Msg("Backend call failed, retrying")
		},
	})

	err := retry.Execute(ctx, func(attempt int) error {
		name, err := c.pool.Acquire(ctx, filter)
		if err != nil {
			return err
		}
		attempts++

		r, err := c.dispatch(ctx, name, prompt, o, dispatch)
		if err != nil {
			failed[name] = true
			failures[name]++
			if cfg, ok := c.pool.Config(name); ok && cfg.MaxRetries > 0 && failures[name] >= cfg.MaxRetries {
				exhausted[name] = true
			}
			lastErr = err
			return err
		}
		resp = r
		return nil
	})
	if err == nil {
		return resp, nil
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return nil, perm.err
	}
	if errors.Is(err, resilience.ErrMaxRetriesExceeded) {
		return nil, &AllBackendsFailedError{Attempts: attempts, Last: lastErr}
	}
	// i candidati rimasti hanno esaurito i propri tentativi
	if errors.Is(err, pool.ErrNoBackendAvailable) && len(exhausted) > 0 {
		return nil, &AllBackendsFailedError{Attempts: attempts, Last: lastErr}
	}
	return nil, err
}

// dispatch esegue un tentativo su un backend e ne registra l'esito
func (c *Client) dispatch(ctx context.Context, name, prompt string, o *callOptions, dispatch dispatchFunc) (*providers.Response, error) {
	adapter, err := c.pool.Adapter(name)
	if err != nil {
		return nil, err
	}
	cfg, _ := c.pool.Config(name)

	req := &providers.Request{
		Model:       o.model,
		System:      o.system,
		Prompt:      prompt,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: o.temperature,
	}

	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := dispatch(callCtx, adapter, req)
	latency := time.Since(start)

	if err != nil {
		c.pool.RecordResult(name, pool.Result{Success: false, Latency: latency, Err: err})
		log.Warn().Err(err).Str("backend", name).Dur("latency", latency).Msg("Backend call failed")
		return nil, err
	}

	tokens := resp.Usage.Total()
	if tokens == 0 {
		tokens = EstimateTokens(o.system+prompt) + EstimateTokens(resp.Text)
	}
	c.pool.RecordResult(name, pool.Result{
		Success: true,
		Tokens:  tokens,
		Latency: latency,
		Cost:    cfg.Cost(tokens),
	})

	log.Debug().
		Str("backend", name).
		Int("tokens", tokens).
		Dur("latency", latency).
		Msg("Backend call succeeded")

	return resp, nil
}

func (c *Client) cacheKey(prompt string, o *callOptions) string {
	if o.temperature != nil {
		return cache.PromptKey(o.system, prompt, o.provider, o.model, strconv.FormatFloat(*o.temperature, 'g', -1, 64))
	}
	return cache.PromptKey(o.system, prompt, o.provider, o.model)
}

func (c *Client) cached(ctx context.Context, prompt string, o *callOptions) (string, bool) {
	store := c.pool.Cache()
	if !o.useCache || store == nil {
		return "", false
	}

	data, err := store.Get(ctx, c.cacheKey(prompt, o))
	hit := err == nil
	c.pool.Metrics().ObserveCache(hit)
	if !hit {
		return "", false
	}

	log.Debug().Msg("Response served from cache")
	return string(data), true
}

func (c *Client) store(ctx context.Context, prompt string, o *callOptions, text string) {
	store := c.pool.Cache()
	if !o.useCache || store == nil {
		return
	}
	if err := store.Set(ctx, c.cacheKey(prompt, o), []byte(text), c.pool.CacheTTL()); err != nil {
		log.Warn().Err(err).Msg("Failed to cache response")
	}
}

// Send invia un prompt e restituisce il testo della risposta
func (c *Client) Send(ctx context.Context, prompt string, opts ...Option) (string, error) {
	o := c.callOptions(opts)

	if text, ok := c.cached(ctx, prompt, o); ok {
		return text, nil
	}

	resp, err := c.do(ctx, prompt, o, func(ctx context.Context, a providers.Adapter, req *providers.Request) (*providers.Response, error) {
		return a.Call(ctx, req)
	})
	if err != nil {
		return "", err
	}

	c.store(ctx, prompt, o, resp.Text)
	return resp.Text, nil
}

// Stream invia un prompt e restituisce i frammenti della risposta.
// I retry avvengono solo prima del primo frammento; i provider senza
// streaming producono la risposta completa in un unico frammento.
func (c *Client) Stream(ctx context.Context, prompt string, opts ...Option) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		o := c.callOptions(opts)

		if text, ok := c.cached(ctx, prompt, o); ok {
			yield(text, nil)
			return
		}

		var (
			streamed bool
			stopped  bool
		)

		resp, err := c.do(ctx, prompt, o, func(ctx context.Context, a providers.Adapter, req *providers.Request) (*providers.Response, error) {
			if !a.SupportsStreaming() {
				return a.Call(ctx, req)
			}

			var sb strings.Builder
			err := a.Stream(ctx, req, func(chunk string) error {
				streamed = true
				sb.WriteString(chunk)
				if !yield(chunk, nil) {
					stopped = true
					return errStreamStopped
				}
				return nil
			})
			if stopped {
				return &providers.Response{Text: sb.String()}, nil
			}
			if err != nil {
				if streamed {
					return nil, &permanentError{err: err}
				}
				return nil, err
			}
			return &providers.Response{Text: sb.String()}, nil
		})

		switch {
		case stopped:
			return
		case err != nil:
			yield("", err)
			return
		}

		if !streamed && resp.Text != "" {
			if !yield(resp.Text, nil) {
				return
			}
		}
		c.store(ctx, prompt, o, resp.Text)
	}
}

var errStreamStopped = errors.New("stream consumer stopped")

// BatchResult è l'esito di un prompt in Batch
type BatchResult struct {
	Index  int
	Prompt string
	Text   string
	Err    error
}

// Batch invia i prompt con concorrenza limitata. Il risultato è nell'ordine
// dei prompt e contiene un esito per ciascuno.
func (c *Client) Batch(ctx context.Context, prompts []string, opts ...Option) []BatchResult {
	results := make([]BatchResult, len(prompts))
	sem := semaphore.NewWeighted(int64(c.opts.BatchConcurrency))

	var wg sync.WaitGroup
	for i, prompt := range prompts {
		results[i] = BatchResult{Index: i, Prompt: prompt}

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			text, err := c.Send(ctx, prompt, opts...)
			results[i].Text = text
			results[i].Err = err
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info().Int("prompts", len(prompts)).Int("failed", failed).Msg("Batch completed")

	return results
}
