package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimitTimeout is returned when a bounded wait expires before a slot frees up
var ErrRateLimitTimeout = errors.New("rate limit wait timed out")

// Clock abstracts time for tests
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Key identifies an independent window: one per (endpoint, API key) pair
type Key struct {
	Endpoint   string
	Identifier string
}

// String returns a string representation of the key
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Endpoint, k.Identifier)
}

// LimitInfo describes the state of a window after a check
type LimitInfo struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// SlidingWindow limits the number of calls per key inside a trailing window.
// Timestamps older than the window are pruned on every check.
type SlidingWindow struct {
	max    int
	window time.Duration
	clock  Clock

	mu   sync.Mutex
	logs map[Key][]time.Time
}

// Option configures a SlidingWindow
type Option func(*SlidingWindow)

// WithClock overrides the time source
func WithClock(c Clock) Option {
	return func(s *SlidingWindow) {
		s.clock = c
	}
}

// New creates a sliding window limiter admitting maxRequests per window
func New(maxRequests int, window time.Duration, opts ...Option) (*SlidingWindow, error) {
	if maxRequests <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d: must be positive", maxRequests)
	}
	if window <= 0 {
		return nil, fmt.Errorf("invalid rate window %s: must be positive", window)
	}

	s := &SlidingWindow{
		max:    maxRequests,
		window: window,
		clock:  systemClock{},
		logs:   make(map[Key][]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Limit returns the maximum number of calls per window
func (s *SlidingWindow) Limit() int {
	return s.max
}

// Window returns the window duration
func (s *SlidingWindow) Window() time.Duration {
	return s.window
}

// Allow records a call and reports true if the window has room for it
func (s *SlidingWindow) Allow(key Key) bool {
	return s.Check(key).Allowed
}

// Check is Allow with the resulting window state
func (s *SlidingWindow) Check(key Key) *LimitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ts := s.prune(key, now)

	info := &LimitInfo{Limit: s.max}
	if len(ts) < s.max {
		ts = append(ts, now)
		s.logs[key] = ts
		info.Allowed = true
		info.Remaining = s.max - len(ts)
		return info
	}

	info.RetryAfter = ts[0].Add(s.window).Sub(now)
	if info.RetryAfter < 0 {
		info.RetryAfter = 0
	}
	return info
}

// Remaining returns the number of calls still admitted without consuming one
func (s *SlidingWindow) Remaining(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.max - len(s.prune(key, s.clock.Now()))
}

// NextAvailable returns how long until the window admits another call
func (s *SlidingWindow) NextAvailable(key Key) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ts := s.prune(key, now)
	if len(ts) < s.max {
		return 0
	}
	d := ts[0].Add(s.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Wait blocks until the window admits a call or ctx is done
func (s *SlidingWindow) Wait(ctx context.Context, key Key) error {
	for {
		info := s.Check(key)
		if info.Allowed {
			return nil
		}

		wait := info.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", ErrRateLimitTimeout, key, ctx.Err())
		case <-timer.C:
		}
	}
}

// WaitTimeout is Wait bounded by maxWait
func (s *SlidingWindow) WaitTimeout(ctx context.Context, key Key, maxWait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	return s.Wait(ctx, key)
}

// Reset clears the window of a key
func (s *SlidingWindow) Reset(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, key)
}

// prune drops expired timestamps; callers hold mu
func (s *SlidingWindow) prune(key Key, now time.Time) []time.Time {
	ts := s.logs[key]
	windowStart := now.Add(-s.window)

	i := 0
	for i < len(ts) && !ts[i].After(windowStart) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		s.logs[key] = ts
	}
	return ts
}
