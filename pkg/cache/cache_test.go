package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheStats_HitRate(t *testing.T) {
	tests := []struct {
		name  string
		stats CacheStats
		want  float64
	}{
		{name: "50% hit rate", stats: CacheStats{Hits: 50, Misses: 50}, want: 0.5},
		{name: "100% hit rate", stats: CacheStats{Hits: 100}, want: 1.0},
		{name: "0% hit rate", stats: CacheStats{Misses: 100}, want: 0.0},
		{name: "no requests", stats: CacheStats{}, want: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stats.HitRate())
		})
	}
}

func TestMemoryCache_SetGet(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(10, time.Hour)

	require.NoError(t, mc.Set(ctx, "k", []byte("v"), 0))

	got, err := mc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = mc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := mc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(3, time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, mc.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0))
	}

	// k0 diventa il più recente
	_, err := mc.Get(ctx, "k0")
	require.NoError(t, err)

	require.NoError(t, mc.Set(ctx, "k3", []byte("v"), 0))

	assert.Equal(t, 3, mc.Len())
	_, err = mc.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss, "least recently used entry must be evicted")
	_, err = mc.Get(ctx, "k0")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), mc.Stats().Evictions)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	mc := NewMemoryCache(10, time.Minute)
	mc.SetClock(func() time.Time { return now })

	require.NoError(t, mc.Set(ctx, "k", []byte("v"), 0))

	// Entry usata di recente ma scaduta: deve risultare assente
	_, err := mc.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = mc.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 0, mc.Len())
}

func TestMemoryCache_ExpiredPurgedBeforeEviction(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	mc := NewMemoryCache(2, time.Hour)
	mc.SetClock(func() time.Time { return now })

	require.NoError(t, mc.Set(ctx, "short", []byte("v"), time.Second))
	require.NoError(t, mc.Set(ctx, "long", []byte("v"), 0))
	_, _ = mc.Get(ctx, "short")

	now = now.Add(2 * time.Second)
	require.NoError(t, mc.Set(ctx, "new", []byte("v"), 0))

	_, err := mc.Get(ctx, "long")
	assert.NoError(t, err, "live entry must survive when an expired one can be purged")
	assert.Equal(t, int64(0), mc.Stats().Evictions)
}

func TestMemoryCache_GetWithInfo(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	mc := NewMemoryCache(10, time.Minute)
	mc.SetClock(func() time.Time { return now })

	require.NoError(t, mc.Set(ctx, "k", []byte("v"), 0))

	entry, err := mc.GetWithInfo(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, now, entry.CreatedAt)
	assert.Equal(t, now.Add(time.Minute), entry.ExpiresAt)
	assert.False(t, entry.IsExpired(now))
	assert.True(t, entry.IsExpired(now.Add(time.Minute)))
}

func TestMemoryCache_DeleteClear(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(10, time.Hour)

	require.NoError(t, mc.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, mc.Set(ctx, "b", []byte("2"), 0))

	require.NoError(t, mc.Delete(ctx, "a"))
	_, err := mc.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, mc.Clear(ctx))
	assert.Equal(t, 0, mc.Len())
}

func TestMultiLayerCache_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	mlc := NewMultiLayerCache(&Config{MaxEntries: 5, TTL: time.Minute})
	defer mlc.Close()

	require.NoError(t, mlc.Set(ctx, "k", []byte("v"), 0))

	got, err := mlc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = mlc.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := mlc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestMultiLayerCache_UnreachableRedisDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Host = "127.0.0.1:1"

	mlc := NewMultiLayerCache(cfg)
	defer mlc.Close()

	ctx := context.Background()
	require.NoError(t, mlc.Set(ctx, "k", []byte("v"), 0))
	got, err := mlc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestPromptKey(t *testing.T) {
	a := PromptKey("sys", "hello")
	b := PromptKey("sys", "hello")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, PromptKey("", "syshello"))
	assert.NotEqual(t, PromptKey("a|b", "c"), PromptKey("a", "b|c"))
	assert.NotEqual(t, a, PromptKey("sys", "hello", "model-x"))
}
