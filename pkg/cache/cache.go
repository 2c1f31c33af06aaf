package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache è l'interfaccia base per tutti i layer di cache
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() CacheStats
}

// CacheStats contiene statistiche sul cache
type CacheStats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	Entries   int64
}

// HitRate calcola il tasso di hit del cache
func (s *CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Config configurazione del multi-layer cache
type Config struct {
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Redis      RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configurazione del layer Redis
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Host     string        `mapstructure:"host" yaml:"host"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// DefaultConfig restituisce una configurazione di default
func DefaultConfig() *Config {
	return &Config{
		MaxEntries: 1000,
		TTL:        time.Hour,
		Redis: RedisConfig{
			Host:   "localhost:6379",
			Prefix: "novelcorpus:resp:",
		},
	}
}

// MultiLayerCache implementa un cache multi-layer con memory + Redis
type MultiLayerCache struct {
	config *Config
	memory *MemoryCache
	redis  *RedisCache
	mu     sync.Mutex
	stats  CacheStats
}

// NewMultiLayerCache crea un nuovo cache multi-layer.
// Se Redis non è raggiungibile il cache resta solo in memoria.
func NewMultiLayerCache(config *Config) *MultiLayerCache {
	if config == nil {
		config = DefaultConfig()
	}

	mlc := &MultiLayerCache{
		config: config,
		memory: NewMemoryCache(config.MaxEntries, config.TTL),
	}

	log.Info().
		Int("max_entries", config.MaxEntries).
		Dur("ttl", config.TTL).
		Msg("Memory cache initialized")

	if config.Redis.Enabled {
		rc, err := NewRedisCache(config.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing with memory-only")
		} else {
			mlc.redis = rc
			log.Info().
				Str("host", config.Redis.Host).
				Int("db", config.Redis.DB).
				Msg("Redis cache initialized")
		}
	}

	return mlc
}

// WithRedis aggancia un layer Redis già costruito
func (m *MultiLayerCache) WithRedis(rc *RedisCache) *MultiLayerCache {
	m.redis = rc
	return m
}

// Get recupera un valore dal cache (memory first, poi Redis)
func (m *MultiLayerCache) Get(ctx context.Context, key string) ([]byte, error) {
	if data, err := m.memory.Get(ctx, key); err == nil {
		m.count(func(s *CacheStats) { s.Hits++ })
		log.Debug().Str("key", key).Str("layer", "memory").Msg("Cache hit")
		return data, nil
	}

	if m.redis != nil {
		data, err := m.redis.Get(ctx, key)
		if err == nil {
			m.count(func(s *CacheStats) { s.Hits++ })
			log.Debug().Str("key", key).Str("layer", "redis").Msg("Cache hit")

			// Promuovi in memory cache per successive hit
			_ = m.memory.Set(ctx, key, data, m.config.TTL)
			return data, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Redis cache read failed")
		}
	}

	m.count(func(s *CacheStats) { s.Misses++ })
	return nil, ErrCacheMiss
}

// Set salva un valore in tutti i layer di cache
func (m *MultiLayerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.count(func(s *CacheStats) { s.Sets++ })

	if err := m.memory.Set(ctx, key, value, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to set memory cache")
	}

	if m.redis != nil {
		if ttl == 0 {
			ttl = m.config.Redis.TTL
		}
		if ttl == 0 {
			ttl = m.config.TTL
		}
		if err := m.redis.Set(ctx, key, value, ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to set Redis cache")
		}
	}

	return nil
}

// Delete rimuove un valore da tutti i layer
func (m *MultiLayerCache) Delete(ctx context.Context, key string) error {
	m.count(func(s *CacheStats) { s.Deletes++ })

	_ = m.memory.Delete(ctx, key)
	if m.redis != nil {
		_ = m.redis.Delete(ctx, key)
	}
	return nil
}

// Clear svuota tutti i layer di cache
func (m *MultiLayerCache) Clear(ctx context.Context) error {
	_ = m.memory.Clear(ctx)
	if m.redis != nil {
		if err := m.redis.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to clear Redis cache")
		}
	}

	log.Info().Msg("Cache cleared")
	return nil
}

// Stats restituisce le statistiche del cache
func (m *MultiLayerCache) Stats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	mem := m.memory.Stats()
	s.Evictions = mem.Evictions
	s.Entries = mem.Entries
	return s
}

// Close chiude le connessioni dei cache layer
func (m *MultiLayerCache) Close() error {
	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}

func (m *MultiLayerCache) count(fn func(*CacheStats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

// HashKey genera un hash consistente per una chiave.
// Ogni parte è codificata in JSON, quindi ("a|b", "c") e ("a", "b|c") non collidono.
func HashKey(parts ...interface{}) string {
	h := sha256.New()
	for _, part := range parts {
		data, _ := json.Marshal(part)
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PromptKey calcola la chiave di cache di una richiesta
func PromptKey(system, prompt string, params ...string) string {
	parts := make([]interface{}, 0, len(params)+2)
	parts = append(parts, system, prompt)
	for _, p := range params {
		parts = append(parts, p)
	}
	return HashKey(parts...)
}

// CacheEntry rappresenta un entry nel cache con metadata
type CacheEntry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	Hits      int64
}

// IsExpired controlla se l'entry è scaduta
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Errori comuni
var (
	ErrCacheMiss = errors.New("cache miss")
)
