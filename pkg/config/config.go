package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/biodoia/novelcorpus/internal/optimizer"
	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/biodoia/novelcorpus/internal/providers/builtin"
	"github.com/biodoia/novelcorpus/internal/topology"
	"github.com/biodoia/novelcorpus/pkg/cache"
	"github.com/biodoia/novelcorpus/pkg/database"
	"github.com/spf13/viper"
)

// EnvPrefix prefisso delle variabili d'ambiente
const EnvPrefix = "NOVELCORPUS"

// Config rappresenta la configurazione completa dell'applicazione
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Cache     cache.Config    `mapstructure:"cache" yaml:"cache"`
	Client    ClientConfig    `mapstructure:"client" yaml:"client"`
	Optimizer OptimizerConfig `mapstructure:"optimizer" yaml:"optimizer"`
	Topology  TopologyConfig  `mapstructure:"topology" yaml:"topology"`
	Database  database.Config `mapstructure:"database" yaml:"database"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// PoolConfig configurazione del pool di backend
type PoolConfig struct {
	// Enabled false attiva la modalità single-backend
	Enabled          bool               `mapstructure:"enabled" yaml:"enabled"`
	CircuitThreshold int                `mapstructure:"circuit_threshold" yaml:"circuit_threshold"`
	CircuitCooldown  time.Duration      `mapstructure:"circuit_cooldown" yaml:"circuit_cooldown"`
	RateWindow       time.Duration      `mapstructure:"rate_window" yaml:"rate_window"`
	Backends         []pool.BackendSpec `mapstructure:"backends" yaml:"backends"`
}

// ClientConfig configurazione del client universale
type ClientConfig struct {
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	RateLimitWait    time.Duration `mapstructure:"rate_limit_wait" yaml:"rate_limit_wait"`
	BatchConcurrency int           `mapstructure:"batch_concurrency" yaml:"batch_concurrency"`
	MaxTokens        int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// OptimizerConfig configurazione dell'ottimizzatore
type OptimizerConfig struct {
	// Policy vuota lascia l'ordinamento per priorità del pool
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// TopologyConfig configurazione del manager di topologia
type TopologyConfig struct {
	Mode             string `mapstructure:"mode" yaml:"mode"`
	topology.Options `mapstructure:",squash" yaml:",inline"`
}

// AdminConfig configurazione dell'API di amministrazione
type AdminConfig struct {
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             int           `mapstructure:"port" yaml:"port"`
	Metrics          bool          `mapstructure:"metrics" yaml:"metrics"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`

	// JWTSecret non vuoto richiede un bearer token sulle route che modificano lo stato
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// LogConfig configurazione del logging
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load carica la configurazione da file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Read environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Pool.Backends {
		cfg.Pool.Backends[i].APIKey = os.ExpandEnv(cfg.Pool.Backends[i].APIKey)
	}
	cfg.Admin.JWTSecret = os.ExpandEnv(cfg.Admin.JWTSecret)

	return &cfg, nil
}

// setDefaults imposta i valori di default
func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("pool.enabled", true)
	v.SetDefault("pool.circuit_threshold", 5)
	v.SetDefault("pool.circuit_cooldown", "30s")
	v.SetDefault("pool.rate_window", "60s")

	// Cache defaults
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.host", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "novelcorpus:resp:")

	// Client defaults
	v.SetDefault("client.max_retries", 3)
	v.SetDefault("client.backoff_base", "1s")
	v.SetDefault("client.backoff_max", "30s")
	v.SetDefault("client.rate_limit_wait", "0s")
	v.SetDefault("client.batch_concurrency", 10)

	// Optimizer defaults
	v.SetDefault("optimizer.policy", "")

	// Topology defaults
	v.SetDefault("topology.mode", "auto")
	v.SetDefault("topology.queue_size", 16)
	v.SetDefault("topology.concurrency", 0)

	// Database defaults
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.connection", "./data/novelcorpus.db")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.log_level", "warn")

	// Admin defaults
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 8080)
	v.SetDefault("admin.metrics", true)
	v.SetDefault("admin.snapshot_interval", "1m")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", "24h")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate valida la configurazione
func (c *Config) Validate() error {
	if err := c.validateBackends(builtin.Registry()); err != nil {
		return err
	}

	if c.Pool.CircuitThreshold < 1 {
		return fmt.Errorf("invalid circuit threshold: %d", c.Pool.CircuitThreshold)
	}
	if c.Pool.RateWindow <= 0 {
		return fmt.Errorf("invalid rate window: %s", c.Pool.RateWindow)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("invalid cache size: %d", c.Cache.MaxEntries)
	}

	if c.Optimizer.Policy != "" {
		if _, err := optimizer.ParsePolicy(c.Optimizer.Policy); err != nil {
			return err
		}
	}
	if _, err := topology.ParseMode(c.Topology.Mode); err != nil {
		return err
	}

	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 16 {
		return fmt.Errorf("admin jwt_secret must be at least 16 characters")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// validateBackends applica le regole di registrazione prima di costruire il pool
func (c *Config) validateBackends(reg *providers.Registry) error {
	seen := make(map[string]bool, len(c.Pool.Backends))
	for i, spec := range c.Pool.Backends {
		name, cfg := spec.Resolve(i)

		if seen[name] {
			return &pool.ConfigError{Backend: name, Reason: "duplicate backend name"}
		}
		seen[name] = true

		driver, err := reg.Driver(cfg.Provider)
		if err != nil {
			return &pool.ConfigError{Backend: name, Reason: "unknown provider", Err: err}
		}
		if cfg.APIKey == "" && !driver.KeyOptional {
			return &pool.ConfigError{Backend: name, Reason: "missing api key", Err: providers.ErrMissingAPIKey}
		}
		if cfg.RateLimit <= 0 {
			return &pool.ConfigError{Backend: name, Reason: fmt.Sprintf("rate_limit must be positive, got %d", cfg.RateLimit)}
		}
		if cfg.CostPer1KTokens < 0 {
			return &pool.ConfigError{Backend: name, Reason: "negative cost_per_1k_tokens"}
		}
	}
	return nil
}

// PoolOptions traduce la configurazione nelle opzioni del pool
func (c *Config) PoolOptions() pool.Options {
	return pool.Options{
		CircuitThreshold: c.Pool.CircuitThreshold,
		CircuitCooldown:  c.Pool.CircuitCooldown,
		RateWindow:       c.Pool.RateWindow,
		RateLimitWait:    c.Client.RateLimitWait,
		CacheTTL:         c.Cache.TTL,
	}
}

// Redacted restituisce una copia con chiavi e password mascherate
func (c *Config) Redacted() *Config {
	out := *c
	out.Pool.Backends = make([]pool.BackendSpec, len(c.Pool.Backends))
	for i, spec := range c.Pool.Backends {
		if spec.APIKey != "" {
			spec.APIKey = redact(spec.APIKey)
		}
		out.Pool.Backends[i] = spec
	}
	if out.Cache.Redis.Password != "" {
		out.Cache.Redis.Password = "****"
	}
	if out.Admin.JWTSecret != "" {
		out.Admin.JWTSecret = "****"
	}
	return &out
}

func redact(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
