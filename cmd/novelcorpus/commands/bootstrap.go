package commands

import (
	"fmt"

	"github.com/biodoia/novelcorpus/internal/client"
	"github.com/biodoia/novelcorpus/internal/coordinator"
	"github.com/biodoia/novelcorpus/internal/optimizer"
	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/internal/providers/builtin"
	"github.com/biodoia/novelcorpus/internal/topology"
	"github.com/biodoia/novelcorpus/pkg/cache"
	"github.com/biodoia/novelcorpus/pkg/config"
	"github.com/biodoia/novelcorpus/pkg/database"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// runtime raccoglie i componenti costruiti dalla configurazione
type runtime struct {
	cfg         *config.Config
	cache       *cache.MultiLayerCache
	pool        *pool.Pool
	client      *client.Client
	optimizer   *optimizer.Optimizer
	topology    *topology.Manager
	coordinator *coordinator.Coordinator
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// bootstrap costruisce pool, client, ottimizzatore, topologia e coordinatore
func bootstrap(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}

	opts := cfg.PoolOptions()
	opts.Registry = builtin.Registry()
	opts.Metrics = pool.NewMetrics("novelcorpus")
	if cfg.Cache.MaxEntries > 0 {
		rt.cache = cache.NewMultiLayerCache(&cfg.Cache)
		opts.Cache = rt.cache
	}

	rt.pool, err = pool.FromSpecs(cfg.Pool.Backends, cfg.Pool.Enabled, opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.pool.Len() == 0 {
		log.Warn().Msg("No backends configured")
	}

	clientOpts := client.Options{
		MaxRetries:       cfg.Client.MaxRetries,
		BackoffBase:      cfg.Client.BackoffBase,
		BackoffMax:       cfg.Client.BackoffMax,
		BatchConcurrency: cfg.Client.BatchConcurrency,
		MaxTokens:        cfg.Client.MaxTokens,
	}

	// senza politica configurata il client segue la priorità del pool;
	// l'ottimizzatore resta disponibile per i report
	policy, _ := optimizer.ParsePolicy(cfg.Optimizer.Policy)
	rt.optimizer = optimizer.New(rt.pool, policy)
	if cfg.Optimizer.Policy != "" {
		clientOpts.Optimizer = rt.optimizer
	}
	rt.client = client.New(rt.pool, clientOpts)

	enabled := len(rt.pool.EnabledNames())
	mode, _ := topology.ParseMode(cfg.Topology.Mode)
	rt.topology = topology.New(mode, enabled, cfg.Topology.Options)
	rt.coordinator = coordinator.New(rt.pool, rt.client, enabled)

	return rt, nil
}

// Close rilascia le risorse del runtime
func (rt *runtime) Close() {
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close cache")
		}
	}
}

// openDB apre il database e applica le migrazioni
func openDB(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.AutoMigrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}
