package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/biodoia/novelcorpus/pkg/cache"
	"github.com/biodoia/novelcorpus/pkg/config"
	"github.com/biodoia/novelcorpus/pkg/models"
	"github.com/spf13/cobra"
)

// DoctorCmd rappresenta il comando doctor
var DoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health diagnostics",
	Long: `Run health checks on the configured stack.

This command checks database connectivity and schema, the Redis cache layer
when enabled, and sends a short probe prompt to every enabled backend.`,
	Example: `  # Run full diagnostic
  novelcorpus doctor

  # Check only the database
  novelcorpus doctor --check database

  # Probe a single backend
  novelcorpus doctor --check backends --backend deepseek`,
	RunE: runDoctor,
}

var (
	doctorCheck   string
	doctorBackend string
	doctorVerbose bool
	doctorTimeout time.Duration
)

func init() {
	DoctorCmd.Flags().StringVar(&doctorCheck, "check", "", "Run specific check (database, redis, backends)")
	DoctorCmd.Flags().StringVar(&doctorBackend, "backend", "", "Probe a specific backend")
	DoctorCmd.Flags().BoolVarP(&doctorVerbose, "verbose", "v", false, "Verbose output")
	DoctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 30*time.Second, "Timeout per backend probe")
}

type doctorCheckFunc func(cmd *cobra.Command, cfg *config.Config) error

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("novelcorpus Health Check")
	fmt.Println("========================")
	fmt.Println()

	names := []string{"database", "redis", "backends"}
	checks := map[string]doctorCheckFunc{
		"database": checkDatabase,
		"redis":    checkRedis,
		"backends": checkBackends,
	}

	if doctorCheck != "" {
		check, ok := checks[doctorCheck]
		if !ok {
			return fmt.Errorf("unknown check: %s", doctorCheck)
		}
		return check(cmd, cfg)
	}

	results := make(map[string]bool, len(names))
	for i, name := range names {
		fmt.Printf("[%d/%d] ", i+1, len(names))
		results[name] = checks[name](cmd, cfg) == nil
		fmt.Println()
	}

	fmt.Println("Summary")
	fmt.Println("-------")
	allPassed := true
	for _, name := range names {
		status := "✓ PASS"
		if !results[name] {
			status = "✗ FAIL"
			allPassed = false
		}
		fmt.Printf("%-15s %s\n", name+":", status)
	}

	fmt.Println()
	if !allPassed {
		fmt.Println("✗ Some checks failed - please review errors above")
		return errors.New("health check failed")
	}
	fmt.Println("✓ All checks passed")
	return nil
}

func checkDatabase(cmd *cobra.Command, cfg *config.Config) error {
	fmt.Println("Database Health Check")
	fmt.Println("---------------------")

	db, err := openDB(cfg)
	if err != nil {
		fmt.Printf("✗ Failed to connect: %v\n", err)
		return err
	}
	defer db.Close()

	fmt.Printf("✓ Connected to %s\n", cfg.Database.Type)

	sqlDB, err := db.DB.DB()
	if err != nil {
		fmt.Printf("✗ Failed to get database instance: %v\n", err)
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		fmt.Printf("✗ Ping failed: %v\n", err)
		return err
	}
	fmt.Println("✓ Database ping successful")

	if doctorVerbose {
		stats := sqlDB.Stats()
		fmt.Printf("  Open connections: %d\n", stats.OpenConnections)
		fmt.Printf("  In use: %d\n", stats.InUse)
		fmt.Printf("  Idle: %d\n", stats.Idle)
	}

	for _, table := range []any{&models.Workflow{}, &models.WorkflowStage{}, &models.BackendSnapshot{}} {
		if !db.Migrator().HasTable(table) {
			fmt.Printf("✗ Missing table: %T\n", table)
			return errors.New("database schema incomplete")
		}
	}
	fmt.Println("✓ All required tables present")

	var workflows int64
	db.WithContext(ctx).Model(&models.Workflow{}).Count(&workflows)
	fmt.Printf("✓ Found %d workflow(s)\n", workflows)

	return nil
}

func checkRedis(cmd *cobra.Command, cfg *config.Config) error {
	fmt.Println("Redis Health Check")
	fmt.Println("------------------")

	if !cfg.Cache.Redis.Enabled {
		fmt.Println("- Redis layer disabled (memory cache only)")
		return nil
	}

	rc, err := cache.NewRedisCache(cfg.Cache.Redis)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return err
	}
	defer rc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	key := "doctor:" + time.Now().UTC().Format(time.RFC3339Nano)
	if err := rc.Set(ctx, key, []byte("ok"), time.Minute); err != nil {
		fmt.Printf("✗ Write failed: %v\n", err)
		return err
	}
	if _, err := rc.Get(ctx, key); err != nil {
		fmt.Printf("✗ Read failed: %v\n", err)
		return err
	}
	_ = rc.Delete(ctx, key)

	fmt.Printf("✓ Redis reachable at %s (db %d)\n", cfg.Cache.Redis.Host, cfg.Cache.Redis.DB)
	return nil
}

func checkBackends(cmd *cobra.Command, cfg *config.Config) error {
	fmt.Println("Backend Health Check")
	fmt.Println("--------------------")

	rt, err := bootstrap(cmd)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return err
	}
	defer rt.Close()

	names := rt.pool.EnabledNames()
	if doctorBackend != "" {
		if _, ok := rt.pool.Config(doctorBackend); !ok {
			return fmt.Errorf("backend not found: %s", doctorBackend)
		}
		names = []string{doctorBackend}
	}
	if len(names) == 0 {
		fmt.Println("⚠️  No enabled backends configured")
		return errors.New("no backends")
	}

	fmt.Printf("Probing %d backend(s)...\n\n", len(names))

	healthy := 0
	for _, name := range names {
		bc, _ := rt.pool.Config(name)
		fmt.Printf("Backend: %s\n", name)
		fmt.Printf("  Provider: %s\n", bc.Provider)
		if bc.Model != "" {
			fmt.Printf("  Model: %s\n", bc.Model)
		}

		// il probe chiama l'adapter direttamente: nessun failover verso altri backend
		adapter, err := rt.pool.Adapter(name)
		if err != nil {
			fmt.Printf("  Health: ✗ %v\n\n", err)
			continue
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
		start := time.Now()
		resp, err := adapter.Call(ctx, &providers.Request{
			Model:     bc.Model,
			Prompt:    "Reply with the single word: ok",
			MaxTokens: 8,
		})
		cancel()

		if err != nil {
			fmt.Printf("  Health: ✗ %v\n\n", err)
			continue
		}

		healthy++
		fmt.Printf("  Health: ✓ OK (%s)\n", time.Since(start).Round(time.Millisecond))
		if doctorVerbose {
			fmt.Printf("  Reply: %s\n", truncate(resp.Text, 60))
		}
		fmt.Println()
	}

	fmt.Printf("Summary: %d/%d backends healthy\n", healthy, len(names))
	if healthy < len(names) {
		return errors.New("some backends are unhealthy")
	}
	return nil
}
