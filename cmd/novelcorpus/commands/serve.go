package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biodoia/novelcorpus/internal/admin"
	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/pkg/database"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ServeCmd rappresenta il comando serve
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API",
	Long: `Start the admin HTTP API for the configured backend pool.

The server exposes health, statistics, coordinator strategy, optimizer
recommendations, backend management, workflow progress and Prometheus
metrics, and periodically persists backend statistics snapshots.`,
	Example: `  # Start with default settings
  novelcorpus serve

  # Start with custom config and pretty logging
  novelcorpus serve -c configs/config.yaml --dev`,
	RunE: runServe,
}

var serveNoSnapshots bool

func init() {
	ServeCmd.Flags().BoolVar(&serveNoSnapshots, "no-snapshots", false, "Disable periodic statistics snapshots")
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	db, err := openDB(rt.cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().
		Str("type", rt.cfg.Database.Type).
		Int("backends", rt.pool.Len()).
		Msg("Database connected")

	h := admin.NewAdminHandlers(admin.Deps{
		Pool:        rt.pool,
		Coordinator: rt.coordinator,
		Optimizer:   rt.optimizer,
		Topology:    rt.topology,
		Workflows:   db,
	})
	tokens := adminTokens(rt.cfg)
	if tokens == nil && !isLoopback(rt.cfg.Admin.Host) {
		log.Warn().Str("host", rt.cfg.Admin.Host).Msg("Admin API exposed without authentication; set admin.jwt_secret")
	}
	app := admin.NewApp(h, rt.cfg.Admin.Metrics, tokens)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !serveNoSnapshots && rt.cfg.Admin.SnapshotInterval > 0 {
		go snapshotLoop(ctx, rt.pool, db, rt.cfg.Admin.SnapshotInterval)
	}

	addr := fmt.Sprintf("%s:%d", rt.cfg.Admin.Host, rt.cfg.Admin.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	log.Info().
		Str("addr", addr).
		Bool("metrics", rt.cfg.Admin.Metrics).
		Bool("auth", tokens != nil).
		Msg("Admin API listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		return err
	}

	// ultimo snapshot prima di uscire
	if !serveNoSnapshots {
		saveSnapshot(shutdownCtx, rt.pool, db)
	}

	log.Info().Msg("Admin API stopped cleanly")
	return nil
}

func snapshotLoop(ctx context.Context, p *pool.Pool, db *database.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveSnapshot(ctx, p, db)
		}
	}
}

func saveSnapshot(ctx context.Context, p *pool.Pool, db *database.DB) {
	snapshots := p.Snapshot()
	if err := db.SaveSnapshots(ctx, snapshots); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("Failed to save statistics snapshot")
		return
	}
	log.Debug().Int("backends", len(snapshots)).Msg("Statistics snapshot saved")
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
