package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/biodoia/novelcorpus/pkg/auth"
	"github.com/biodoia/novelcorpus/pkg/cache"
	"github.com/biodoia/novelcorpus/pkg/config"
	"github.com/biodoia/novelcorpus/pkg/database"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ConfigCmd rappresenta il comando config
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage novelcorpus configuration files.

This command allows you to view, validate, and generate configuration files.
API keys may reference environment variables as ${VAR}.`,
	Example: `  # Show current configuration (keys are redacted)
  novelcorpus config show

  # Validate configuration file
  novelcorpus config validate -c config.yaml

  # Generate template configuration
  novelcorpus config generate --file config.yaml

  # Issue an admin API token (requires admin.jwt_secret)
  novelcorpus config token --subject ops`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the currently loaded configuration with defaults applied and secrets redacted.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate a configuration file for syntax and semantic errors.`,
	RunE:  runConfigValidate,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate template configuration",
	RunE:  runConfigGenerate,
}

var configTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	Long:  `Sign a bearer token for the admin API routes that change pool state, using admin.jwt_secret.`,
	RunE:  runConfigToken,
}

var (
	configFile   string
	tokenSubject string
	tokenTTL     time.Duration
)

func init() {
	configGenerateCmd.Flags().StringVarP(&configFile, "file", "f", "", "Output file path (stdout if not specified)")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	configTokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Token subject, logged with each admin action")
	configTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (admin.token_ttl if zero)")

	ConfigCmd.AddCommand(configGenerateCmd)
	ConfigCmd.AddCommand(configTokenCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("# Current Configuration")
	fmt.Println("# =====================")
	fmt.Println()
	fmt.Print(string(data))

	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	fmt.Printf("Validating configuration: %s\n\n", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Println("✗ Failed to load configuration")
		return err
	}

	fmt.Println("✓ Configuration loaded successfully")

	if err := cfg.Validate(); err != nil {
		fmt.Println("✗ Configuration validation failed")
		return err
	}

	enabled := 0
	for i, spec := range cfg.Pool.Backends {
		if _, bc := spec.Resolve(i); bc.Enabled {
			enabled++
		}
	}

	policy := cfg.Optimizer.Policy
	if policy == "" {
		policy = "priority"
	}

	fmt.Println("✓ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Backends:   %d (%d enabled, pool enabled: %v)\n", len(cfg.Pool.Backends), enabled, cfg.Pool.Enabled)
	fmt.Printf("  Cache:      %d entries, ttl %s, redis %v\n", cfg.Cache.MaxEntries, cfg.Cache.TTL, cfg.Cache.Redis.Enabled)
	fmt.Printf("  Optimizer:  %s\n", policy)
	fmt.Printf("  Topology:   %s\n", cfg.Topology.Mode)
	fmt.Printf("  Database:   %s (%s)\n", cfg.Database.Type, cfg.Database.Connection)
	fmt.Printf("  Admin:      %s:%d (auth: %v)\n", cfg.Admin.Host, cfg.Admin.Port, cfg.Admin.JWTSecret != "")

	return nil
}

func runConfigGenerate(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(templateConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	output := `# novelcorpus Configuration File
# ==============================
#
# Backends are tried in priority order (lower first) unless an
# optimizer policy is set. API keys accept ${VAR} references.

` + string(data)

	if configFile != "" {
		if err := os.WriteFile(configFile, []byte(output), 0600); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Printf("✓ Configuration template generated: %s\n", configFile)
		return nil
	}

	fmt.Print(output)
	return nil
}

func templateConfig() *config.Config {
	prio := func(n int) *int { return &n }

	cfg := &config.Config{
		Pool: config.PoolConfig{
			Enabled:          true,
			CircuitThreshold: 5,
			CircuitCooldown:  30 * time.Second,
			RateWindow:       time.Minute,
			Backends: []pool.BackendSpec{
				{
					Name:            "deepseek",
					Provider:        "deepseek",
					APIKey:          "${DEEPSEEK_API_KEY}",
					Model:           "deepseek-chat",
					Timeout:         60 * time.Second,
					RateLimit:       60,
					CostPer1KTokens: 0.00014,
					Priority:        prio(1),
				},
				{
					Name:            "claude",
					Provider:        "anthropic",
					APIKey:          "${ANTHROPIC_API_KEY}",
					Model:           "claude-3-5-haiku-latest",
					Timeout:         60 * time.Second,
					RateLimit:       50,
					CostPer1KTokens: 0.0008,
					Priority:        prio(2),
				},
				{
					Name:            "gemini",
					Provider:        "gemini",
					APIKey:          "${GEMINI_API_KEY}",
					Model:           "gemini-1.5-flash",
					Timeout:         60 * time.Second,
					RateLimit:       15,
					CostPer1KTokens: 0.000075,
					Priority:        prio(3),
				},
			},
		},
		Cache: cache.Config{
			MaxEntries: 1000,
			TTL:        time.Hour,
			Redis: cache.RedisConfig{
				Host:   "localhost:6379",
				Prefix: "novelcorpus:resp:",
			},
		},
		Client: config.ClientConfig{
			MaxRetries:       3,
			BackoffBase:      time.Second,
			BackoffMax:       30 * time.Second,
			BatchConcurrency: 10,
		},
		Topology: config.TopologyConfig{Mode: "auto"},
		Database: database.Config{
			Type:       "sqlite",
			Connection: "./data/novelcorpus.db",
			MaxConns:   25,
			LogLevel:   "warn",
		},
		Admin: config.AdminConfig{
			Host:             "127.0.0.1",
			Port:             8080,
			Metrics:          true,
			SnapshotInterval: time.Minute,
		},
		Log: config.LogConfig{Level: "info", Format: "json"},
	}
	cfg.Topology.QueueSize = 16
	return cfg
}

func runConfigToken(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tokens := adminTokens(cfg)
	if tokens == nil {
		return fmt.Errorf("admin.jwt_secret is not set")
	}
	if tokenTTL > 0 {
		tokens = auth.NewJWTManager(auth.JWTConfig{SecretKey: cfg.Admin.JWTSecret, TTL: tokenTTL})
	}

	token, err := tokens.GenerateToken(tokenSubject)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// adminTokens restituisce il JWT manager dell'API admin, nil se l'auth è disattivata
func adminTokens(cfg *config.Config) *auth.JWTManager {
	if cfg.Admin.JWTSecret == "" {
		return nil
	}
	return auth.NewJWTManager(auth.JWTConfig{
		SecretKey: cfg.Admin.JWTSecret,
		TTL:       cfg.Admin.TokenTTL,
	})
}
