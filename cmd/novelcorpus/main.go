package main

import (
	"fmt"
	"os"

	"github.com/biodoia/novelcorpus/cmd/novelcorpus/commands"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "novelcorpus",
		Short: "novelcorpus - multi-provider LLM orchestration",
		Long: `novelcorpus - multi-provider LLM orchestration

Routes prompts across a pool of heterogeneous LLM backends with
per-backend rate limiting, response caching, circuit breaking and
failover, and runs batches through linear, triangular or swarm
topologies and staged workflows.`,
		Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:      true,
		PersistentPreRunE: commands.SetupLogging,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides log.level")
	rootCmd.PersistentFlags().Bool("dev", false, "Pretty console logging")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table, json, yaml)")

	// Add all commands
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.StrategyCmd)
	rootCmd.AddCommand(commands.SendCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.WorkflowCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DoctorCmd)

	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("novelcorpus version %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
		},
	})

	// Execute
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
