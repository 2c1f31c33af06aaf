package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/biodoia/novelcorpus/pkg/models"
	"github.com/spf13/cobra"
)

// StatsCmd rappresenta il comando stats
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "View persisted backend statistics",
	Long: `View backend statistics snapshots saved by the serve command.

Without arguments the latest snapshot of every backend is shown; the
history subcommand lists the snapshots of one backend over a period.`,
	Example: `  # Latest snapshot
  novelcorpus stats

  # History of a backend over the last 6 hours, as JSON
  novelcorpus stats history openai_0 --since 6h -o json`,
	RunE: runStatsShow,
}

var statsHistoryCmd = &cobra.Command{
	Use:   "history <backend>",
	Short: "Show the snapshot history of a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatsHistory,
}

var statsSince time.Duration

func init() {
	statsHistoryCmd.Flags().DurationVar(&statsSince, "since", 24*time.Hour, "How far back to look")

	StatsCmd.AddCommand(statsHistoryCmd)
}

func runStatsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	snapshots, err := db.LatestSnapshots(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	if len(snapshots) == 0 {
		fmt.Println("No statistics recorded yet. Run 'novelcorpus serve' to collect them.")
		return nil
	}

	return printOutput(cmd, snapshots, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Snapshot: %s\n\n", snapshots[0].Timestamp.Local().Format(time.RFC3339))
		printSnapshotTable(w, snapshots, false)
	})
}

func runStatsHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	snapshots, err := db.BackendHistory(cmd.Context(), args[0], statsSince)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	return printOutput(cmd, snapshots, func(w *tabwriter.Writer) {
		printSnapshotTable(w, snapshots, true)
	})
}

func printSnapshotTable(w *tabwriter.Writer, snapshots []models.BackendSnapshot, withTime bool) {
	if withTime {
		fmt.Fprint(w, "TIME\t")
	}
	fmt.Fprintln(w, "BACKEND\tPROVIDER\tPRIO\tENABLED\tCIRCUIT\tREQUESTS\tSUCCESS\tTOKENS\tCOST\tAVG LATENCY\tRATE HITS")

	for _, s := range snapshots {
		if withTime {
			fmt.Fprintf(w, "%s\t", s.Timestamp.Local().Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\t%d\t%.1f%%\t%d\t$%.4f\t%.2fs\t%d\n",
			s.Backend,
			s.Provider,
			s.Priority,
			s.Enabled,
			s.Circuit,
			s.TotalRequests,
			s.SuccessRate*100,
			s.TotalTokens,
			s.TotalCost,
			s.AvgResponseTime,
			s.RateLimitHits,
		)
	}
}
