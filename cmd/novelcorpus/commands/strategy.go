package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/biodoia/novelcorpus/internal/coordinator"
	"github.com/biodoia/novelcorpus/internal/topology"
	"github.com/spf13/cobra"
)

// StrategyCmd rappresenta il comando strategy
var StrategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Show the multi-agent strategy for the configured pool",
	Long: `Show how agent roles are assigned to backends and which processing
topology is selected for the number of enabled backends.`,
	Example: `  # Strategy of the configured pool
  novelcorpus strategy

  # Strategy for a hypothetical pool of 4 backends
  novelcorpus strategy --backends 4`,
	RunE: runStrategy,
}

var strategyBackends int

func init() {
	StrategyCmd.Flags().IntVar(&strategyBackends, "backends", 0, "Override the number of backends (1-5)")
}

type strategyReport struct {
	Strategy coordinator.StrategyInfo `json:"strategy" yaml:"strategy"`
	Topology topology.Flow            `json:"topology" yaml:"topology"`
}

func runStrategy(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	report := strategyReport{
		Strategy: rt.coordinator.StrategyInfo(),
		Topology: rt.topology.Flow(),
	}
	if strategyBackends > 0 {
		n := coordinator.ClampBackends(strategyBackends)
		report.Strategy = coordinator.New(rt.pool, rt.client, n).StrategyInfo()
		report.Topology = topology.FlowFor(topology.ModeFor(n), n)
	}

	return printOutput(cmd, report, func(w *tabwriter.Writer) {
		s := report.Strategy
		fmt.Fprintf(w, "Strategy:\t%s\n", s.StrategyName)
		fmt.Fprintf(w, "Description:\t%s\n", s.Description)
		fmt.Fprintf(w, "Backends:\t%d %v\n", s.AvailableBackends, s.BackendNames)
		fmt.Fprintf(w, "Topology:\t%s (parallelism %d)\n\n", report.Topology.Mode, report.Topology.Parallelism)

		fmt.Fprintln(w, "ROLE\tBACKEND\tPRIORITY\tPARALLEL")
		for _, a := range s.Assignments {
			backend := a.BackendName
			if backend == "" {
				backend = fmt.Sprintf("#%d", a.Backend)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", a.Role, backend, a.Priority, a.Parallel)
		}
	})
}
