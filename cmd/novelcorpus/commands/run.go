package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/biodoia/novelcorpus/internal/client"
	"github.com/biodoia/novelcorpus/internal/topology"
	"github.com/spf13/cobra"
)

// RunCmd rappresenta il comando run
var RunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Process the lines of a file through a topology",
	Long: `Process every non-empty line of a file as one item through the
topology selected for the pool (or forced with --mode).

  linear      each line is sent with --prompt, in order
  triangular  scan, extract and keep run as a three-stage pipeline
  swarm       a scan pre-pass, then every expert prompt runs concurrently

Failed items are reported with their error and never stop the batch.`,
	Example: `  # Auto-selected topology
  novelcorpus run chapters.txt --prompt "Summarize this passage:"

  # Swarm with custom experts
  novelcorpus run chapters.txt --mode swarm \
    --expert characters="List the characters:" \
    --expert setting="Describe the setting:"`,
	Args: cobra.ExactArgs(1),
	RunE: runTopology,
}

var (
	runMode          string
	runPrompt        string
	runScanPrompt    string
	runExtractPrompt string
	runExperts       map[string]string
)

func init() {
	RunCmd.Flags().StringVar(&runMode, "mode", "", "Topology mode (linear, triangular, swarm, auto); defaults to topology.mode")
	RunCmd.Flags().StringVar(&runPrompt, "prompt", "Analyze the following passage:", "Instruction for linear processing")
	RunCmd.Flags().StringVar(&runScanPrompt, "scan-prompt", "Identify the key elements of the following passage:", "Instruction for the scan stage")
	RunCmd.Flags().StringVar(&runExtractPrompt, "extract-prompt", "Extract structured notes from this analysis:", "Instruction for the extract stage")
	RunCmd.Flags().StringToStringVar(&runExperts, "expert", map[string]string{
		"characters": "List the characters and their relationships in:",
		"setting":    "Describe the setting and atmosphere of:",
		"style":      "Describe the prose style of:",
	}, "Swarm experts as name=instruction")
}

// llmStep crea una funzione di topologia che invia instruction + item[from] e salva in item[to]
func llmStep(sender client.Sender, instruction, from, to string) topology.Func {
	return func(ctx context.Context, item topology.Item) (topology.Item, error) {
		text, _ := item[from].(string)
		out, err := sender.Send(ctx, instruction+"\n\n"+text)
		if err != nil {
			return nil, err
		}

		next := make(topology.Item, len(item)+1)
		for k, v := range item {
			next[k] = v
		}
		next[to] = out
		return next, nil
	}
}

func buildPlan(sender client.Sender) topology.Plan {
	plan := topology.Plan{
		Pipeline: llmStep(sender, runPrompt, "text", "output"),
		Scan:     llmStep(sender, runScanPrompt, "text", "scan"),
		Extract:  llmStep(sender, runExtractPrompt, "scan", "output"),
		Keep: func(ctx context.Context, item topology.Item) (topology.Item, error) {
			item["kept_at"] = time.Now().UTC().Format(time.RFC3339)
			return item, nil
		},
		PrePass: llmStep(sender, runScanPrompt, "text", "scan"),
		Experts: make(map[string]topology.Func, len(runExperts)),
	}
	for name, instruction := range runExperts {
		plan.Experts[name] = func(ctx context.Context, item topology.Item) (topology.Item, error) {
			text, _ := item["text"].(string)
			if scan, ok := item["scan"].(string); ok {
				text += "\n\nNotes:\n" + scan
			}
			out, err := sender.Send(ctx, instruction+"\n\n"+text)
			if err != nil {
				return nil, err
			}
			return topology.Item{name: out}, nil
		}
	}
	return plan
}

func runTopology(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	lines, err := readLines(args[0])
	if err != nil {
		return err
	}

	manager := rt.topology
	if runMode != "" {
		mode, err := topology.ParseMode(runMode)
		if err != nil {
			return err
		}
		manager = topology.New(mode, len(rt.pool.EnabledNames()), rt.cfg.Topology.Options)
	}

	items := make([]topology.Item, len(lines))
	for i, line := range lines {
		items[i] = topology.Item{"text": line}
	}

	start := time.Now()
	results, err := manager.Run(cmd.Context(), buildPlan(rt.client), items)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}

	err = printOutput(cmd, results, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Topology:\t%s\n", manager.Mode())
		fmt.Fprintf(w, "Items:\t%d (%d failed)\n", len(results), failed)
		fmt.Fprintf(w, "Duration:\t%s\n\n", time.Since(start).Round(time.Millisecond))

		fmt.Fprintln(w, "#\tSEQ\tINPUT\tOUTPUT")
		for _, r := range results {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", r.Index, r.Seq, truncate(lines[r.Index], 30), truncate(summarizeItem(r.Value), 90))
		}
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(results))
	}
	return nil
}

// summarizeItem riassume le chiavi prodotte da un elemento
func summarizeItem(item topology.Item) string {
	if msg, ok := item["error"].(string); ok && len(item) == 1 {
		return "ERROR: " + msg
	}
	if out, ok := item["output"].(string); ok {
		return out
	}

	var parts []string
	for k, v := range item {
		if k == "text" || k == "scan" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
