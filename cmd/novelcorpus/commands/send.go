package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/biodoia/novelcorpus/internal/client"
	"github.com/spf13/cobra"
)

// SendCmd rappresenta il comando send
var SendCmd = &cobra.Command{
	Use:   "send [prompt]",
	Short: "Send a prompt through the backend pool",
	Long: `Send a prompt through the pool with caching, retry and failover.

With --file every non-empty line of the file is sent as a separate prompt
with bounded concurrency, and the results are printed in input order.`,
	Example: `  # One prompt
  novelcorpus send "Summarize the first chapter of Moby Dick"

  # Stream the answer from a specific provider
  novelcorpus send --stream --provider anthropic "Write a haiku about whales"

  # Batch of prompts from a file
  novelcorpus send --file prompts.txt -o json`,
	Args: func(cmd *cobra.Command, args []string) error {
		if sendFile == "" && len(args) == 0 {
			return fmt.Errorf("a prompt or --file is required")
		}
		return nil
	},
	RunE: runSend,
}

var (
	sendStream   bool
	sendFile     string
	sendSystem   string
	sendProvider string
	sendBackend  string
	sendModel    string
	sendNoCache  bool
	sendRetries  int
)

func init() {
	SendCmd.Flags().BoolVar(&sendStream, "stream", false, "Stream the answer as it is generated")
	SendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Send every line of a file as a separate prompt")
	SendCmd.Flags().StringVarP(&sendSystem, "system", "s", "", "System prompt")
	SendCmd.Flags().StringVar(&sendProvider, "provider", "", "Restrict selection to a provider type")
	SendCmd.Flags().StringVar(&sendBackend, "backend", "", "Prefer a specific backend")
	SendCmd.Flags().StringVar(&sendModel, "model", "", "Override the backend model")
	SendCmd.Flags().BoolVar(&sendNoCache, "no-cache", false, "Bypass the response cache")
	SendCmd.Flags().IntVar(&sendRetries, "retries", 0, "Override the number of attempts")
}

func sendOptions() []client.Option {
	var opts []client.Option
	if sendSystem != "" {
		opts = append(opts, client.WithSystemPrompt(sendSystem))
	}
	if sendProvider != "" {
		opts = append(opts, client.WithProvider(sendProvider))
	}
	if sendBackend != "" {
		opts = append(opts, client.WithBackend(sendBackend))
	}
	if sendModel != "" {
		opts = append(opts, client.WithModel(sendModel))
	}
	if sendNoCache {
		opts = append(opts, client.WithoutCache())
	}
	if sendRetries > 0 {
		opts = append(opts, client.WithMaxRetries(sendRetries))
	}
	return opts
}

func runSend(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	opts := sendOptions()

	if sendFile != "" {
		prompts, err := readLines(sendFile)
		if err != nil {
			return err
		}
		return printBatch(cmd, rt.client.Batch(ctx, prompts, opts...))
	}

	prompt := strings.Join(args, " ")

	if sendStream {
		for chunk, err := range rt.client.Stream(ctx, prompt, opts...) {
			if err != nil {
				fmt.Println()
				return err
			}
			fmt.Print(chunk)
		}
		fmt.Println()
		return nil
	}

	text, err := rt.client.Send(ctx, prompt, opts...)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

type batchLine struct {
	Index  int    `json:"index" yaml:"index"`
	Prompt string `json:"prompt" yaml:"prompt"`
	Text   string `json:"text,omitempty" yaml:"text,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

func printBatch(cmd *cobra.Command, results []client.BatchResult) error {
	lines := make([]batchLine, len(results))
	failed := 0
	for i, r := range results {
		lines[i] = batchLine{Index: r.Index, Prompt: r.Prompt, Text: r.Text}
		if r.Err != nil {
			lines[i].Error = r.Err.Error()
			failed++
		}
	}

	err := printOutput(cmd, lines, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "#\tPROMPT\tRESULT")
		for _, l := range lines {
			result := l.Text
			if l.Error != "" {
				result = "ERROR: " + l.Error
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", l.Index, truncate(l.Prompt, 40), truncate(result, 80))
		}
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d prompts failed", failed, len(results))
	}
	return nil
}

// readLines legge le righe non vuote di un file
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
