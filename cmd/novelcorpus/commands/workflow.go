package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/biodoia/novelcorpus/internal/coordinator"
	"github.com/biodoia/novelcorpus/internal/workflow"
	"github.com/biodoia/novelcorpus/pkg/database"
	"github.com/biodoia/novelcorpus/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// WorkflowCmd rappresenta il comando workflow
var WorkflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run and inspect staged workflows",
	Long: `Run and inspect staged workflows persisted in the database.

The built-in synopsis workflow has two stages: "process" runs the lines
of a file through the selected topology, "synthesize" lets the agent
roles of the coordinator turn the processed passages into a synopsis.
A failed stage pauses the workflow; resume continues from the first
stage that did not complete.`,
	Example: `  # Start a synopsis workflow
  novelcorpus workflow start chapters.txt --name "moby dick" --project novel-1

  # Resume a paused or interrupted workflow
  novelcorpus workflow resume 6c1f...

  # List workflows of a project
  novelcorpus workflow list --project novel-1`,
}

var workflowStartCmd = &cobra.Command{
	Use:   "start <file>",
	Short: "Start the synopsis workflow over the lines of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStart,
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowResume,
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowCancel,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE:  runWorkflowList,
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the progress of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowShow,
}

var (
	workflowName    string
	workflowProject string
	workflowLimit   int
)

func init() {
	workflowStartCmd.Flags().StringVar(&workflowName, "name", "synopsis", "Workflow name")
	workflowStartCmd.Flags().StringVar(&workflowProject, "project", "default", "Project identifier")
	workflowListCmd.Flags().StringVar(&workflowProject, "project", "", "Filter by project")
	workflowListCmd.Flags().IntVar(&workflowLimit, "limit", 20, "Maximum number of workflows")

	WorkflowCmd.AddCommand(workflowStartCmd)
	WorkflowCmd.AddCommand(workflowResumeCmd)
	WorkflowCmd.AddCommand(workflowCancelCmd)
	WorkflowCmd.AddCommand(workflowListCmd)
	WorkflowCmd.AddCommand(workflowShowCmd)
}

// synopsisStages definisce gli stadi del workflow di sinossi
func synopsisStages(rt *runtime, lines []string) []workflow.StageSpec {
	coord := rt.coordinator

	ask := func(role coordinator.Role, instruction string, inputs ...string) coordinator.AgentFunc {
		return func(ctx context.Context, shared map[string]any) (any, error) {
			var sb strings.Builder
			sb.WriteString(instruction)
			for _, key := range inputs {
				if v, ok := shared[key].(string); ok && v != "" {
					sb.WriteString("\n\n")
					sb.WriteString(v)
				}
			}
			return coord.ClientFor(role).Send(ctx, sb.String())
		}
	}

	agents := map[coordinator.Role]coordinator.AgentFunc{
		coordinator.RoleReader:  ask(coordinator.RoleReader, "Summarize these passage notes in order:", "passages"),
		coordinator.RoleAnalyst: ask(coordinator.RoleAnalyst, "Identify the main themes and conflicts in these notes:", "passages"),
		coordinator.RoleWriter:  ask(coordinator.RoleWriter, "Write a one-page synopsis from this summary and analysis:", string(coordinator.RoleReader), string(coordinator.RoleAnalyst)),
		coordinator.RoleCritic:  ask(coordinator.RoleCritic, "Review this synopsis and list concrete improvements:", string(coordinator.RoleWriter)),
	}

	process := workflow.TopologyStage(rt.topology, buildPlan(rt.client), "items")

	return []workflow.StageSpec{
		{
			Name:   "process",
			Label:  "Process passages",
			Config: map[string]any{"items": lines},
			Run:    process,
		},
		{
			Name:  "synthesize",
			Label: "Synthesize synopsis",
			Run: func(ctx context.Context, in workflow.StageInput) (map[string]any, error) {
				in.Config = map[string]any{"passages": passagesText(in.Previous)}
				return workflow.CoordinatedStage(coord, agents)(ctx, in)
			},
		},
	}
}

// passagesText concatena gli output elaborati dallo stadio precedente
func passagesText(previous map[string]any) string {
	results, _ := previous["results"].([]any)

	var sb strings.Builder
	for i, r := range results {
		item, ok := r.(map[string]any)
		if !ok || item == nil {
			continue
		}
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, summarizeItem(item))
	}
	return sb.String()
}

// linesFromRecord recupera le righe salvate nella configurazione del primo stadio
func linesFromRecord(record *models.Workflow) ([]string, error) {
	if len(record.Stages) == 0 {
		return nil, fmt.Errorf("workflow %s has no stages", record.ID)
	}

	var cfg struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(record.Stages[0].Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode stage config: %w", err)
	}
	return cfg.Items, nil
}

func runWorkflowStart(cmd *cobra.Command, args []string) error {
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

	lines, err := readLines(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	w, err := workflow.New(ctx, workflowName, workflowProject, synopsisStages(rt, lines), db)
	if err != nil {
		return err
	}
	fmt.Printf("Workflow %s created\n", w.ID())

	if err := w.Start(ctx); err != nil {
		return err
	}
	return driveWorkflow(cmd, w)
}

func runWorkflowResume(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid workflow ID: %w", err)
	}

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

	ctx := cmd.Context()
	record, err := db.LoadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	lines, err := linesFromRecord(record)
	if err != nil {
		return err
	}

	w, err := workflow.Load(ctx, id, synopsisStages(rt, lines), db)
	if err != nil {
		return err
	}

	switch w.Status() {
	case models.WorkflowStatusNotStarted:
		err = w.Start(ctx)
	case models.WorkflowStatusPaused:
		err = w.Resume(ctx)
	case models.WorkflowStatusInProgress:
	default:
		return fmt.Errorf("workflow %s is %s", id, w.Status())
	}
	if err != nil {
		return err
	}

	return driveWorkflow(cmd, w)
}

// driveWorkflow esegue gli stadi fino al completamento o al primo errore
func driveWorkflow(cmd *cobra.Command, w *workflow.Workflow) error {
	ctx := cmd.Context()

	var last map[string]any
	for w.Status() == models.WorkflowStatusInProgress {
		start := time.Now()
		res, err := w.NextStage(ctx)
		if err != nil {
			var stageErr *workflow.StageError
			if errors.As(err, &stageErr) {
				fmt.Printf("✗ Stage %s failed, workflow paused: %v\n", stageErr.Stage, stageErr.Err)
				fmt.Printf("  Resume with: novelcorpus workflow resume %s\n", w.ID())
			}
			return err
		}
		if res.Stage != "" {
			last = res.Output
			fmt.Printf("✓ Stage %s completed in %s\n", res.Stage, time.Since(start).Round(time.Millisecond))
		}
	}

	progress := w.Progress()
	if writer, ok := last[string(coordinator.RoleWriter)].(string); ok && writer != "" {
		fmt.Println()
		fmt.Println(writer)
	}
	log.Info().Str("workflow_id", progress.WorkflowID.String()).Str("status", string(progress.Status)).Msg("Workflow finished")
	return nil
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid workflow ID: %w", err)
	}

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

	ctx := cmd.Context()
	record, err := db.LoadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	lines, err := linesFromRecord(record)
	if err != nil {
		return err
	}

	w, err := workflow.Load(ctx, id, synopsisStages(rt, lines), db)
	if err != nil {
		return err
	}
	if err := w.Cancel(ctx); err != nil {
		return err
	}

	fmt.Printf("✓ Workflow %s cancelled\n", id)
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	db, err := openWorkflowDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.ListWorkflows(cmd.Context(), workflowProject, workflowLimit)
	if err != nil {
		return fmt.Errorf("failed to list workflows: %w", err)
	}

	progress := make([]workflow.Progress, len(records))
	for i := range records {
		progress[i] = workflow.ProgressOf(&records[i])
	}

	return printOutput(cmd, progress, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tPROJECT\tSTATUS\tPROGRESS\tCURRENT\tUPDATED")
		for _, p := range progress {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				p.WorkflowID, p.Name, p.ProjectID, p.Status,
				p.Completed, p.Total, p.CurrentStage,
				p.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
	})
}

func runWorkflowShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid workflow ID: %w", err)
	}

	db, err := openWorkflowDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	record, err := db.LoadWorkflow(cmd.Context(), id)
	if err != nil {
		return err
	}
	p := workflow.ProgressOf(record)

	return printOutput(cmd, p, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Workflow:\t%s (%s)\n", p.Name, p.WorkflowID)
		fmt.Fprintf(w, "Project:\t%s\n", p.ProjectID)
		fmt.Fprintf(w, "Status:\t%s\n", p.Status)
		fmt.Fprintf(w, "Progress:\t%d/%d (%.0f%%)\n\n", p.Completed, p.Total, p.Percentage)

		fmt.Fprintln(w, "#\tSTAGE\tCOMPLETED\tCARD\tERROR")
		for _, s := range p.Stages {
			fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%s\n", s.Order, s.Name, s.Completed, s.CardID, truncate(s.Error, 60))
		}
	})
}

func openWorkflowDB(cmd *cobra.Command) (*database.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openDB(cfg)
}
