// Package workflow implementa la macchina a stati dei workflow a stadi
// con persistenza dell'esito di ogni stadio.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/biodoia/novelcorpus/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

var (
	// ErrInvalidTransition è restituito per una transizione non ammessa dallo stato corrente
	ErrInvalidTransition = errors.New("invalid workflow transition")

	// ErrUnknownStage è restituito per un nome di stadio inesistente
	ErrUnknownStage = errors.New("unknown workflow stage")

	// ErrStageRunning è restituito se uno stadio è già in esecuzione
	ErrStageRunning = errors.New("workflow stage already running")
)

// StageError segnala il fallimento di uno stadio
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Store persiste lo stato dei workflow
type Store interface {
	SaveWorkflow(ctx context.Context, w *models.Workflow) error
	SaveStage(ctx context.Context, s *models.WorkflowStage) error
	LoadWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// StageInput è l'input di uno stadio
type StageInput struct {
	WorkflowID uuid.UUID
	ProjectID  string
	Stage      string
	Config     map[string]any

	// ParentCardID card prodotta dallo stadio precedente
	ParentCardID string

	// Previous output dello stadio precedente, nil per il primo
	Previous map[string]any
}

// StageFunc esegue uno stadio. La chiave "card_id" dell'output, se presente,
// diventa la card passata allo stadio successivo.
type StageFunc func(ctx context.Context, in StageInput) (map[string]any, error)

// StageSpec definisce uno stadio
type StageSpec struct {
	Name   string
	Label  string
	Config map[string]any
	Run    StageFunc
}

// Workflow è un'istanza di workflow. I metodi sono sicuri per l'uso concorrente;
// uno stadio alla volta.
type Workflow struct {
	store Store
	specs []StageSpec

	mu      sync.Mutex
	record  *models.Workflow
	running bool
}

func validateSpecs(stages []StageSpec) error {
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.Name == "" || s.Run == nil {
			return fmt.Errorf("stage %q needs a name and a runner", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// New crea un workflow e ne persiste gli stadi
func New(ctx context.Context, name, projectID string, stages []StageSpec, store Store) (*Workflow, error) {
	if err := validateSpecs(stages); err != nil {
		return nil, err
	}

	record := &models.Workflow{
		ID:        uuid.New(),
		Name:      name,
		ProjectID: projectID,
		Status:    models.WorkflowStatusNotStarted,
		Stages:    make([]models.WorkflowStage, len(stages)),
	}
	for i, s := range stages {
		cfg, err := encode(s.Config)
		if err != nil {
			return nil, fmt.Errorf("stage %s config: %w", s.Name, err)
		}
		record.Stages[i] = models.WorkflowStage{
			ID:         uuid.New(),
			WorkflowID: record.ID,
			Order:      i,
			Name:       s.Name,
			Label:      s.Label,
			Config:     cfg,
		}
	}

	if err := store.SaveWorkflow(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	log.Info().
		Str("workflow_id", record.ID.String()).
		Str("name", name).
		Str("project_id", projectID).
		Int("stages", len(stages)).
		Msg("Workflow created")

	return &Workflow{store: store, specs: stages, record: record}, nil
}

// Load riprende un workflow persistito. Gli stadi sono associati per nome;
// l'indice corrente punta al primo stadio non completato.
func Load(ctx context.Context, id uuid.UUID, stages []StageSpec, store Store) (*Workflow, error) {
	if err := validateSpecs(stages); err != nil {
		return nil, err
	}

	record, err := store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(record.Stages) != len(stages) {
		return nil, fmt.Errorf("workflow %s has %d stages, %d given", id, len(record.Stages), len(stages))
	}
	for i, s := range record.Stages {
		if s.Name != stages[i].Name {
			return nil, fmt.Errorf("%w: persisted stage %d is %q, given %q", ErrUnknownStage, i, s.Name, stages[i].Name)
		}
	}

	record.CurrentStageIndex = firstIncomplete(record)
	if record.Status == models.WorkflowStatusInProgress && record.CompletedStages() == len(record.Stages) {
		record.Status = models.WorkflowStatusCompleted
		if err := store.SaveWorkflow(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to save workflow: %w", err)
		}
	}

	log.Info().
		Str("workflow_id", id.String()).
		Str("status", string(record.Status)).
		Int("current_stage_index", record.CurrentStageIndex).
		Msg("Workflow loaded")

	return &Workflow{store: store, specs: stages, record: record}, nil
}

// ID restituisce l'identificativo del workflow
func (w *Workflow) ID() uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record.ID
}

// Status restituisce lo stato corrente
func (w *Workflow) Status() models.WorkflowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record.Status
}

// transition cambia stato e persiste; richiede mu
func (w *Workflow) transition(ctx context.Context, to models.WorkflowStatus) error {
	from := w.record.Status
	w.record.Status = to
	if err := w.store.SaveWorkflow(ctx, w.record); err != nil {
		w.record.Status = from
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	log.Info().
		Str("workflow_id", w.record.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Workflow transition")
	return nil
}

func invalid(action string, status models.WorkflowStatus) error {
	return fmt.Errorf("%w: cannot %s a workflow that is %s", ErrInvalidTransition, action, status)
}

// Start avvia il workflow dal primo stadio
func (w *Workflow) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.record.Status != models.WorkflowStatusNotStarted {
		return invalid("start", w.record.Status)
	}
	w.record.CurrentStageIndex = 0
	return w.transition(ctx, models.WorkflowStatusInProgress)
}

// Pause sospende un workflow in corso
func (w *Workflow) Pause(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.record.Status != models.WorkflowStatusInProgress {
		return invalid("pause", w.record.Status)
	}
	return w.transition(ctx, models.WorkflowStatusPaused)
}

// Resume riprende un workflow sospeso
func (w *Workflow) Resume(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.record.Status != models.WorkflowStatusPaused {
		return invalid("resume", w.record.Status)
	}
	return w.transition(ctx, models.WorkflowStatusInProgress)
}

// Cancel annulla un workflow non terminato
func (w *Workflow) Cancel(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.record.Status.IsTerminal() {
		return invalid("cancel", w.record.Status)
	}
	return w.transition(ctx, models.WorkflowStatusCancelled)
}

// StepResult è l'esito di NextStage
type StepResult struct {
	WorkflowID uuid.UUID             `json:"workflow_id" yaml:"workflow_id"`
	Status     models.WorkflowStatus `json:"status" yaml:"status"`
	Stage      string                `json:"stage,omitempty" yaml:"stage,omitempty"`
	Output     map[string]any        `json:"output,omitempty" yaml:"output,omitempty"`
	NextStage  string                `json:"next_stage,omitempty" yaml:"next_stage,omitempty"`
}

// NextStage esegue lo stadio corrente. L'esito viene persistito prima di
// avanzare l'indice. Il workflow diventa completed solo quando tutti gli
// stadi sono completati. Un fallimento sospende il workflow e restituisce StageError.
func (w *Workflow) NextStage(ctx context.Context) (*StepResult, error) {
	w.mu.Lock()

	if w.running {
		w.mu.Unlock()
		return nil, ErrStageRunning
	}
	if w.record.Status != models.WorkflowStatusInProgress {
		status := w.record.Status
		w.mu.Unlock()
		return nil, invalid("advance", status)
	}

	idx := w.record.CurrentStageIndex
	if idx >= len(w.record.Stages) {
		defer w.mu.Unlock()
		if w.record.CompletedStages() < len(w.record.Stages) {
			// indice incoerente con gli stadi persistiti
			w.record.CurrentStageIndex = w.firstIncomplete()
			if err := w.store.SaveWorkflow(ctx, w.record); err != nil {
				return nil, fmt.Errorf("failed to save workflow: %w", err)
			}
			return w.result("", nil), nil
		}
		if err := w.transition(ctx, models.WorkflowStatusCompleted); err != nil {
			return nil, err
		}
		return w.result("", nil), nil
	}

	return w.runAt(ctx, idx)
}

// runAt esegue lo stadio idx; richiede mu e lo rilascia.
// L'indice corrente avanza solo fino al primo stadio non completato.
func (w *Workflow) runAt(ctx context.Context, idx int) (*StepResult, error) {
	spec := w.specs[idx]
	in := StageInput{
		WorkflowID: w.record.ID,
		ProjectID:  w.record.ProjectID,
		Stage:      spec.Name,
		Config:     spec.Config,
	}
	if idx > 0 {
		prev := w.record.Stages[idx-1]
		in.ParentCardID = prev.CardID
		in.Previous = decode(prev.Output)
	}

	w.running = true
	w.mu.Unlock()

	log.Info().
		Str("workflow_id", in.WorkflowID.String()).
		Str("stage", spec.Name).
		Int("index", idx).
		Msg("Running workflow stage")

	start := time.Now()
	output, runErr := runStage(ctx, spec.Run, in)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false

	stage := w.record.Stages[idx]
	if runErr != nil {
		log.Error().
			Err(runErr).
			Str("workflow_id", in.WorkflowID.String()).
			Str("stage", spec.Name).
			Msg("Workflow stage failed")

		stage.Error = runErr.Error()
		if err := w.store.SaveStage(ctx, &stage); err != nil {
			log.Warn().Err(err).Msg("Failed to record stage error")
		} else {
			w.record.Stages[idx] = stage
		}

		if w.record.Status == models.WorkflowStatusInProgress {
			if err := w.transition(ctx, models.WorkflowStatusPaused); err != nil {
				log.Warn().Err(err).Msg("Failed to pause workflow after stage failure")
			}
		}
		return nil, &StageError{Stage: spec.Name, Err: runErr}
	}

	encoded, err := encode(output)
	if err != nil {
		return nil, &StageError{Stage: spec.Name, Err: fmt.Errorf("output is not serializable: %w", err)}
	}

	completedAt := time.Now().UTC()
	stage.Completed = true
	stage.Output = encoded
	stage.Error = ""
	stage.CompletedAt = &completedAt
	if card, ok := output["card_id"].(string); ok {
		stage.CardID = card
	}

	// l'esito dello stadio è durevole prima che l'indice avanzi
	if err := w.store.SaveStage(ctx, &stage); err != nil {
		return nil, fmt.Errorf("failed to save stage %s: %w", spec.Name, err)
	}
	w.record.Stages[idx] = stage

	if next := w.firstIncomplete(); next > w.record.CurrentStageIndex {
		w.record.CurrentStageIndex = next
	}
	status := w.record.Status
	if w.record.CompletedStages() == len(w.record.Stages) {
		status = models.WorkflowStatusCompleted
	}
	if status != w.record.Status {
		err = w.transition(ctx, status)
	} else {
		err = w.store.SaveWorkflow(ctx, w.record)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	log.Info().
		Str("workflow_id", in.WorkflowID.String()).
		Str("stage", spec.Name).
		Dur("duration", time.Since(start)).
		Msg("Workflow stage completed")

	return w.result(spec.Name, output), nil
}

// result costruisce lo StepResult corrente; richiede mu
func (w *Workflow) result(stage string, output map[string]any) *StepResult {
	res := &StepResult{
		WorkflowID: w.record.ID,
		Status:     w.record.Status,
		Stage:      stage,
		Output:     output,
	}
	if w.record.CurrentStageIndex < len(w.record.Stages) {
		res.NextStage = w.record.Stages[w.record.CurrentStageIndex].Name
	}
	return res
}

// firstIncomplete è l'indice del primo stadio non completato,
// len(Stages) se sono tutti completati; richiede mu
func (w *Workflow) firstIncomplete() int {
	return firstIncomplete(w.record)
}

func firstIncomplete(record *models.Workflow) int {
	for i, s := range record.Stages {
		if !s.Completed {
			return i
		}
	}
	return len(record.Stages)
}

// runStage esegue uno stadio trasformando un panic in errore
func runStage(ctx context.Context, run StageFunc, in StageInput) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	out, err = run(ctx, in)
	if err == nil && out == nil {
		out = map[string]any{}
	}
	return out, err
}

// JumpToStage esegue lo stadio indicato fuori ordine. L'indice corrente
// non arretra e salta in avanti solo sugli stadi già completati.
func (w *Workflow) JumpToStage(ctx context.Context, name string) (*StepResult, error) {
	w.mu.Lock()
	idx := -1
	for i, s := range w.record.Stages {
		if s.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	if w.record.Status != models.WorkflowStatusInProgress {
		status := w.record.Status
		w.mu.Unlock()
		return nil, invalid("jump", status)
	}
	if w.running {
		w.mu.Unlock()
		return nil, ErrStageRunning
	}

	return w.runAt(ctx, idx)
}

// StageProgress è lo stato di uno stadio nel report di avanzamento
type StageProgress struct {
	Name        string     `json:"name" yaml:"name"`
	Label       string     `json:"label" yaml:"label"`
	Order       int        `json:"order" yaml:"order"`
	Completed   bool       `json:"completed" yaml:"completed"`
	CardID      string     `json:"card_id,omitempty" yaml:"card_id,omitempty"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Progress è il report di avanzamento di un workflow
type Progress struct {
	WorkflowID        uuid.UUID             `json:"workflow_id" yaml:"workflow_id"`
	Name              string                `json:"name" yaml:"name"`
	ProjectID         string                `json:"project_id" yaml:"project_id"`
	Status            models.WorkflowStatus `json:"status" yaml:"status"`
	CurrentStageIndex int                   `json:"current_stage_index" yaml:"current_stage_index"`
	CurrentStage      string                `json:"current_stage,omitempty" yaml:"current_stage,omitempty"`
	Completed         int                   `json:"completed" yaml:"completed"`
	Total             int                   `json:"total" yaml:"total"`
	Percentage        float64               `json:"percentage" yaml:"percentage"`
	Stages            []StageProgress       `json:"stages" yaml:"stages"`
	CreatedAt         time.Time             `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at" yaml:"updated_at"`
}

// Progress restituisce l'avanzamento corrente
func (w *Workflow) Progress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ProgressOf(w.record)
}

// ProgressOf calcola l'avanzamento di un workflow persistito
func ProgressOf(record *models.Workflow) Progress {
	p := Progress{
		WorkflowID:        record.ID,
		Name:              record.Name,
		ProjectID:         record.ProjectID,
		Status:            record.Status,
		CurrentStageIndex: record.CurrentStageIndex,
		Completed:         record.CompletedStages(),
		Total:             len(record.Stages),
		Stages:            make([]StageProgress, len(record.Stages)),
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
	if p.CurrentStageIndex < p.Total {
		p.CurrentStage = record.Stages[p.CurrentStageIndex].Name
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	for i, s := range record.Stages {
		p.Stages[i] = StageProgress{
			Name:        s.Name,
			Label:       s.Label,
			Order:       s.Order,
			Completed:   s.Completed,
			CardID:      s.CardID,
			Error:       s.Error,
			CompletedAt: s.CompletedAt,
		}
	}
	return p
}

func encode(v map[string]any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func decode(data datatypes.JSON) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
