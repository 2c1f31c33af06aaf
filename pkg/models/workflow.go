package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WorkflowStatus indica lo stato di un workflow
type WorkflowStatus string

const (
	WorkflowStatusNotStarted WorkflowStatus = "not_started"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusPaused     WorkflowStatus = "paused"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// IsTerminal riporta se lo stato non ammette altre transizioni
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusCancelled
}

// Workflow rappresenta un'istanza di workflow a stadi
type Workflow struct {
	ID                uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	Name              string         `json:"name" gorm:"not null;index"`
	ProjectID         string         `json:"project_id" gorm:"index"`
	Status            WorkflowStatus `json:"status" gorm:"not null;default:'not_started';index"`
	CurrentStageIndex int            `json:"current_stage_index" gorm:"not null;default:0"`

	// Relations
	Stages []WorkflowStage `json:"stages" gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook
func (w *Workflow) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Status == "" {
		w.Status = WorkflowStatusNotStarted
	}
	return nil
}

// TableName specifica il nome della tabella
func (Workflow) TableName() string {
	return "workflows"
}

// CompletedStages conta gli stadi completati
func (w *Workflow) CompletedStages() int {
	n := 0
	for _, s := range w.Stages {
		if s.Completed {
			n++
		}
	}
	return n
}

// WorkflowStage rappresenta uno stadio di un workflow
type WorkflowStage struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	WorkflowID uuid.UUID `json:"workflow_id" gorm:"type:uuid;not null;uniqueIndex:idx_workflow_stage"`
	Order      int       `json:"order" gorm:"column:stage_order;not null;uniqueIndex:idx_workflow_stage"`
	Name       string    `json:"name" gorm:"not null"`
	Label      string    `json:"label"`

	Config datatypes.JSON `json:"config"`

	// Esito
	Completed   bool           `json:"completed" gorm:"default:false"`
	CardID      string         `json:"card_id"`
	Output      datatypes.JSON `json:"output"`
	Error       string         `json:"error"`
	CompletedAt *time.Time     `json:"completed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook
func (s *WorkflowStage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// TableName specifica il nome della tabella
func (WorkflowStage) TableName() string {
	return "workflow_stages"
}
