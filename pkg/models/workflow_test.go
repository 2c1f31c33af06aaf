package models

import (
	"testing"

	"github.com/google/uuid"
)

func TestWorkflow_BeforeCreate(t *testing.T) {
	tests := []struct {
		name     string
		workflow *Workflow
		want     WorkflowStatus
	}{
		{
			name:     "generates UUID and default status",
			workflow: &Workflow{Name: "disassemble"},
			want:     WorkflowStatusNotStarted,
		},
		{
			name:     "keeps existing UUID and status",
			workflow: &Workflow{ID: uuid.New(), Name: "disassemble", Status: WorkflowStatusPaused},
			want:     WorkflowStatusPaused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			originalID := tt.workflow.ID
			if err := tt.workflow.BeforeCreate(nil); err != nil {
				t.Fatalf("BeforeCreate() error = %v", err)
			}

			if tt.workflow.ID == uuid.Nil {
				t.Error("ID should not be nil after BeforeCreate()")
			}
			if originalID != uuid.Nil && tt.workflow.ID != originalID {
				t.Error("Existing ID should not be changed")
			}
			if tt.workflow.Status != tt.want {
				t.Errorf("Status = %v, want %v", tt.workflow.Status, tt.want)
			}
		})
	}
}

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status WorkflowStatus
		want   bool
	}{
		{WorkflowStatusNotStarted, false},
		{WorkflowStatusInProgress, false},
		{WorkflowStatusPaused, false},
		{WorkflowStatusCompleted, true},
		{WorkflowStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkflow_CompletedStages(t *testing.T) {
	w := &Workflow{Stages: []WorkflowStage{
		{Name: "a", Completed: true},
		{Name: "b", Completed: true},
		{Name: "c"},
	}}

	if got := w.CompletedStages(); got != 2 {
		t.Errorf("CompletedStages() = %d, want 2", got)
	}
}

func TestBackendSnapshot_BeforeCreate(t *testing.T) {
	s := &BackendSnapshot{Backend: "openai_0"}
	if err := s.BeforeCreate(nil); err != nil {
		t.Fatalf("BeforeCreate() error = %v", err)
	}
	if s.ID == uuid.Nil {
		t.Error("ID should not be nil after BeforeCreate()")
	}
	if s.Timestamp.IsZero() {
		t.Error("Timestamp should be set after BeforeCreate()")
	}
}
