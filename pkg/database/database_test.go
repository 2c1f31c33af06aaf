package database

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/biodoia/novelcorpus/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := New(&Config{
		Type:       "sqlite",
		Connection: fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_UnsupportedType(t *testing.T) {
	_, err := New(&Config{Type: "mysql"})
	assert.Error(t, err)
}

func TestWorkflowPersistence(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w := &models.Workflow{
		Name:      "disassemble",
		ProjectID: "novel-1",
		Stages: []models.WorkflowStage{
			{Order: 0, Name: "read", Label: "Read"},
			{Order: 1, Name: "extract", Label: "Extract"},
		},
	}
	require.NoError(t, db.SaveWorkflow(ctx, w))
	require.NotEqual(t, uuid.Nil, w.ID)

	loaded, err := db.LoadWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusNotStarted, loaded.Status)
	require.Len(t, loaded.Stages, 2)
	assert.Equal(t, "read", loaded.Stages[0].Name)
	assert.Equal(t, "extract", loaded.Stages[1].Name)

	// aggiornare uno stadio e poi il workflow non duplica gli stadi
	stage := loaded.Stages[0]
	stage.Completed = true
	stage.CardID = "card-1"
	stage.Output = datatypes.JSON(`{"card_id":"card-1"}`)
	require.NoError(t, db.SaveStage(ctx, &stage))

	loaded.Status = models.WorkflowStatusInProgress
	loaded.CurrentStageIndex = 1
	require.NoError(t, db.SaveWorkflow(ctx, loaded))

	again, err := db.LoadWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusInProgress, again.Status)
	assert.Equal(t, 1, again.CurrentStageIndex)
	require.Len(t, again.Stages, 2)
	assert.True(t, again.Stages[0].Completed)
	assert.Equal(t, "card-1", again.Stages[0].CardID)
	assert.JSONEq(t, `{"card_id":"card-1"}`, string(again.Stages[0].Output))

	_, err = db.LoadWorkflow(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkflows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i, project := range []string{"a", "b", "a"} {
		require.NoError(t, db.SaveWorkflow(ctx, &models.Workflow{
			Name:      fmt.Sprintf("wf-%d", i),
			ProjectID: project,
		}))
	}

	all, err := db.ListWorkflows(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := db.ListWorkflows(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	limited, err := db.ListWorkflows(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSnapshots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.SaveSnapshots(ctx, []models.BackendSnapshot{
		{Backend: "openai_0", Timestamp: old, TotalRequests: 1},
		{Backend: "deepseek_1", Timestamp: old, TotalRequests: 2},
	}))
	require.NoError(t, db.SaveSnapshots(ctx, []models.BackendSnapshot{
		{Backend: "openai_0", TotalRequests: 10, SuccessRate: 0.9},
		{Backend: "deepseek_1", TotalRequests: 20, SuccessRate: 1},
	}))
	require.NoError(t, db.SaveSnapshots(ctx, nil))

	latest, err := db.LatestSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "deepseek_1", latest[0].Backend)
	assert.Equal(t, int64(20), latest[0].TotalRequests)
	assert.Equal(t, int64(10), latest[1].TotalRequests)

	history, err := db.BackendHistory(ctx, "openai_0", 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(10), history[0].TotalRequests)
}
