package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantpulse/internal/domain"
	testingutil "github.com/aristath/quantpulse/internal/testing"
)

func TestCreateAndGetTaskRunRoundTripsParameters(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "tasks")
	defer cleanup()

	store := New(db, zerolog.Nop())
	ctx := context.Background()

	run := domain.TaskRun{
		TaskName: "sync-historical", TaskType: "historical_sync", Status: domain.TaskPending,
		InputParameters: map[string]interface{}{"exchange": "NSE", "weeks_back": float64(52)},
	}

	created, err := store.CreateTaskRun(ctx, run)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	got, err := store.GetTaskRun(ctx, created.ID.String())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, "NSE", got.InputParameters["exchange"])
	assert.Equal(t, float64(52), got.InputParameters["weeks_back"])
}

func TestUpdateTaskRunPersistsProgressAndCompletion(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "tasks")
	defer cleanup()

	store := New(db, zerolog.Nop())
	ctx := context.Background()

	created, err := store.CreateTaskRun(ctx, domain.TaskRun{TaskName: "t", TaskType: "x", Status: domain.TaskStarted})
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	created.Status = domain.TaskSuccess
	created.ProgressPercentage = 100
	created.CompletedAt = &now
	execTime := 12.5
	created.ExecutionTimeSeconds = &execTime
	created.ResultData = map[string]interface{}{"rows": float64(42)}

	require.NoError(t, store.UpdateTaskRun(ctx, created))

	got, err := store.GetTaskRun(ctx, created.ID.String())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.TaskSuccess, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ExecutionTimeSeconds)
	assert.Equal(t, 12.5, *got.ExecutionTimeSeconds)
	assert.Equal(t, float64(42), got.ResultData["rows"])
}

func TestUpsertTaskStepUpdatesInPlaceOnConflict(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "tasks")
	defer cleanup()

	store := New(db, zerolog.Nop())
	ctx := context.Background()

	run, err := store.CreateTaskRun(ctx, domain.TaskRun{TaskName: "t", TaskType: "x", Status: domain.TaskStarted})
	require.NoError(t, err)

	step := domain.TaskStep{TaskRunID: run.ID, StepName: "fetch", StepOrder: 1, Status: domain.TaskStarted}
	require.NoError(t, store.UpsertTaskStep(ctx, step))

	step.Status = domain.TaskSuccess
	require.NoError(t, store.UpsertTaskStep(ctx, step))

	var count int
	row := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_steps WHERE task_run_id = ?", run.ID.String())
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	var status string
	row = db.QueryRowContext(ctx, "SELECT status FROM task_steps WHERE task_run_id = ? AND step_name = ?", run.ID.String(), "fetch")
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, "SUCCESS", status)
}

func TestAppendTaskLogAndListRecentTaskRuns(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "tasks")
	defer cleanup()

	store := New(db, zerolog.Nop())
	ctx := context.Background()

	run, err := store.CreateTaskRun(ctx, domain.TaskRun{TaskName: "t", TaskType: "weekly_agg", Status: domain.TaskStarted})
	require.NoError(t, err)

	require.NoError(t, store.AppendTaskLog(ctx, domain.TaskLog{
		TaskRunID: run.ID, Level: domain.LogInfo, Message: "50% complete",
		ExtraData: map[string]interface{}{"current": float64(50)},
	}))

	var logCount int
	row := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_logs WHERE task_run_id = ?", run.ID.String())
	require.NoError(t, row.Scan(&logCount))
	assert.Equal(t, 1, logCount)

	runs, err := store.ListRecentTaskRuns(ctx, "weekly_agg", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}
