package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantpulse/internal/domain"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]domain.TaskRun
	steps map[string]domain.TaskStep
	logs  []domain.TaskLog
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{runs: make(map[uuid.UUID]domain.TaskRun), steps: make(map[string]domain.TaskStep)}
}

func (f *fakeTaskStore) CreateTaskRun(ctx context.Context, t domain.TaskRun) (domain.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	f.runs[t.ID] = t
	return t, nil
}
func (f *fakeTaskStore) UpdateTaskRun(ctx context.Context, t domain.TaskRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[t.ID] = t
	return nil
}
func (f *fakeTaskStore) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ID.String() == id {
			return &r, nil
		}
	}
	return nil, nil
}
func (f *fakeTaskStore) UpsertTaskStep(ctx context.Context, s domain.TaskStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[s.TaskRunID.String()+"/"+s.StepName] = s
	return nil
}
func (f *fakeTaskStore) AppendTaskLog(ctx context.Context, l domain.TaskLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}
func (f *fakeTaskStore) ListRecentTaskRuns(ctx context.Context, taskType string, limit int) ([]domain.TaskRun, error) {
	return nil, nil
}

func TestStartCreatesTaskRunInStartedStatus(t *testing.T) {
	store := newFakeTaskStore()
	o := New(store, time.UTC, zerolog.Nop())

	run, err := o.Start(context.Background(), "sync", "historical_sync", "Sync NSE", map[string]interface{}{"exchange": "NSE"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStarted, run.Status)
	assert.NotNil(t, run.StartedAt)
	require.Len(t, store.logs, 1)
}

func TestProgressEmitsLogOnlyAtTenPercentBoundaries(t *testing.T) {
	store := newFakeTaskStore()
	o := New(store, time.UTC, zerolog.Nop())
	run, err := o.Start(context.Background(), "sync", "historical_sync", "", nil)
	require.NoError(t, err)

	require.NoError(t, o.Progress(context.Background(), &run, 1, 1, "5%", 5, 100))
	require.NoError(t, o.Progress(context.Background(), &run, 1, 1, "8%", 8, 100))
	require.NoError(t, o.Progress(context.Background(), &run, 1, 1, "12%", 12, 100))

	assert.Equal(t, 12, run.ProgressPercentage)
	// "task started" log from Start, plus exactly one log for crossing
	// the 10% boundary at 12% -- 5% and 8% stay within the same decile.
	assert.Len(t, store.logs, 2)
}

func TestProgressMirrorsStepAndUpdatesRun(t *testing.T) {
	store := newFakeTaskStore()
	o := New(store, time.UTC, zerolog.Nop())
	run, err := o.Start(context.Background(), "sync", "historical_sync", "", nil)
	require.NoError(t, err)

	require.NoError(t, o.Progress(context.Background(), &run, 2, 5, "halfway", 50, 100))

	step, ok := store.steps[run.ID.String()+"/"+stepNameFor(2)]
	require.True(t, ok)
	assert.Equal(t, domain.TaskProgress, step.Status)
	assert.Equal(t, 50, store.runs[run.ID].ProgressPercentage)
}

func TestCompleteSuccessSetsCompletionFields(t *testing.T) {
	store := newFakeTaskStore()
	o := New(store, time.UTC, zerolog.Nop())
	run, err := o.Start(context.Background(), "sync", "historical_sync", "", nil)
	require.NoError(t, err)

	completed, err := o.Complete(context.Background(), run, domain.TaskSuccess, map[string]interface{}{"rows": float64(100)}, "", "", "")
	require.NoError(t, err)

	assert.Equal(t, domain.TaskSuccess, completed.Status)
	assert.Equal(t, 100, completed.ProgressPercentage)
	require.NotNil(t, completed.CompletedAt)
	require.NotNil(t, completed.ExecutionTimeSeconds)
}

func TestCompleteFailureForcesCurrentStepToFailure(t *testing.T) {
	store := newFakeTaskStore()
	o := New(store, time.UTC, zerolog.Nop())
	run, err := o.Start(context.Background(), "sync", "historical_sync", "", nil)
	require.NoError(t, err)
	require.NoError(t, o.Progress(context.Background(), &run, 3, 5, "working", 10, 100))

	completed, err := o.Complete(context.Background(), run, domain.TaskFailure, nil, "boom", "trace", "transient")
	require.NoError(t, err)

	assert.Equal(t, domain.TaskFailure, completed.Status)
	step := store.steps[completed.ID.String()+"/"+stepNameFor(3)]
	assert.Equal(t, domain.TaskFailure, step.Status)
}

func TestCancelRejectsAlreadyTerminalTask(t *testing.T) {
	store := newFakeTaskStore()
	o := New(store, time.UTC, zerolog.Nop())
	run, err := o.Start(context.Background(), "sync", "historical_sync", "", nil)
	require.NoError(t, err)

	completed, err := o.Complete(context.Background(), run, domain.TaskSuccess, nil, "", "", "")
	require.NoError(t, err)

	_, err = o.Cancel(context.Background(), completed)
	assert.Error(t, err)
}

func TestRetryCreatesNewLinkedTaskRunPreservingParameters(t *testing.T) {
	store := newFakeTaskStore()
	o := New(store, time.UTC, zerolog.Nop())
	run, err := o.Start(context.Background(), "sync", "historical_sync", "", map[string]interface{}{"exchange": "NSE"})
	require.NoError(t, err)

	failed, err := o.Complete(context.Background(), run, domain.TaskFailure, nil, "boom", "", "")
	require.NoError(t, err)

	retried, err := o.Retry(context.Background(), failed)
	require.NoError(t, err)

	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, domain.TaskStarted, retried.Status)
	assert.Equal(t, "NSE", retried.InputParameters["exchange"])
	assert.Contains(t, retried.Description, failed.ID.String())
}

func TestRetryRejectsNonTerminalTask(t *testing.T) {
	store := newFakeTaskStore()
	o := New(store, time.UTC, zerolog.Nop())
	run, err := o.Start(context.Background(), "sync", "historical_sync", "", nil)
	require.NoError(t, err)

	_, err = o.Retry(context.Background(), run)
	assert.Error(t, err)
}
