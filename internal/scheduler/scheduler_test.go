package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantpulse/internal/domain"
	"github.com/aristath/quantpulse/internal/orchestrator"
	"github.com/aristath/quantpulse/internal/work"
)

type fakeTaskStore struct {
	runs map[string]domain.TaskRun
}

func newFakeTaskStore() *fakeTaskStore { return &fakeTaskStore{runs: make(map[string]domain.TaskRun)} }

func (f *fakeTaskStore) CreateTaskRun(ctx context.Context, t domain.TaskRun) (domain.TaskRun, error) {
	f.runs[t.ID.String()] = t
	return t, nil
}
func (f *fakeTaskStore) UpdateTaskRun(ctx context.Context, t domain.TaskRun) error {
	f.runs[t.ID.String()] = t
	return nil
}
func (f *fakeTaskStore) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	if r, ok := f.runs[id]; ok {
		return &r, nil
	}
	return nil, nil
}
func (f *fakeTaskStore) UpsertTaskStep(ctx context.Context, s domain.TaskStep) error { return nil }
func (f *fakeTaskStore) AppendTaskLog(ctx context.Context, l domain.TaskLog) error   { return nil }
func (f *fakeTaskStore) ListRecentTaskRuns(ctx context.Context, taskType string, limit int) ([]domain.TaskRun, error) {
	return nil, nil
}

func TestScheduleEODSyncAddsThirtyMinuteSettleWindow(t *testing.T) {
	store := newFakeTaskStore()
	orch := orchestrator.New(store, time.UTC, zerolog.Nop())
	s := New(orch, time.UTC, zerolog.Nop())

	require.NoError(t, s.ScheduleEODSync("15:30", "ohlcv:eod_sync"))

	entries := s.cron.Entries()
	require.Len(t, entries, 1)

	// 15:30 close plus 30 minutes: next run after Monday noon is Monday 16:00.
	next := entries[0].Schedule.Next(time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, "2025-01-06 16:00", next.UTC().Format("2006-01-02 15:04"))
}

func TestScheduleEODSyncRejectsBadTimeFormat(t *testing.T) {
	store := newFakeTaskStore()
	orch := orchestrator.New(store, time.UTC, zerolog.Nop())
	s := New(orch, time.UTC, zerolog.Nop())

	err := s.ScheduleEODSync("not-a-time", "ohlcv:eod_sync")
	assert.Error(t, err)
}

func TestScheduleWeeklyAggregationRegistersOneEntry(t *testing.T) {
	store := newFakeTaskStore()
	orch := orchestrator.New(store, time.UTC, zerolog.Nop())
	s := New(orch, time.UTC, zerolog.Nop())

	require.NoError(t, s.ScheduleWeeklyAggregation("weekly:aggregate"))
	assert.Len(t, s.cron.Entries(), 1)
}

func TestRunScheduledCompletesTaskRunOnSuccess(t *testing.T) {
	store := newFakeTaskStore()
	orch := orchestrator.New(store, time.UTC, zerolog.Nop())
	s := New(orch, time.UTC, zerolog.Nop())

	wt := &work.WorkType{ID: "catalog:import"}
	s.RegisterJob(wt, "catalog:import", func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"imported": float64(10)}, nil
	})

	s.runScheduled("catalog:import")

	var found domain.TaskRun
	for _, r := range store.runs {
		found = r
	}
	assert.Equal(t, domain.TaskSuccess, found.Status)
	assert.Equal(t, float64(10), found.ResultData["imported"])
}

func TestRunScheduledMarksTaskRunFailedOnJobError(t *testing.T) {
	store := newFakeTaskStore()
	orch := orchestrator.New(store, time.UTC, zerolog.Nop())
	s := New(orch, time.UTC, zerolog.Nop())

	wt := &work.WorkType{ID: "weekly:aggregate"}
	s.RegisterJob(wt, "weekly:aggregate", func(ctx context.Context) (map[string]interface{}, error) {
		return nil, assert.AnError
	})

	s.runScheduled("weekly:aggregate")

	var found domain.TaskRun
	for _, r := range store.runs {
		found = r
	}
	assert.Equal(t, domain.TaskFailure, found.Status)
	assert.Equal(t, assert.AnError.Error(), found.ErrorMessage)
}

func TestRunScheduledLogsErrorForUnknownWorkType(t *testing.T) {
	store := newFakeTaskStore()
	orch := orchestrator.New(store, time.UTC, zerolog.Nop())
	s := New(orch, time.UTC, zerolog.Nop())

	s.runScheduled("does-not-exist")
	assert.Empty(t, store.runs)
}
