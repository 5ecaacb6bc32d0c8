package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantpulse/internal/domain"
)

type fakeTaskStore struct {
	runs []domain.TaskRun
	err  error
}

func (f *fakeTaskStore) CreateTaskRun(ctx context.Context, t domain.TaskRun) (domain.TaskRun, error) {
	return t, nil
}
func (f *fakeTaskStore) UpdateTaskRun(ctx context.Context, t domain.TaskRun) error { return nil }
func (f *fakeTaskStore) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.runs {
		if r.ID.String() == id {
			return &r, nil
		}
	}
	return nil, nil
}
func (f *fakeTaskStore) UpsertTaskStep(ctx context.Context, s domain.TaskStep) error { return nil }
func (f *fakeTaskStore) AppendTaskLog(ctx context.Context, l domain.TaskLog) error   { return nil }
func (f *fakeTaskStore) ListRecentTaskRuns(ctx context.Context, taskType string, limit int) ([]domain.TaskRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.runs, nil
}

func newTestServer(store *fakeTaskStore) *Server {
	return New(Config{
		Port:      0,
		Log:       zerolog.Nop(),
		TaskStore: store,
		DevMode:   true,
	})
}

func TestHealthReturnsOKWithoutDatabases(t *testing.T) {
	s := newTestServer(&fakeTaskStore{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetTaskReturns404WhenMissing(t *testing.T) {
	s := newTestServer(&fakeTaskStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskReturnsTaskRunWhenPresent(t *testing.T) {
	id := uuid.New()
	store := &fakeTaskStore{runs: []domain.TaskRun{{ID: id, Status: domain.TaskSuccess, TaskType: "ohlcv:historical_sync"}}}
	s := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+id.String(), nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.TaskRun
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, domain.TaskSuccess, got.Status)
}

func TestListTasksReturnsRecentRuns(t *testing.T) {
	store := &fakeTaskStore{runs: []domain.TaskRun{
		{ID: uuid.New(), Status: domain.TaskStarted},
		{ID: uuid.New(), Status: domain.TaskSuccess},
	}}
	s := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got []domain.TaskRun
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Len(t, got, 2)
}

func TestListTasksReturns500OnStoreError(t *testing.T) {
	store := &fakeTaskStore{err: assert.AnError}
	s := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestShutdownStopsServerGracefully(t *testing.T) {
	s := newTestServer(&fakeTaskStore{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
