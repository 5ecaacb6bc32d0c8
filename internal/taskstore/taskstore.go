// Package taskstore persists TaskRun/TaskStep/TaskLog rows (the
// durable half of C10) to the tasks schema, msgpack-encoding the free-form
// parameter/result/extra maps into BLOB columns the same way the teacher
// encodes structured payloads for storage.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/quantpulse/internal/database"
	"github.com/aristath/quantpulse/internal/domain"
)

// Store implements domain.TaskStore.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// New builds a Store.
func New(db *database.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "task-store").Logger()}
}

// CreateTaskRun inserts a new TaskRun.
func (s *Store) CreateTaskRun(ctx context.Context, t domain.TaskRun) (domain.TaskRun, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.LastHeartbeat.IsZero() {
		t.LastHeartbeat = time.Now()
	}

	params, err := encode(t.InputParameters)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("encode input parameters: %w", err)
	}
	result, err := encode(t.ResultData)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("encode result data: %w", err)
	}

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, external_task_id, task_name, task_type, title, status,
			progress_percentage, current_message, current_step, total_steps, started_at,
			completed_at, execution_time_seconds, retry_count, input_parameters, result_data,
			error_message, error_traceback, error_category, description, actor_id, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID.String(), t.ExternalTaskID, t.TaskName, t.TaskType, t.Title, string(t.Status),
		t.ProgressPercentage, t.CurrentMessage, t.CurrentStep, t.TotalSteps,
		nullableUnix(t.StartedAt), nullableUnix(t.CompletedAt), t.ExecutionTimeSeconds,
		t.RetryCount, params, result, t.ErrorMessage, t.ErrorTraceback, t.ErrorCategory,
		t.Description, t.ActorID, t.LastHeartbeat.Unix())
	if execErr != nil {
		return domain.TaskRun{}, fmt.Errorf("insert task run: %w", execErr)
	}

	return t, nil
}

// UpdateTaskRun persists the full current state of an existing TaskRun.
func (s *Store) UpdateTaskRun(ctx context.Context, t domain.TaskRun) error {
	params, err := encode(t.InputParameters)
	if err != nil {
		return fmt.Errorf("encode input parameters: %w", err)
	}
	result, err := encode(t.ResultData)
	if err != nil {
		return fmt.Errorf("encode result data: %w", err)
	}

	_, execErr := s.db.ExecContext(ctx, `
		UPDATE task_runs SET
			status = ?, progress_percentage = ?, current_message = ?, current_step = ?,
			total_steps = ?, started_at = ?, completed_at = ?, execution_time_seconds = ?,
			retry_count = ?, input_parameters = ?, result_data = ?, error_message = ?,
			error_traceback = ?, error_category = ?, description = ?, last_heartbeat = ?
		WHERE id = ?
	`, string(t.Status), t.ProgressPercentage, t.CurrentMessage, t.CurrentStep, t.TotalSteps,
		nullableUnix(t.StartedAt), nullableUnix(t.CompletedAt), t.ExecutionTimeSeconds,
		t.RetryCount, params, result, t.ErrorMessage, t.ErrorTraceback, t.ErrorCategory,
		t.Description, t.LastHeartbeat.Unix(), t.ID.String())
	if execErr != nil {
		return fmt.Errorf("update task run %s: %w", t.ID, execErr)
	}
	return nil
}

// GetTaskRun fetches a TaskRun by id, or nil if it does not exist.
func (s *Store) GetTaskRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_task_id, task_name, task_type, title, status, progress_percentage,
			current_message, current_step, total_steps, started_at, completed_at,
			execution_time_seconds, retry_count, input_parameters, result_data, error_message,
			error_traceback, error_category, description, actor_id, last_heartbeat
		FROM task_runs WHERE id = ?
	`, id)

	t, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task run %s: %w", id, err)
	}
	return t, nil
}

// UpsertTaskStep inserts a step, or updates it on (task_run_id, step_name)
// conflict -- step_order is only assigned on first creation.
func (s *Store) UpsertTaskStep(ctx context.Context, step domain.TaskStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.UpdatedAt.IsZero() {
		step.UpdatedAt = time.Now()
	}

	result, err := encode(step.ResultData)
	if err != nil {
		return fmt.Errorf("encode step result data: %w", err)
	}

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO task_steps (id, task_run_id, step_name, step_order, title, status, result_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_run_id, step_name) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			result_data = excluded.result_data,
			updated_at = excluded.updated_at
	`, step.ID.String(), step.TaskRunID.String(), step.StepName, step.StepOrder, step.Title,
		string(step.Status), result, step.UpdatedAt.Unix())
	if execErr != nil {
		return fmt.Errorf("upsert task step %s/%s: %w", step.TaskRunID, step.StepName, execErr)
	}
	return nil
}

// AppendTaskLog inserts an append-only log entry.
func (s *Store) AppendTaskLog(ctx context.Context, l domain.TaskLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}

	extra, err := encode(l.ExtraData)
	if err != nil {
		return fmt.Errorf("encode log extra data: %w", err)
	}

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (id, task_run_id, created_at, level, message, extra_data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID.String(), l.TaskRunID.String(), l.CreatedAt.Unix(), string(l.Level), l.Message, extra)
	if execErr != nil {
		return fmt.Errorf("append task log for %s: %w", l.TaskRunID, execErr)
	}
	return nil
}

// ListRecentTaskRuns returns the most recent task runs of a given type
// (empty matches any type), most recent first.
func (s *Store) ListRecentTaskRuns(ctx context.Context, taskType string, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	baseQuery := `
		SELECT id, external_task_id, task_name, task_type, title, status, progress_percentage,
			current_message, current_step, total_steps, started_at, completed_at,
			execution_time_seconds, retry_count, input_parameters, result_data, error_message,
			error_traceback, error_category, description, actor_id, last_heartbeat
		FROM task_runs
	`
	if taskType == "" {
		rows, err = s.db.QueryContext(ctx, baseQuery+" ORDER BY last_heartbeat DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, baseQuery+" WHERE task_type = ? ORDER BY last_heartbeat DESC LIMIT ?", taskType, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list recent task runs: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskRun
	for rows.Next() {
		t, err := scanTaskRunRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func encode(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return msgpack.Marshal(m)
}

func decode(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRun(row rowScanner) (*domain.TaskRun, error) {
	return scanTaskRunInto(row)
}

func scanTaskRunRows(row rowScanner) (*domain.TaskRun, error) {
	return scanTaskRunInto(row)
}

func scanTaskRunInto(row rowScanner) (*domain.TaskRun, error) {
	var t domain.TaskRun
	var status string
	var startedAt, completedAt sql.NullInt64
	var executionSeconds sql.NullFloat64
	var inputParams, resultData []byte
	var lastHeartbeat int64

	if err := row.Scan(&t.ID, &t.ExternalTaskID, &t.TaskName, &t.TaskType, &t.Title, &status,
		&t.ProgressPercentage, &t.CurrentMessage, &t.CurrentStep, &t.TotalSteps, &startedAt,
		&completedAt, &executionSeconds, &t.RetryCount, &inputParams, &resultData,
		&t.ErrorMessage, &t.ErrorTraceback, &t.ErrorCategory, &t.Description, &t.ActorID,
		&lastHeartbeat); err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	t.LastHeartbeat = time.Unix(lastHeartbeat, 0).UTC()

	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0).UTC()
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0).UTC()
		t.CompletedAt = &ts
	}
	if executionSeconds.Valid {
		t.ExecutionTimeSeconds = &executionSeconds.Float64
	}

	var err error
	if t.InputParameters, err = decode(inputParams); err != nil {
		return nil, fmt.Errorf("decode input parameters: %w", err)
	}
	if t.ResultData, err = decode(resultData); err != nil {
		return nil, fmt.Errorf("decode result data: %w", err)
	}

	return &t, nil
}
