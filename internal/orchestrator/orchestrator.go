// Package orchestrator implements the job orchestrator (C10): the
// generic TaskRun/TaskStep/TaskLog state machine that every ingestion
// job (C6/C7/C8/C9) reports progress through, the same way the
// teacher's work registry tracked long-running jobs, generalized here
// to the spec's PENDING..SUCCESS/FAILURE/CANCELLED/REVOKED lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/domain"
)

// Orchestrator drives TaskRun/TaskStep/TaskLog state through a TaskStore.
type Orchestrator struct {
	store domain.TaskStore
	loc   *time.Location
	log   zerolog.Logger
}

// New builds an Orchestrator. loc is the market timezone used to stamp
// completion times.
func New(store domain.TaskStore, loc *time.Location, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: store, loc: loc, log: log.With().Str("component", "orchestrator").Logger()}
}

// Start creates a new TaskRun in STARTED state and returns it.
func (o *Orchestrator) Start(ctx context.Context, taskName, taskType, title string, params map[string]interface{}) (domain.TaskRun, error) {
	now := time.Now()
	run := domain.TaskRun{
		ID: uuid.New(), TaskName: taskName, TaskType: taskType, Title: title,
		Status: domain.TaskStarted, StartedAt: &now, InputParameters: params,
		LastHeartbeat: now,
	}

	created, err := o.store.CreateTaskRun(ctx, run)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("create task run: %w", err)
	}

	if err := o.store.AppendTaskLog(ctx, domain.TaskLog{
		TaskRunID: created.ID, Level: domain.LogInfo, Message: "task started",
	}); err != nil {
		o.log.Warn().Err(err).Msg("failed to append start log")
	}

	return created, nil
}

// StartStep creates or re-opens a step as STARTED. stepOrder is only
// honored the first time a step name is seen; recreating it updates
// status/title in place per spec.md's step semantics.
func (o *Orchestrator) StartStep(ctx context.Context, run domain.TaskRun, stepName, title string, stepOrder int) error {
	return o.store.UpsertTaskStep(ctx, domain.TaskStep{
		TaskRunID: run.ID, StepName: stepName, StepOrder: stepOrder, Title: title,
		Status: domain.TaskStarted,
	})
}

// Progress atomically updates the TaskRun's progress fields, mirrors the
// update into the current step, and emits an INFO log only when crossing
// a 10% boundary or when current == total -- bounding log volume the way
// spec.md's progress propagation rule requires.
func (o *Orchestrator) Progress(ctx context.Context, run *domain.TaskRun, currentStep, totalSteps int, message string, current, total int) error {
	prevPercentage := run.ProgressPercentage

	percentage := 0
	if total > 0 {
		percentage = int(math.Round(float64(current) / float64(total) * 100))
	}

	run.ProgressPercentage = percentage
	run.CurrentMessage = message
	run.CurrentStep = currentStep
	run.TotalSteps = totalSteps
	run.Status = domain.TaskProgress
	run.LastHeartbeat = time.Now()

	if err := o.store.UpdateTaskRun(ctx, *run); err != nil {
		return fmt.Errorf("update task run progress: %w", err)
	}

	if err := o.store.UpsertTaskStep(ctx, domain.TaskStep{
		TaskRunID: run.ID, StepName: stepNameFor(currentStep), StepOrder: currentStep,
		Status: domain.TaskProgress,
	}); err != nil {
		o.log.Warn().Err(err).Msg("failed to mirror progress into step")
	}

	crossedBoundary := percentage/10 != prevPercentage/10
	if crossedBoundary || current == total {
		if err := o.store.AppendTaskLog(ctx, domain.TaskLog{
			TaskRunID: run.ID, Level: domain.LogInfo, Message: message,
			ExtraData: map[string]interface{}{"current": float64(current), "total": float64(total)},
		}); err != nil {
			o.log.Warn().Err(err).Msg("failed to append progress log")
		}
	}

	return nil
}

func stepNameFor(n int) string {
	return fmt.Sprintf("step-%d", n)
}

// Complete transitions a TaskRun to a terminal status, forcing any
// non-terminal current step to FAILURE when status is FAILURE, and
// stamping completion time in the market timezone.
func (o *Orchestrator) Complete(ctx context.Context, run domain.TaskRun, status domain.TaskStatus, resultData map[string]interface{}, errMsg, errTraceback, errCategory string) (domain.TaskRun, error) {
	if !status.IsTerminal() {
		return domain.TaskRun{}, fmt.Errorf("complete called with non-terminal status %s", status)
	}

	now := time.Now().In(o.loc)
	run.Status = status
	run.CompletedAt = &now
	run.ResultData = resultData
	run.ErrorMessage = errMsg
	run.ErrorTraceback = errTraceback
	run.ErrorCategory = errCategory
	run.LastHeartbeat = time.Now()

	if run.StartedAt != nil {
		elapsed := now.Sub(*run.StartedAt).Seconds()
		run.ExecutionTimeSeconds = &elapsed
	}
	if status == domain.TaskSuccess {
		run.ProgressPercentage = 100
	}

	if status == domain.TaskFailure {
		if err := o.store.UpsertTaskStep(ctx, domain.TaskStep{
			TaskRunID: run.ID, StepName: stepNameFor(run.CurrentStep), StepOrder: run.CurrentStep,
			Status: domain.TaskFailure,
		}); err != nil {
			o.log.Warn().Err(err).Msg("failed to force current step to failure")
		}
	}

	if err := o.store.UpdateTaskRun(ctx, run); err != nil {
		return domain.TaskRun{}, fmt.Errorf("update task run on completion: %w", err)
	}

	logLevel := domain.LogInfo
	if status == domain.TaskFailure {
		logLevel = domain.LogError
	}
	if err := o.store.AppendTaskLog(ctx, domain.TaskLog{
		TaskRunID: run.ID, Level: logLevel, Message: fmt.Sprintf("task %s", status),
	}); err != nil {
		o.log.Warn().Err(err).Msg("failed to append completion log")
	}

	return run, nil
}

// Cancel marks a task CANCELLED. Only non-terminal tasks may be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, run domain.TaskRun) (domain.TaskRun, error) {
	if run.Status.IsTerminal() {
		return domain.TaskRun{}, fmt.Errorf("cannot cancel task %s already in terminal status %s", run.ID, run.Status)
	}
	return o.Complete(ctx, run, domain.TaskCancelled, run.ResultData, "", "", "")
}

// Retry creates a new TaskRun linked to the original by a note in its
// description, preserving input parameters, as spec.md requires -- the
// original TaskRun is left untouched.
func (o *Orchestrator) Retry(ctx context.Context, original domain.TaskRun) (domain.TaskRun, error) {
	if original.Status != domain.TaskFailure && original.Status != domain.TaskCancelled && original.Status != domain.TaskRevoked {
		return domain.TaskRun{}, fmt.Errorf("cannot retry task %s in status %s", original.ID, original.Status)
	}

	now := time.Now()
	retry := domain.TaskRun{
		ID: uuid.New(), TaskName: original.TaskName, TaskType: original.TaskType, Title: original.Title,
		Status: domain.TaskStarted, StartedAt: &now, InputParameters: original.InputParameters,
		RetryCount: original.RetryCount + 1, LastHeartbeat: now,
		Description: fmt.Sprintf("retry of task %s", original.ID),
	}

	created, err := o.store.CreateTaskRun(ctx, retry)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("create retry task run: %w", err)
	}
	return created, nil
}
