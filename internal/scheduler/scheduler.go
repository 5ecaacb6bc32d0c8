// Package scheduler wires the cron triggers for C10's two scheduled job
// kinds -- EOD daily sync and weekly aggregation -- onto the work
// registry and orchestrator, and exposes heartbeat metrics for the
// running process the way the teacher's deployment surfaced gopsutil
// stats for its own long-running workers.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/quantpulse/internal/domain"
	"github.com/aristath/quantpulse/internal/orchestrator"
	"github.com/aristath/quantpulse/internal/work"
)

// JobFunc runs one orchestrated job end to end, returning the result
// data to attach to the TaskRun on success.
type JobFunc func(ctx context.Context) (map[string]interface{}, error)

// Scheduler registers WorkTypes against a cron clock and runs them
// through the orchestrator's TaskRun lifecycle.
type Scheduler struct {
	cron         *cron.Cron
	registry     *work.Registry
	orchestrator *orchestrator.Orchestrator
	loc          *time.Location
	jobs         map[string]JobFunc
	log          zerolog.Logger
}

// New builds a Scheduler running its cron clock in loc.
func New(orch *orchestrator.Orchestrator, loc *time.Location, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:         cron.New(cron.WithLocation(loc)),
		registry:     work.NewRegistry(),
		orchestrator: orch,
		loc:          loc,
		jobs:         make(map[string]JobFunc),
		log:          log.With().Str("component", "scheduler").Logger(),
	}
}

// RegisterJob associates a WorkType with the function that actually runs
// it, so the scheduler can dispatch a TaskRun to it by type ID.
func (s *Scheduler) RegisterJob(wt *work.WorkType, taskType string, fn JobFunc) {
	s.registry.Register(wt)
	s.jobs[wt.ID] = fn
}

// ScheduleEODSync registers the daily EOD sync entry at marketCloseHHMM
// plus a 30 minute settle window, on weekdays only (the upstream market
// is assumed closed on weekends; a holiday calendar is an external
// collaborator this module does not own).
func (s *Scheduler) ScheduleEODSync(marketCloseHHMM string, workTypeID string) error {
	closeTime, err := time.ParseInLocation("15:04", marketCloseHHMM, s.loc)
	if err != nil {
		return fmt.Errorf("parse market close time %q: %w", marketCloseHHMM, err)
	}
	settled := closeTime.Add(30 * time.Minute)

	spec := fmt.Sprintf("%d %d * * 1-5", settled.Minute(), settled.Hour())
	_, err = s.cron.AddFunc(spec, func() { s.runScheduled(workTypeID) })
	if err != nil {
		return fmt.Errorf("schedule eod sync cron entry: %w", err)
	}
	return nil
}

// ScheduleWeeklyAggregation registers the Sunday 02:00 market-TZ weekly
// aggregation entry.
func (s *Scheduler) ScheduleWeeklyAggregation(workTypeID string) error {
	_, err := s.cron.AddFunc("0 2 * * 0", func() { s.runScheduled(workTypeID) })
	if err != nil {
		return fmt.Errorf("schedule weekly aggregation cron entry: %w", err)
	}
	return nil
}

// Start begins the cron clock. Stop must be called to release it.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight cron invocation completes.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) runScheduled(workTypeID string) {
	fn, ok := s.jobs[workTypeID]
	if !ok {
		s.log.Error().Str("work_type", workTypeID).Msg("no job function registered for scheduled work type")
		return
	}

	ctx := context.Background()
	run, err := s.orchestrator.Start(ctx, workTypeID, workTypeID, "scheduled run", nil)
	if err != nil {
		s.log.Error().Err(err).Str("work_type", workTypeID).Msg("failed to start scheduled task run")
		return
	}

	result, jobErr := fn(ctx)
	status := domain.TaskSuccess
	errMsg := ""
	if jobErr != nil {
		status = domain.TaskFailure
		errMsg = jobErr.Error()
	}

	if _, err := s.orchestrator.Complete(ctx, run, status, result, errMsg, "", ""); err != nil {
		s.log.Error().Err(err).Str("work_type", workTypeID).Msg("failed to complete scheduled task run")
	}
}

// Heartbeat is a lightweight process-health snapshot, mirroring the
// gopsutil-backed metrics the teacher attached to its own worker
// heartbeats.
type Heartbeat struct {
	CPUPercent    float64
	MemoryPercent float64
	Timestamp     time.Time
}

// ReadHeartbeat samples current CPU and memory usage.
func ReadHeartbeat(ctx context.Context) (Heartbeat, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("sample memory: %w", err)
	}

	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	return Heartbeat{CPUPercent: cpuPct, MemoryPercent: vm.UsedPercent, Timestamp: time.Now()}, nil
}
