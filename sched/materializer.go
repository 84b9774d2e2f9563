// Package sched runs the schedule materializer: the polling loop that turns
// job and workflow recurrences into concrete trigger rows and broker entries.
// Multiple scheduler instances may run concurrently; the per-entity lock and
// the in-lock cooldown check keep materialization single-shot.
package sched

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchd/batch"
	"batchd/broker"
	"batchd/config"
	"batchd/errors"
	"batchd/lifecycle"
	"batchd/lock"
	"batchd/logger"
	"batchd/rrule"
	"batchd/workflow"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultCooldown     = 60 * time.Second
	defaultLockTTL      = 5 * time.Minute
)

// Materializer is the scheduler's polling engine. Each cycle it finds jobs
// and workflows whose next occurrence has no live trigger and, under a
// per-entity lock, arms one trigger plus the matching broker entry.
type Materializer struct {
	jobs      *batch.JobStore
	tasks     *batch.TaskStore
	workflows *batch.WorkflowStore
	triggers  *batch.TriggerStore
	queue     *broker.Queue
	locks     *lock.Manager

	mu       sync.RWMutex
	interval time.Duration
	cooldown time.Duration
	lockTTL  time.Duration

	log *zap.SugaredLogger
	now func() time.Time
}

// New builds a materializer over the shared database.
func New(conn *sql.DB, queue *broker.Queue, cfg config.SchedulerConfig) *Materializer {
	interval := cfg.PollInterval()
	if interval <= 0 {
		interval = defaultPollInterval
	}
	cooldown := cfg.Cooldown()
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	lockTTL := cfg.LockTTL()
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	return &Materializer{
		jobs:      batch.NewJobStore(conn),
		tasks:     batch.NewTaskStore(conn),
		workflows: batch.NewWorkflowStore(conn),
		triggers:  batch.NewTriggerStore(conn),
		queue:     queue,
		locks:     lock.NewManager(conn),
		interval:  interval,
		cooldown:  cooldown,
		lockTTL:   lockTTL,
		log:       logger.Named("sched"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UpdateSettings applies new polling settings from a config reload; the
// running loop picks them up on its next cycle.
func (m *Materializer) UpdateSettings(cfg config.SchedulerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := cfg.PollInterval(); v > 0 {
		m.interval = v
	}
	if v := cfg.Cooldown(); v > 0 {
		m.cooldown = v
	}
	if v := cfg.LockTTL(); v > 0 {
		m.lockTTL = v
	}
	m.log.Infow("scheduler settings updated",
		"interval", m.interval,
		"cooldown", m.cooldown,
		"lock_ttl", m.lockTTL,
	)
}

func (m *Materializer) pollInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

func (m *Materializer) cooldownWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cooldown
}

func (m *Materializer) lockTTLValue() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lockTTL
}

// Run executes cycles until the context is cancelled. A cycle's elapsed time
// counts against the interval, so a slow cycle does not drift the loop.
func (m *Materializer) Run(ctx context.Context) error {
	m.log.Infow("schedule materializer started",
		"interval", m.pollInterval(),
		"cooldown", m.cooldownWindow(),
	)

	for {
		started := m.now()
		m.Cycle(ctx)

		sleep := m.pollInterval() - m.now().Sub(started)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			m.log.Infow("schedule materializer stopped")
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Cycle runs one materialization pass. A single candidate's failure is
// logged and never aborts the rest of the pass.
func (m *Materializer) Cycle(ctx context.Context) {
	now := m.now()

	activeOwners, err := m.activeOwners()
	if err != nil {
		m.log.Errorw("failed to collect active triggers", "error", err)
		return
	}

	jobs, err := m.jobs.ListMissingJobs(now)
	if err != nil {
		m.log.Errorw("failed to list candidate jobs", "error", err)
		jobs = nil
	}
	workflows, err := m.workflows.ListMissingWorkflows()
	if err != nil {
		m.log.Errorw("failed to list candidate workflows", "error", err)
		workflows = nil
	}

	enqueuedOwners, err := m.enqueuedOwners(jobs, workflows)
	if err != nil {
		m.log.Errorw("failed to peek pending broker entries", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if activeOwners[job.ID] || enqueuedOwners[job.ID] {
			continue
		}
		if err := m.materializeJob(job, now); err != nil {
			m.log.Errorw("failed to materialize job schedule", "job_id", job.ID, "error", err)
		}
	}

	for _, wf := range workflows {
		if ctx.Err() != nil {
			return
		}
		if activeOwners[wf.ID] || enqueuedOwners[wf.ID] {
			continue
		}
		if err := m.materializeWorkflow(wf, now); err != nil {
			m.log.Errorw("failed to materialize workflow schedule", "workflow_id", wf.ID, "error", err)
		}
	}
}

// activeOwners maps live triggers back to the job or workflow ids they serve.
func (m *Materializer) activeOwners() (map[string]bool, error) {
	active, err := m.triggers.ListActiveTriggers()
	if err != nil {
		return nil, err
	}
	owners := make(map[string]bool, len(active))
	for _, tr := range active {
		owners[tr.Description] = true
	}
	return owners, nil
}

// enqueuedOwners resolves the candidates' queues' pending broker entries back
// to owner ids through their trigger rows. Work sitting unconsumed in the
// broker must not be materialized a second time even when its trigger row is
// already disabled.
func (m *Materializer) enqueuedOwners(jobs []*batch.Job, workflows []*batch.Workflow) (map[string]bool, error) {
	queues := make(map[string]bool)
	for _, job := range jobs {
		queues[job.QueueName] = true
	}
	for _, wf := range workflows {
		queues[wf.QueueName] = true
	}
	names := make([]string, 0, len(queues))
	for queue := range queues {
		names = append(names, queue)
	}

	pending, err := m.queue.PendingTriggerNames(names)
	if err != nil {
		return nil, err
	}

	owners := make(map[string]bool, len(pending))
	for name := range pending {
		tr, err := m.triggers.GetTriggerByName(name)
		if err != nil {
			if errors.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		owners[tr.Description] = true
	}
	return owners, nil
}

// materializeJob arms the job's next occurrence under the per-job lock: a
// trigger row, a CREATED execution placeholder, and the broker entry at the
// occurrence's ETA.
func (m *Materializer) materializeJob(job *batch.Job, now time.Time) error {
	lk, err := m.locks.Acquire(lock.MaterializerLockName(job.ID), m.lockTTLValue())
	if err != nil {
		if errors.IsLockHeld(err) {
			m.log.Debugw("job locked by another scheduler, skipping", "job_id", job.ID)
			return nil
		}
		return err
	}
	defer lk.Release()

	clear, err := m.ownerClear(job.ID, now)
	if err != nil || !clear {
		return err
	}

	next, err := rrule.Next(job.RepeatInterval, job.StartDate, job.EndDate,
		job.RunForever, job.RunCount, job.MaxRun, job.Timezone, now, false)
	if err != nil {
		return err
	}
	if next == nil {
		m.log.Infow("job schedule exhausted", "job_id", job.ID)
		return nil
	}

	// A placeholder left by an interrupted earlier attempt is reused.
	taskName := batch.TaskName(job.ID, *next)
	if _, err := m.tasks.GetTaskByName(taskName); err != nil {
		if !errors.IsNotFoundError(err) {
			return err
		}
		if err := m.tasks.CreateTask(&batch.TaskExecution{
			TaskName:   taskName,
			JobID:      job.ID,
			RunDate:    *next,
			RunAccount: job.RunAccount,
		}); err != nil {
			return err
		}
	}

	args, err := json.Marshal(lifecycle.RunArgs{
		JobID:      job.ID,
		TaskName:   taskName,
		RunAccount: job.RunAccount,
	})
	if err != nil {
		return err
	}
	if err := m.arm(&batch.Trigger{
		Name:        taskName,
		TaskTarget:  lifecycle.TargetJobRun,
		ETA:         *next,
		Queue:       job.QueueName,
		Args:        string(args),
		Enabled:     true,
		Description: job.ID,
	}, args); err != nil {
		return err
	}

	if err := m.jobs.UpdateNextRun(job.ID, next, batch.OperationRun); err != nil {
		m.log.Warnw("failed to stamp job next run date", "job_id", job.ID, "error", err)
	}

	m.log.Infow("job occurrence materialized",
		"job_id", job.ID,
		"task_name", taskName,
		"eta", next.Format(time.RFC3339),
	)
	return nil
}

// materializeWorkflow arms the workflow's next occurrence under its lock.
func (m *Materializer) materializeWorkflow(wf *batch.Workflow, now time.Time) error {
	lk, err := m.locks.Acquire(lock.MaterializerLockName(wf.ID), m.lockTTLValue())
	if err != nil {
		if errors.IsLockHeld(err) {
			m.log.Debugw("workflow locked by another scheduler, skipping", "workflow_id", wf.ID)
			return nil
		}
		return err
	}
	defer lk.Release()

	clear, err := m.ownerClear(wf.ID, now)
	if err != nil || !clear {
		return err
	}

	next, err := rrule.Next(wf.RepeatInterval, wf.StartDate, nil, false, 0, 0, wf.Timezone, now, false)
	if err != nil {
		return err
	}
	if next == nil {
		m.log.Infow("workflow schedule exhausted", "workflow_id", wf.ID)
		return nil
	}

	args, err := json.Marshal(workflow.RunWorkflowArgs{
		WorkflowID: wf.ID,
		StartTime:  next.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if err := m.arm(&batch.Trigger{
		Name:        uuid.NewString(),
		TaskTarget:  workflow.TargetWorkflowRun,
		ETA:         *next,
		Queue:       wf.QueueName,
		Args:        string(args),
		Enabled:     true,
		Description: wf.ID,
	}, args); err != nil {
		return err
	}

	if err := m.workflows.SetNextRunDate(wf.ID, next); err != nil {
		m.log.Warnw("failed to stamp workflow next run date", "workflow_id", wf.ID, "error", err)
	}

	m.log.Infow("workflow occurrence materialized",
		"workflow_id", wf.ID,
		"eta", next.Format(time.RFC3339),
	)
	return nil
}

// ownerClear re-checks the owner's latest trigger inside the lock: a live
// trigger, or a consumed one still inside the cooldown window, means another
// instance got here between the candidate scan and the lock.
func (m *Materializer) ownerClear(ownerID string, now time.Time) (bool, error) {
	latest, err := m.triggers.LatestByDescription(ownerID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return true, nil
		}
		return false, err
	}
	if latest.Enabled || !latest.Stale(now, m.cooldownWindow()) {
		m.log.Debugw("owner re-checked busy inside lock, skipping",
			"owner_id", ownerID,
			"trigger_name", latest.Name,
		)
		return false, nil
	}
	return true, nil
}

// arm writes the trigger row and its matching broker entry. A name collision
// with a consumed trigger for the same occurrence re-points and re-enables
// the existing row instead.
func (m *Materializer) arm(tr *batch.Trigger, args json.RawMessage) error {
	if err := m.triggers.CreateTrigger(tr); err != nil {
		if _, lookupErr := m.triggers.GetTriggerByName(tr.Name); lookupErr != nil {
			return err
		}
		if err := m.triggers.UpdateETA(tr.Name, tr.ETA, tr.Args); err != nil {
			return err
		}
	}
	if _, err := m.queue.Enqueue(&broker.Task{
		Queue:      tr.Queue,
		TaskTarget: tr.TaskTarget,
		Args:       args,
		RunAt:      tr.ETA,
		Headers:    map[string]string{broker.HeaderTriggerName: tr.Name},
	}); err != nil {
		return err
	}
	return nil
}
