// Package workflow plans and drives workflow executions: member jobs are
// partitioned into ascending priority groups, each group fans out through the
// broker's group-then-callback primitive, and the join decides whether to
// cascade failure or advance to the next group.
package workflow

import (
	"sort"

	"go.uber.org/zap"

	"batchd/batch"
	"batchd/config"
	"batchd/errors"
	"batchd/logger"
	"batchd/rrule"
)

type plannedJob struct {
	job      batch.Job
	freq     rrule.Frequency
	interval int
}

// Planner collects a workflow's member jobs and produces their execution
// order. Jobs are validated as they are added; the order is computed once all
// members are in.
type Planner struct {
	maxInterval int
	maxPriority int
	jobs        []plannedJob
	log         *zap.SugaredLogger
}

// NewPlanner builds a planner bounded by the configured caps.
func NewPlanner(cfg config.WorkflowConfig) *Planner {
	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 1000
	}
	maxPriority := cfg.MaxPriority
	if maxPriority <= 0 {
		maxPriority = 100
	}
	return &Planner{
		maxInterval: maxInterval,
		maxPriority: maxPriority,
		log:         logger.Named("workflow"),
	}
}

// AddJob validates and registers a member job. Duplicate (name, priority)
// pairs are allowed but logged as a conflict so operators can spot
// misconfigured workflows.
func (p *Planner) AddJob(job batch.Job) error {
	if job.Priority <= 0 || job.Priority > p.maxPriority {
		return errors.Newf("job %s: priority %d out of range [1, %d]", job.ID, job.Priority, p.maxPriority)
	}

	freq, interval, err := rrule.Freq(job.RepeatInterval)
	if err != nil {
		return errors.Wrapf(err, "job %s", job.ID)
	}
	if interval <= 0 || interval > p.maxInterval {
		return errors.Newf("job %s: interval %d out of range [1, %d]", job.ID, interval, p.maxInterval)
	}

	for _, existing := range p.jobs {
		if existing.job.Name == job.Name && existing.job.Priority == job.Priority {
			p.log.Warnw("duplicate job name within priority group",
				"job_name", job.Name,
				"priority", job.Priority,
				"job_id", job.ID,
				"conflicts_with", existing.job.ID,
			)
		}
	}

	p.jobs = append(p.jobs, plannedJob{job: job, freq: freq, interval: interval})
	return nil
}

// Len returns the number of registered jobs.
func (p *Planner) Len() int {
	return len(p.jobs)
}

// ExecutionOrder partitions the registered jobs into priority groups,
// ascending. Within a group, jobs are totally ordered by (frequency rank,
// interval, job id) so fan-out is deterministic across runs even when jobs
// share a priority.
func (p *Planner) ExecutionOrder() [][]batch.Job {
	ordered := make([]plannedJob, len(p.jobs))
	copy(ordered, p.jobs)

	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.job.Priority != b.job.Priority {
			return a.job.Priority < b.job.Priority
		}
		if a.freq != b.freq {
			return a.freq < b.freq
		}
		if a.interval != b.interval {
			return a.interval < b.interval
		}
		return a.job.ID < b.job.ID
	})

	var groups [][]batch.Job
	for _, planned := range ordered {
		n := len(groups)
		if n == 0 || groups[n-1][0].Priority != planned.job.Priority {
			groups = append(groups, []batch.Job{planned.job})
			continue
		}
		groups[n-1] = append(groups[n-1], planned.job)
	}
	return groups
}
