package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/batch"
	"batchd/config"
)

func plannerJob(id, name string, priority int, rule string) batch.Job {
	return batch.Job{
		ID:             id,
		Name:           name,
		Priority:       priority,
		RepeatInterval: rule,
		Timezone:       "UTC",
		StartDate:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestExecutionOrderGroupsByAscendingPriority(t *testing.T) {
	p := NewPlanner(config.WorkflowConfig{})
	require.NoError(t, p.AddJob(plannerJob("job-c", "c", 3, "FREQ=DAILY")))
	require.NoError(t, p.AddJob(plannerJob("job-a", "a", 1, "FREQ=DAILY")))
	require.NoError(t, p.AddJob(plannerJob("job-b", "b", 2, "FREQ=DAILY")))

	groups := p.ExecutionOrder()
	require.Len(t, groups, 3)
	assert.Equal(t, "job-a", groups[0][0].ID)
	assert.Equal(t, "job-b", groups[1][0].ID)
	assert.Equal(t, "job-c", groups[2][0].ID)
}

func TestExecutionOrderWithinGroupIsDeterministic(t *testing.T) {
	// Same priority: frequency rank first, then interval, then job id.
	p := NewPlanner(config.WorkflowConfig{})
	require.NoError(t, p.AddJob(plannerJob("job-weekly", "w", 1, "FREQ=WEEKLY")))
	require.NoError(t, p.AddJob(plannerJob("job-hourly-5", "h5", 1, "FREQ=HOURLY;INTERVAL=5")))
	require.NoError(t, p.AddJob(plannerJob("job-hourly-2", "h2", 1, "FREQ=HOURLY;INTERVAL=2")))
	require.NoError(t, p.AddJob(plannerJob("job-daily-b", "db", 1, "FREQ=DAILY")))
	require.NoError(t, p.AddJob(plannerJob("job-daily-a", "da", 1, "FREQ=DAILY")))

	groups := p.ExecutionOrder()
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 5)

	got := make([]string, len(groups[0]))
	for i, job := range groups[0] {
		got[i] = job.ID
	}
	assert.Equal(t, []string{"job-hourly-2", "job-hourly-5", "job-daily-a", "job-daily-b", "job-weekly"}, got)
}

func TestAddJobRejectsPriorityOutOfRange(t *testing.T) {
	p := NewPlanner(config.WorkflowConfig{MaxPriority: 10})

	err := p.AddJob(plannerJob("job-1", "a", 0, "FREQ=DAILY"))
	assert.Error(t, err)

	err = p.AddJob(plannerJob("job-2", "b", 11, "FREQ=DAILY"))
	assert.Error(t, err)

	assert.Zero(t, p.Len())
}

func TestAddJobRejectsIntervalOutOfRange(t *testing.T) {
	p := NewPlanner(config.WorkflowConfig{MaxInterval: 100})

	err := p.AddJob(plannerJob("job-1", "a", 1, "FREQ=MINUTELY;INTERVAL=500"))
	assert.Error(t, err)
	assert.Zero(t, p.Len())
}

func TestAddJobRejectsInvalidRule(t *testing.T) {
	p := NewPlanner(config.WorkflowConfig{})

	err := p.AddJob(plannerJob("job-1", "a", 1, "EVERY=DAY"))
	assert.Error(t, err)
	assert.Zero(t, p.Len())
}

func TestAddJobKeepsDuplicateNames(t *testing.T) {
	// Two members may share a name and priority; both are planned, the
	// conflict is only logged.
	p := NewPlanner(config.WorkflowConfig{})
	require.NoError(t, p.AddJob(plannerJob("job-1", "same", 1, "FREQ=DAILY")))
	require.NoError(t, p.AddJob(plannerJob("job-2", "same", 1, "FREQ=DAILY")))

	groups := p.ExecutionOrder()
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 2)
}
