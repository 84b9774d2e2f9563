package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/errors"
	qt "batchd/internal/testing"
)

func testTrigger(name, description string, eta time.Time) *Trigger {
	return &Trigger{
		Name:        name,
		TaskTarget:  "job.run",
		ETA:         eta,
		Queue:       "default",
		Args:        `["job-1"]`,
		Enabled:     true,
		Description: description,
	}
}

func TestCreateGetTrigger(t *testing.T) {
	conn := qt.CreateTestDB(t)
	store := NewTriggerStore(conn)

	eta := time.Date(2026, 8, 16, 9, 0, 0, 0, time.UTC)
	tr := testTrigger("job-1_20260816090000", "job-1", eta)
	require.NoError(t, store.CreateTrigger(tr))
	assert.NotZero(t, tr.ID)

	got, err := store.GetTriggerByName(tr.Name)
	require.NoError(t, err)
	assert.Equal(t, "job.run", got.TaskTarget)
	assert.True(t, got.ETA.Equal(eta))
	assert.True(t, got.Enabled)
	assert.Equal(t, "job-1", got.Description)
}

func TestListActiveTriggers(t *testing.T) {
	conn := qt.CreateTestDB(t)
	store := NewTriggerStore(conn)
	eta := time.Now().UTC().Add(time.Hour)

	require.NoError(t, store.CreateTrigger(testTrigger("t-1", "job-1", eta)))
	require.NoError(t, store.CreateTrigger(testTrigger("t-2", "job-2", eta)))
	require.NoError(t, store.Disable("t-2"))

	active, err := store.ListActiveTriggers()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t-1", active[0].Name)
}

func TestLatestByDescription(t *testing.T) {
	conn := qt.CreateTestDB(t)
	store := NewTriggerStore(conn)
	base := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateTrigger(testTrigger("t-old", "job-1", base)))
	require.NoError(t, store.CreateTrigger(testTrigger("t-new", "job-1", base.Add(24*time.Hour))))

	latest, err := store.LatestByDescription("job-1")
	require.NoError(t, err)
	assert.Equal(t, "t-new", latest.Name)

	_, err = store.LatestByDescription("job-2")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestUpdateETA(t *testing.T) {
	conn := qt.CreateTestDB(t)
	store := NewTriggerStore(conn)
	eta := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateTrigger(testTrigger("t-1", "job-1", eta)))
	require.NoError(t, store.Disable("t-1"))

	newETA := eta.AddDate(0, 0, 1)
	require.NoError(t, store.UpdateETA("t-1", newETA, `["job-1","retry"]`))

	got, err := store.GetTriggerByName("t-1")
	require.NoError(t, err)
	assert.True(t, got.ETA.Equal(newETA))
	assert.True(t, got.Enabled)
	assert.Equal(t, `["job-1","retry"]`, got.Args)
}

func TestDeleteTriggers(t *testing.T) {
	conn := qt.CreateTestDB(t)
	store := NewTriggerStore(conn)
	eta := time.Now().UTC()

	require.NoError(t, store.CreateTrigger(testTrigger("t-1", "job-1", eta)))
	require.NoError(t, store.CreateTrigger(testTrigger("t-2", "job-1", eta)))
	require.NoError(t, store.CreateTrigger(testTrigger("t-3", "job-2", eta)))

	require.NoError(t, store.DeleteTrigger("t-3"))
	require.NoError(t, store.DeleteByDescription("job-1"))

	active, err := store.ListActiveTriggers()
	require.NoError(t, err)
	assert.Empty(t, active)

	// Deleting a missing trigger is a no-op.
	assert.NoError(t, store.DeleteTrigger("missing"))
}

func TestTriggerStale(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	cooldown := time.Minute

	fresh := &Trigger{Enabled: false, ETA: now.Add(-30 * time.Second)}
	assert.False(t, fresh.Stale(now, cooldown))

	old := &Trigger{Enabled: false, ETA: now.Add(-2 * time.Minute)}
	assert.True(t, old.Stale(now, cooldown))

	// Enabled triggers are live regardless of age.
	live := &Trigger{Enabled: true, ETA: now.Add(-2 * time.Minute)}
	assert.False(t, live.Stale(now, cooldown))
}
