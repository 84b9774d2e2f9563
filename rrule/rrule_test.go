package rrule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/errors"
	"batchd/internal/util"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    string
		wantErr bool
	}{
		{"daily", "FREQ=DAILY;INTERVAL=1", false},
		{"weekly with count", "FREQ=WEEKLY;INTERVAL=2;COUNT=10", false},
		{"until", "FREQ=HOURLY;UNTIL=20270101T000000Z", false},
		{"byday", "FREQ=WEEKLY;BYDAY=MO,WE,FR", false},
		{"missing freq", "INTERVAL=1", true},
		{"unknown key", "FREQ=DAILY;BOGUS=1", true},
		{"unknown freq", "FREQ=FORTNIGHTLY", true},
		{"zero interval", "FREQ=DAILY;INTERVAL=0", true},
		{"negative interval", "FREQ=DAILY;INTERVAL=-2", true},
		{"non-integer interval", "FREQ=DAILY;INTERVAL=abc", true},
		{"malformed until", "FREQ=DAILY;UNTIL=2027-01-01", true},
		{"trailing separator", "FREQ=DAILY;", true},
		{"empty", "", true},
		{"no equals", "FREQ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := Validate(tt.rule)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrInvalidRule))
			} else {
				require.NoError(t, err)
				assert.NotEmpty(t, parts["FREQ"])
			}
		})
	}
}

func TestFreq(t *testing.T) {
	freq, interval, err := Freq("FREQ=WEEKLY;INTERVAL=3")
	require.NoError(t, err)
	assert.Equal(t, Weekly, freq)
	assert.Equal(t, 3, interval)

	freq, interval, err = Freq("FREQ=DAILY")
	require.NoError(t, err)
	assert.Equal(t, Daily, freq)
	assert.Equal(t, 1, interval)
}

func TestFrequencyOrdering(t *testing.T) {
	assert.True(t, Secondly < Minutely)
	assert.True(t, Minutely < Hourly)
	assert.True(t, Hourly < Daily)
	assert.True(t, Daily < Weekly)
	assert.True(t, Weekly < Monthly)
	assert.True(t, Monthly < Yearly)
	assert.Equal(t, "DAILY", Daily.String())
}

func TestRunsForever(t *testing.T) {
	parts, err := Validate("FREQ=DAILY;INTERVAL=1")
	require.NoError(t, err)

	assert.True(t, RunsForever(parts, nil, 0))
	assert.False(t, RunsForever(parts, util.Ptr(time.Now()), 0))
	assert.False(t, RunsForever(parts, nil, 5))

	withCount, err := Validate("FREQ=DAILY;COUNT=3")
	require.NoError(t, err)
	assert.False(t, RunsForever(withCount, nil, 0))

	withUntil, err := Validate("FREQ=DAILY;UNTIL=20270101T000000Z")
	require.NoError(t, err)
	assert.False(t, RunsForever(withUntil, nil, 0))
}

func TestNextDaily(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(12 * time.Hour)

	next, err := Next("FREQ=DAILY;INTERVAL=1", start, nil, true, 0, 0, "UTC", now, false)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, start.AddDate(0, 0, 1), next.UTC())
}

func TestNextExhaustedByMaxRun(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	next, err := Next("FREQ=DAILY;INTERVAL=1", start, nil, false, 3, 3, "UTC", start, false)
	require.NoError(t, err)
	assert.Nil(t, next)

	// run_forever overrides the run limit.
	next, err = Next("FREQ=DAILY;INTERVAL=1", start, nil, true, 3, 3, "UTC", start, false)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestNextExhaustedByCount(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	// The third and last occurrence is start+2d. Past that, nothing remains.
	now := start.AddDate(0, 0, 5)

	next, err := Next("FREQ=DAILY;COUNT=3", start, nil, false, 0, 0, "UTC", now, false)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextBoundedByEnd(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)
	now := start.Add(time.Hour)

	next, err := Next("FREQ=DAILY;INTERVAL=1", start, &end, true, 0, 0, "UTC", now, false)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextIncludeNow(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	next, err := Next("FREQ=DAILY;INTERVAL=1", start, nil, true, 0, 0, "UTC", start, true)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, start, next.UTC())

	next, err = Next("FREQ=DAILY;INTERVAL=1", start, nil, true, 0, 0, "UTC", start, false)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, start.AddDate(0, 0, 1), next.UTC())
}

func TestNextTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	start := time.Date(2026, 8, 1, 9, 0, 0, 0, loc)
	now := start.Add(time.Hour)

	next, err := Next("FREQ=DAILY;INTERVAL=1", start, nil, true, 0, 0, "Asia/Jakarta", now, false)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "Asia/Jakarta", next.Location().String())
	assert.True(t, next.Equal(start.AddDate(0, 0, 1)))
}

func TestNextInvalidTimezone(t *testing.T) {
	_, err := Next("FREQ=DAILY", time.Now(), nil, true, 0, 0, "Mars/Olympus", time.Now(), false)
	assert.Error(t, err)
}

func TestEnumerateByCount(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	dates, err := Enumerate("FREQ=DAILY;INTERVAL=1", start, 5, nil, "UTC")
	require.NoError(t, err)
	require.Len(t, dates, 5)

	// Strictly after start, spaced one day apart.
	assert.Equal(t, start.AddDate(0, 0, 1), dates[0].UTC())
	assert.Equal(t, start.AddDate(0, 0, 5), dates[4].UTC())
}

func TestEnumerateDefaultCount(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	dates, err := Enumerate("FREQ=HOURLY;INTERVAL=1", start, 0, nil, "UTC")
	require.NoError(t, err)
	assert.Len(t, dates, DefaultEnumerateCount)
}

func TestEnumerateBoundedByEnd(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 3)

	dates, err := Enumerate("FREQ=DAILY;INTERVAL=1", start, 0, &end, "UTC")
	require.NoError(t, err)
	assert.Len(t, dates, 3)
	for _, dt := range dates {
		assert.False(t, dt.After(end))
	}
}

func TestEnumerateInvalidRule(t *testing.T) {
	_, err := Enumerate("INTERVAL=1", time.Now(), 5, nil, "UTC")
	assert.True(t, errors.Is(err, errors.ErrInvalidRule))
}
