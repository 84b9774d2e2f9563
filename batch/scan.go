package batch

import (
	"database/sql"
	"time"

	"batchd/errors"
)

// Timestamps are stored as RFC3339 strings in UTC, matching the rest of the
// schema. Parse failures indicate data corruption or a schema mismatch and
// are surfaced, not ignored.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(value, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to parse %s", field)
	}
	return t, nil
}

func parseNullTime(value sql.NullString, field string) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String, field)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
