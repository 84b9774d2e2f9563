// Package rrule computes job occurrence times from RFC 5545 recurrence rules.
// Validation is strict and local; occurrence computation delegates to
// github.com/teambition/rrule-go. All functions are pure.
package rrule

import (
	"strconv"
	"strings"
	"time"

	rr "github.com/teambition/rrule-go"

	"batchd/errors"
)

// untilLayout is the RFC 5545 UTC timestamp layout required for UNTIL values.
const untilLayout = "20060102T150405Z"

// DefaultEnumerateCount bounds preview enumeration when neither a count nor an
// end date is given.
const DefaultEnumerateCount = 30

// Frequency is the base recurrence unit, ordered from most to least frequent.
type Frequency int

const (
	Secondly Frequency = iota
	Minutely
	Hourly
	Daily
	Weekly
	Monthly
	Yearly
)

var freqNames = map[Frequency]string{
	Secondly: "SECONDLY",
	Minutely: "MINUTELY",
	Hourly:   "HOURLY",
	Daily:    "DAILY",
	Weekly:   "WEEKLY",
	Monthly:  "MONTHLY",
	Yearly:   "YEARLY",
}

var freqByName = map[string]Frequency{
	"SECONDLY": Secondly,
	"MINUTELY": Minutely,
	"HOURLY":   Hourly,
	"DAILY":    Daily,
	"WEEKLY":   Weekly,
	"MONTHLY":  Monthly,
	"YEARLY":   Yearly,
}

func (f Frequency) String() string {
	if name, ok := freqNames[f]; ok {
		return name
	}
	return "UNKNOWN"
}

var validKeys = map[string]bool{
	"FREQ":       true,
	"UNTIL":      true,
	"COUNT":      true,
	"INTERVAL":   true,
	"BYSECOND":   true,
	"BYMINUTE":   true,
	"BYHOUR":     true,
	"BYDAY":      true,
	"BYMONTHDAY": true,
	"BYYEARDAY":  true,
	"BYWEEKNO":   true,
	"BYMONTH":    true,
	"BYSETPOS":   true,
	"WKST":       true,
}

// Parts holds a validated rule's components keyed by uppercase rule key.
type Parts map[string]string

// Validate parses and validates a recurrence rule string. It rejects empty
// rules, components without '=', unknown keys, a missing or unknown FREQ,
// a non-positive or non-integer INTERVAL, and a malformed UNTIL.
func Validate(ruleStr string) (Parts, error) {
	components := strings.Split(ruleStr, ";")
	if len(components) < 1 || components[len(components)-1] == "" {
		return nil, errors.Wrapf(errors.ErrInvalidRule, "empty rule or trailing separator: %q", ruleStr)
	}

	parts := make(Parts, len(components))
	for _, component := range components {
		key, value, found := strings.Cut(component, "=")
		if !found {
			return nil, errors.Wrapf(errors.ErrInvalidRule, "component %q has no '='", component)
		}
		if !validKeys[key] {
			return nil, errors.Wrapf(errors.ErrInvalidRule, "unknown rule key %q", key)
		}
		parts[key] = value
	}

	freq, ok := parts["FREQ"]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidRule, "missing FREQ in %q", ruleStr)
	}
	if _, ok := freqByName[strings.ToUpper(freq)]; !ok {
		return nil, errors.Wrapf(errors.ErrInvalidRule, "unknown FREQ value %q", freq)
	}

	if interval, ok := parts["INTERVAL"]; ok {
		n, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRule, "non-integer INTERVAL %q", interval)
		}
		if n <= 0 {
			return nil, errors.Wrapf(errors.ErrInvalidRule, "non-positive INTERVAL %d", n)
		}
	}

	if until, ok := parts["UNTIL"]; ok {
		if _, err := time.Parse(untilLayout, until); err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRule, "malformed UNTIL %q", until)
		}
	}

	return parts, nil
}

// Freq returns the rule's frequency class and interval (1 when unset).
func Freq(ruleStr string) (Frequency, int, error) {
	parts, err := Validate(ruleStr)
	if err != nil {
		return 0, 0, err
	}

	freq := freqByName[strings.ToUpper(parts["FREQ"])]
	interval := 1
	if v, ok := parts["INTERVAL"]; ok {
		interval, _ = strconv.Atoi(v)
	}
	return freq, interval, nil
}

// RunsForever reports whether a rule with the given bounds never exhausts:
// no end date, no run limit, and neither COUNT nor UNTIL in the rule.
func RunsForever(parts Parts, end *time.Time, maxRun int) bool {
	if end != nil || maxRun > 0 {
		return false
	}
	_, hasCount := parts["COUNT"]
	_, hasUntil := parts["UNTIL"]
	return !hasCount && !hasUntil
}

// Next returns the first occurrence of the rule at-or-after now (strictly
// after unless includeNow), anchored at start in timezone tz, or nil when the
// schedule is exhausted: runCount has reached maxRun and the job does not run
// forever, or the next occurrence falls past end.
func Next(ruleStr string, start time.Time, end *time.Time, runForever bool, runCount, maxRun int, tz string, now time.Time, includeNow bool) (*time.Time, error) {
	if maxRun > 0 && runCount >= maxRun && !runForever {
		return nil, nil
	}

	rule, loc, err := build(ruleStr, start, tz)
	if err != nil {
		return nil, err
	}

	next := rule.After(now.In(loc), includeNow)
	if next.IsZero() {
		return nil, nil
	}
	if end != nil && next.After(*end) {
		return nil, nil
	}

	next = next.In(loc)
	return &next, nil
}

// Enumerate returns up to count occurrences strictly after start, bounded by
// end when given. When neither count nor end is provided it returns
// DefaultEnumerateCount occurrences.
func Enumerate(ruleStr string, start time.Time, count int, end *time.Time, tz string) ([]time.Time, error) {
	if count <= 0 && end == nil {
		count = DefaultEnumerateCount
	}

	rule, loc, err := build(ruleStr, start, tz)
	if err != nil {
		return nil, err
	}

	var occurrences []time.Time
	iter := rule.Iterator()
	for {
		dt, ok := iter()
		if !ok {
			break
		}
		if !dt.After(start) {
			continue
		}
		if end != nil && dt.After(*end) {
			break
		}
		occurrences = append(occurrences, dt.In(loc))
		if count > 0 && len(occurrences) >= count {
			break
		}
	}
	return occurrences, nil
}

// build validates the rule, resolves tz, and constructs the library rule
// anchored at start.
func build(ruleStr string, start time.Time, tz string) (*rr.RRule, *time.Location, error) {
	if _, err := Validate(ruleStr); err != nil {
		return nil, nil, err
	}

	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "unknown timezone %q", tz)
		}
	}

	opt, err := rr.StrToROption(ruleStr)
	if err != nil {
		return nil, nil, errors.Wrapf(errors.ErrInvalidRule, "failed to parse rule %q: %v", ruleStr, err)
	}
	opt.Dtstart = start.In(loc)

	rule, err := rr.NewRRule(*opt)
	if err != nil {
		return nil, nil, errors.Wrapf(errors.ErrInvalidRule, "failed to build rule %q: %v", ruleStr, err)
	}
	return rule, loc, nil
}
