// Package lifecycle drives one task execution through its state machine:
// pre-run gating, the action itself, bounded retry, and post-run bookkeeping.
// The machine is a pure transition table; the Runner interprets its effects
// against the stores, the broker, the marker directory, and the report API.
package lifecycle

import (
	"batchd/batch"
	"batchd/errors"
)

// EventKind names an input to the state machine.
type EventKind int

const (
	// EventSkip is the pre-run gate declining the run (workflow not started,
	// job disabled, stale worker).
	EventSkip EventKind = iota
	// EventCancel is the pre-run gate observing the run limit already reached.
	EventCancel
	// EventClaim is a successful atomic claim of the execution.
	EventClaim
	// EventSucceed is the action finishing cleanly.
	EventSucceed
	// EventFail is the action failing; the machine decides retry vs terminal.
	EventFail
	// EventRevoke is an external cancellation observed mid-run.
	EventRevoke
)

// Event is one state machine input, optionally carrying a human-readable
// reason for skip and failure events.
type Event struct {
	Kind   EventKind
	Reason string
}

// EffectKind names a side effect the driver must perform after a transition.
type EffectKind int

const (
	// EffectPersistState writes the new execution status.
	EffectPersistState EffectKind = iota
	// EffectScheduleNext computes and persists the job's next occurrence.
	EffectScheduleNext
	// EffectWriteMarker drops the durable crash marker before risky work.
	EffectWriteMarker
	// EffectReportStart announces the attempt to the log API.
	EffectReportStart
	// EffectExecute runs the job's action.
	EffectExecute
	// EffectResetRetries clears transient retry counters.
	EffectResetRetries
	// EffectScheduleRetry re-dispatches the same execution after Delay.
	EffectScheduleRetry
	// EffectRecordFailure bumps the job's failure counter.
	EffectRecordFailure
	// EffectReportResult pushes the attempt outcome to the log API.
	EffectReportResult
	// EffectRemoveMarker deletes the crash marker.
	EffectRemoveMarker
)

// Effect is one side effect ordered by a transition.
type Effect struct {
	Kind EffectKind
}

// Machine is the per-execution state machine. It holds only what transitions
// need: current status, the retry policy, and the retries consumed so far.
type Machine struct {
	state     batch.TaskStatus
	policy    RetryPolicy
	retryable bool
	retries   int
	exhausted bool
}

// NewMachine builds a machine for one execution of a job. Retry is available
// only when the job opts in via restart_on_failure and is not auto_drop (a
// job retiring after its first run never re-dispatches).
func NewMachine(job *batch.Job, task *batch.TaskExecution) *Machine {
	state := task.Status
	if state == "" {
		state = batch.StatusCreated
	}
	return &Machine{
		state:     state,
		policy:    PolicyFor(job),
		retryable: job.RestartOnFailure && !job.AutoDrop,
		retries:   task.RetryCount,
	}
}

// State returns the current status.
func (m *Machine) State() batch.TaskStatus {
	return m.state
}

// Retries returns the retries consumed so far.
func (m *Machine) Retries() int {
	return m.retries
}

// Terminal reports whether the machine has reached a final status. FAILURE is
// terminal only once the retry budget is spent.
func (m *Machine) Terminal() bool {
	switch m.state {
	case batch.StatusSuccess, batch.StatusSkipped, batch.StatusCancelled, batch.StatusStopped:
		return true
	case batch.StatusFailure:
		return m.exhausted
	default:
		return false
	}
}

// Transition applies an event, returning the new status and the effects the
// driver must perform, in order. An event illegal for the current status
// leaves the machine unchanged and returns an error.
func (m *Machine) Transition(ev Event) (batch.TaskStatus, []Effect, error) {
	switch m.state {
	case batch.StatusCreated:
		switch ev.Kind {
		case EventSkip:
			m.state = batch.StatusSkipped
			return m.state, effects(EffectPersistState, EffectReportResult), nil
		case EventCancel:
			m.state = batch.StatusCancelled
			return m.state, effects(EffectPersistState, EffectReportResult), nil
		case EventClaim:
			m.state = batch.StatusRunning
			return m.state, effects(EffectScheduleNext, EffectWriteMarker, EffectReportStart, EffectExecute), nil
		}

	case batch.StatusFailure:
		switch ev.Kind {
		case EventClaim:
			// Retry pending: a claim re-enters RUNNING without re-scheduling
			// the next occurrence (that happened on the first attempt).
			if m.retryable && !m.exhausted {
				m.state = batch.StatusRunning
				return m.state, effects(EffectReportStart, EffectExecute), nil
			}
		case EventRevoke:
			// Revoked while a retry was waiting out its delay.
			m.state = batch.StatusStopped
			return m.state, effects(EffectPersistState, EffectRemoveMarker), nil
		case EventCancel:
			// Retry abandoned: the job was disabled or retired between
			// attempts. The failure becomes terminal.
			m.exhausted = true
			return m.state, effects(EffectRecordFailure), nil
		}

	case batch.StatusRunning:
		switch ev.Kind {
		case EventSucceed:
			m.state = batch.StatusSuccess
			return m.state, effects(EffectPersistState, EffectResetRetries, EffectReportResult), nil
		case EventFail:
			m.state = batch.StatusFailure
			if m.retryable && m.policy.Allows(m.retries) {
				m.retries++
				return m.state, effects(EffectPersistState, EffectReportResult, EffectScheduleRetry), nil
			}
			m.exhausted = true
			return m.state, effects(EffectPersistState, EffectRecordFailure, EffectReportResult), nil
		case EventRevoke:
			m.state = batch.StatusStopped
			return m.state, effects(EffectPersistState, EffectRemoveMarker), nil
		}
	}

	return m.state, nil, errors.Newf("illegal transition: event %d in state %s", ev.Kind, m.state)
}

func effects(kinds ...EffectKind) []Effect {
	out := make([]Effect, len(kinds))
	for i, k := range kinds {
		out[i] = Effect{Kind: k}
	}
	return out
}
