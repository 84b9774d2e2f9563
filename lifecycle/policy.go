package lifecycle

import (
	"time"

	"batchd/batch"
)

// RetryPolicy bounds re-execution of a failed attempt: a fixed delay between
// attempts and a total attempt budget. It is independent of the queue's own
// delivery retries.
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// PolicyFor derives the retry policy from a job's settings: retry_delay
// between attempts, max_failure total attempts.
func PolicyFor(job *batch.Job) RetryPolicy {
	return RetryPolicy{
		Delay:       job.RetryDelay(),
		MaxAttempts: job.MaxFailure,
	}
}

// Allows reports whether another attempt may follow given the number of
// retries already consumed. The attempt budget covers the first run, so a job
// with MaxAttempts=3 fails terminally on its third failure and its retry
// count never exceeds MaxAttempts.
func (p RetryPolicy) Allows(retriesConsumed int) bool {
	return p.MaxAttempts > 0 && retriesConsumed+1 < p.MaxAttempts
}
