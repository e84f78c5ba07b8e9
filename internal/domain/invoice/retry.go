// internal/domain/invoice/retry.go
package invoice

import "time"

// RetryPolicy is the dunning ladder: one delay per retry after the initial
// charge attempt. An empty ladder means a single attempt with no retries.
type RetryPolicy struct {
	Intervals []time.Duration
}

// MaxAttempts is the total charge-attempt budget, initial attempt included.
func (p RetryPolicy) MaxAttempts() int {
	return 1 + len(p.Intervals)
}

// NextAt returns when the attempt after failedAttempt should run. ok is false
// when the budget is exhausted.
func (p RetryPolicy) NextAt(failedAttempt int, now time.Time) (time.Time, bool) {
	if failedAttempt < 1 || failedAttempt > len(p.Intervals) {
		return time.Time{}, false
	}
	return now.Add(p.Intervals[failedAttempt-1]), true
}
