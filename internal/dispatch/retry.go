package dispatch

import "dispatchq/internal/domain"

// NextStatus is the retry policy: a pure function of the attempt bookkeeping
// and the delivery outcome. attempts is the count before this attempt. All
// delivery failures consume the same counter regardless of cause; failed is
// terminal.
func NextStatus(attempts, maxAttempts int, outcome error) domain.Status {
	if outcome == nil {
		return domain.StatusSent
	}
	if attempts+1 >= maxAttempts {
		return domain.StatusFailed
	}
	return domain.StatusPending
}
