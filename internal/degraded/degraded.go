// Package degraded tracks infrastructure health across runs and drives
// automatic recovery probing. A run counts against health only when the
// pipeline itself breaks (clone plumbing, missing interpreter, workspace
// errors); failing tests are a healthy pipeline doing its job.
package degraded

import (
	"time"

	"github.com/ninakahr/greenlight/internal/traffic"
)

// RecordSuccess records a run the infrastructure carried to completion.
func RecordSuccess() {
	traffic.RecordSuccess()
}

// RecordError records a run the infrastructure broke (clone failure,
// interpreter resolution, workspace setup, engine panic).
func RecordError() {
	traffic.RecordError()
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
