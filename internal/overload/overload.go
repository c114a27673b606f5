// Package overload exposes the load view of the traffic windows: how
// much work the service accepted and how much it shed. The /healthz
// handler and the load gauges read these to decide whether the service
// is taking more than it can run.
package overload

import (
	"time"

	"github.com/ninakahr/greenlight/internal/traffic"
)

// RecordDenial records shed load: a rate-limited hook (429) or a
// submission rejected with a full run queue (503).
func RecordDenial() {
	traffic.RecordDenied()
}

// RequestCount returns the number of outcomes (success + error + denied)
// within the given window.
func RequestCount(window time.Duration) int {
	return traffic.RequestCount(window)
}

// DenialCount returns the number of shed outcomes within the given window.
func DenialCount(window time.Duration) int {
	return traffic.DenialCount(window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
