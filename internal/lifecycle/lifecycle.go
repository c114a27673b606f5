// Package lifecycle holds the process-wide drain flag.
package lifecycle

import "sync/atomic"

var shuttingDown atomic.Bool

// SetShuttingDown sets the drain flag. Call when SIGTERM/SIGINT is
// received. While true the hook and submission endpoints refuse new
// runs and /healthz reports shutting-down; in-flight runs finish.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not
// accept new work.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
