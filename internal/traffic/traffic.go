// Package traffic keeps sliding windows of pipeline outcomes. It is the
// single source of truth for the health surfaces: overload reads
// RequestCount and DenialCount, degraded reads ErrorRate.
package traffic

import (
	"sync"
	"time"
)

var defaultTracker Tracker

// RecordSuccess records a run that completed without infrastructure
// trouble (the tests themselves may still have failed).
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a run that hit infrastructure trouble: clone
// plumbing, missing interpreter, workspace errors, engine panic.
func RecordError() {
	defaultTracker.RecordError()
}

// RecordDenied records shed load: a rate-limited hook delivery (429) or
// a submission rejected because the run queue was full (503).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// RequestCount returns all outcomes (success + error + denied) within
// the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the shed-load count within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount = successes + errors; denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// RecordSuccess records a clean run completion in the tracker.
func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

// RecordError records an infrastructure failure in the tracker.
func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

// RecordDenied records shed load in the tracker.
func (t *Tracker) RecordDenied() {
	t.recordOutcome(&t.deniedTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes (success + error +
// denied) within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	return countInWindow(t.successTimes, cutoff) +
		countInWindow(t.errorTimes, cutoff) +
		countInWindow(t.deniedTimes, cutoff)
}

// DenialCount returns the number of shed outcomes within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countInWindow(t.deniedTimes, time.Now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window.
// Denials are excluded: shed load says nothing about infra health.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	errCount := countInWindow(t.errorTimes, cutoff)
	successCount := countInWindow(t.successTimes, cutoff)
	return errCount, errCount + successCount
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than any window the health
// surfaces query. Must be called with the mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	maxAge := 5 * time.Minute
	cutoff := now.Add(-maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
