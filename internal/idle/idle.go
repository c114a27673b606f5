// Package idle detects quiet periods. A service that has seen no hook
// deliveries or run submissions for a while reports idle rather than
// healthy, which reads differently on a dashboard.
package idle

import (
	"sync"
	"time"
)

var defaultTracker Tracker

// RecordActivity records pipeline activity (a hook delivery, a manual
// submission, a scheduler fire). Call from any path that starts work.
func RecordActivity() {
	defaultTracker.RecordActivity()
}

// ActivityCount returns the number of activity events within the given
// window ending at now.
func ActivityCount(window time.Duration) int {
	return defaultTracker.ActivityCount(window)
}

// Reset clears all recorded activity. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains a sliding window of activity timestamps.
type Tracker struct {
	mu    sync.Mutex
	times []time.Time
}

// RecordActivity records an activity event at the current time.
func (t *Tracker) RecordActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.times = append(t.times, now)
	t.pruneLocked(now)
}

// ActivityCount returns the number of activity events within the given
// window ending at now.
func (t *Tracker) ActivityCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	t.pruneLocked(now)
	n := 0
	for _, ts := range t.times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// Reset clears all recorded activity.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = nil
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-30 * time.Minute)
	i := 0
	for ; i < len(t.times) && t.times[i].Before(cutoff); i++ {
	}
	if i > 0 {
		t.times = append(t.times[:0], t.times[i:]...)
	}
}
