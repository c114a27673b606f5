// Package schedule runs workflows on a recurring clock: daily at a
// fixed hour and minute, or hourly at a fixed minute, in the service
// timezone.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Interval values.
const (
	IntervalDaily  = "daily"
	IntervalHourly = "hourly"
)

// ErrTaskNotFound is returned when no task exists under the ID.
var ErrTaskNotFound = errors.New("scheduled task not found")

// ErrInvalidTask wraps every validation failure, so callers can map the
// whole class to a 400 without matching message text.
var ErrInvalidTask = errors.New("invalid scheduled task")

// Task is one recurring run of a workflow against a fixed repo and ref.
// Hour is only meaningful for daily tasks; hourly tasks fire at Minute
// past every hour.
type Task struct {
	ID        string    `yaml:"id" json:"id"`
	Workflow  string    `yaml:"workflow" json:"workflow"`
	Repo      string    `yaml:"repo" json:"repo"`
	Ref       string    `yaml:"ref,omitempty" json:"ref,omitempty"`
	CloneURL  string    `yaml:"cloneUrl,omitempty" json:"cloneUrl,omitempty"`
	Interval  string    `yaml:"interval" json:"interval"`
	Hour      *int      `yaml:"hour,omitempty" json:"hour,omitempty"`
	Minute    int       `yaml:"minute" json:"minute"`
	Enabled   bool      `yaml:"enabled" json:"enabled"`
	CreatedAt time.Time `yaml:"createdAt" json:"createdAt"`
	LastRunAt time.Time `yaml:"lastRunAt,omitempty" json:"lastRunAt,omitzero"`
	NextRunAt time.Time `yaml:"nextRunAt,omitempty" json:"nextRunAt,omitzero"`
}

// Patch is a partial task update. Nil fields keep their current value.
// Switching an hourly task to daily requires Hour in the same patch;
// setting Hour on a task that stays hourly is rejected.
type Patch struct {
	Workflow *string `json:"workflow"`
	Repo     *string `json:"repo"`
	Ref      *string `json:"ref"`
	CloneURL *string `json:"cloneUrl"`
	Interval *string `json:"interval"`
	Hour     *int    `json:"hour"`
	Minute   *int    `json:"minute"`
	Enabled  *bool   `json:"enabled"`
}

func validateTask(t *Task) error {
	if t.Workflow == "" {
		return fmt.Errorf("%w: workflow is required", ErrInvalidTask)
	}
	if t.Repo == "" {
		return fmt.Errorf("%w: repo is required", ErrInvalidTask)
	}
	switch t.Interval {
	case IntervalDaily:
		if t.Hour == nil {
			return fmt.Errorf("%w: daily tasks require an hour", ErrInvalidTask)
		}
		if *t.Hour < 0 || *t.Hour > 23 {
			return fmt.Errorf("%w: hour %d out of range [0,23]", ErrInvalidTask, *t.Hour)
		}
	case IntervalHourly:
		if t.Hour != nil {
			return fmt.Errorf("%w: hourly tasks take no hour", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: interval must be %q or %q", ErrInvalidTask, IntervalDaily, IntervalHourly)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range [0,59]", ErrInvalidTask, t.Minute)
	}
	return nil
}

// NextAfter returns the task's first firing instant strictly after now,
// computed in loc. DST transitions follow time.Date normalization in
// that location.
func NextAfter(t Task, now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	switch t.Interval {
	case IntervalDaily:
		hour := 0
		if t.Hour != nil {
			hour = *t.Hour
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, t.Minute, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case IntervalHourly:
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), t.Minute, 0, 0, loc)
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next
	}
	return time.Time{}
}

// cloneTask copies a task, including the Hour pointer, so callers never
// share memory with the store.
func cloneTask(t *Task) Task {
	out := *t
	if t.Hour != nil {
		h := *t.Hour
		out.Hour = &h
	}
	return out
}
