package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/observability"
)

// SubmitFunc starts one run of a workflow. The scheduler treats a
// non-nil error as a failed fire: logged and counted, the task stays
// enabled and keeps its next instant.
type SubmitFunc func(ctx context.Context, workflow, repo, ref, cloneURL string) error

// Scheduler fires enabled tasks when their next instant passes. One
// goroutine, one tick per minute; all clock math happens in loc.
type Scheduler struct {
	store  *Store
	loc    *time.Location
	submit SubmitFunc
	logger *zap.Logger
}

// NewScheduler creates a Scheduler. loc is the service timezone.
func NewScheduler(store *Store, loc *time.Location, submit SubmitFunc, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{store: store, loc: loc, submit: submit, logger: logger}
}

// Run ticks until ctx is cancelled. The first tick happens immediately,
// which initializes NextRunAt for tasks that never had one and fires
// tasks that came due while the process was down.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx, time.Now())
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires every enabled task whose next instant is at or before now.
// NextRunAt advances and persists before the submit, so a task never
// fires twice for the same instant even if submission is slow.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, task := range s.store.List() {
		if !task.Enabled {
			continue
		}
		if task.NextRunAt.IsZero() {
			next := NextAfter(task, now, s.loc)
			if err := s.store.SetSchedule(task.ID, time.Time{}, next); err != nil {
				s.logger.Warn("initializing task schedule failed",
					zap.String("taskId", task.ID), zap.Error(err))
			}
			continue
		}
		if task.NextRunAt.After(now) {
			continue
		}

		next := NextAfter(task, now, s.loc)
		if err := s.store.SetSchedule(task.ID, now, next); err != nil {
			s.logger.Warn("advancing task schedule failed",
				zap.String("taskId", task.ID), zap.Error(err))
			continue
		}
		if err := s.submit(ctx, task.Workflow, task.Repo, task.Ref, task.CloneURL); err != nil {
			observability.SchedulerFiresTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("scheduled run submission failed",
				zap.String("taskId", task.ID),
				zap.String("workflow", task.Workflow),
				zap.String("repo", task.Repo),
				zap.Error(err))
			continue
		}
		observability.SchedulerFiresTotal.WithLabelValues("submitted").Inc()
		s.logger.Info("scheduled run submitted",
			zap.String("taskId", task.ID),
			zap.String("workflow", task.Workflow),
			zap.String("repo", task.Repo),
			zap.Time("nextRunAt", next))
	}
}
