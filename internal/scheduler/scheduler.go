// Package scheduler runs the periodic jobs: the daily trading cycle and
// the 30-minute order-monitor pass.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one schedulable unit of work.
type Job struct {
	Name     string
	Schedule string // cron expression with seconds, or @every syntax
	Run      func(ctx context.Context) error
}

// Scheduler drives registered jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers a job. The job context is fresh per invocation; the job
// itself is responsible for its own deadline.
func (s *Scheduler) Add(job Job) error {
	_, err := s.cron.AddFunc(job.Schedule, func() {
		s.logger.Info("job starting", "job", job.Name)
		if err := job.Run(context.Background()); err != nil {
			s.logger.Error("job failed", "job", job.Name, "error", err)
			return
		}
		s.logger.Info("job finished", "job", job.Name)
	})
	if err != nil {
		return err
	}
	s.logger.Info("job registered", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
