package usecase

import (
	"context"
	"log/slog"
	"time"

	"civicsignal/internal/ports"
)

// RunScheduler drives a full pipeline cycle on the cron-like driver's cadence.
type RunScheduler struct {
	driver ports.Scheduler
	run    func(context.Context) error
	logger *slog.Logger
}

// NewRunScheduler returns a helper to start/stop the recurring run.
func NewRunScheduler(driver ports.Scheduler, run func(context.Context) error, logger *slog.Logger) *RunScheduler {
	return &RunScheduler{driver: driver, run: run, logger: logger}
}

// Start registers the run with the provided scheduler.
func (s *RunScheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.run == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if err := s.run(ctx); err != nil && s.logger != nil {
			s.logger.Error("scheduled run failed", "trigger", trigger, "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *RunScheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
