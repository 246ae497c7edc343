package scheduler

import (
	"context"
	"log/slog"
	"time"

	"civicsignal/internal/config"
	"civicsignal/internal/ports"
)

// IntervalScheduler runs the registered job immediately and then on a fixed
// interval. Triggers are stamped in the configured timezone so daily runs
// land on the operator's calendar day, not UTC's.
type IntervalScheduler struct {
	interval time.Duration
	location *time.Location
	logger   *slog.Logger
	stop     chan struct{}
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler builds a scheduler from configuration.
func NewIntervalScheduler(cfg config.SchedulerConfig, logger *slog.Logger) *IntervalScheduler {
	interval := cfg.Interval.Std()
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &IntervalScheduler{interval: interval, location: cfg.Location(), logger: logger}
}

// Start begins ticking. The first run fires immediately.
func (s *IntervalScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}
	if s.stop != nil {
		return nil
	}

	s.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		job(time.Now().In(s.location))
		for {
			select {
			case t := <-ticker.C:
				if s.logger != nil {
					s.logger.Info("scheduled run triggered", "at", t.In(s.location))
				}
				job(t.In(s.location))
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts the ticker goroutine.
func (s *IntervalScheduler) Stop(_ context.Context) error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	s.stop = nil
	return nil
}
