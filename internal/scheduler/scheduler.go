// Package scheduler runs periodic maintenance tasks such as the work area
// sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs registered tasks on cron schedules. A task still running
// when its next tick fires is skipped for that tick.
type Scheduler struct {
	cron     *cron.Cron
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an idle scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Add registers fn under name. schedule accepts five-field cron expressions and
// descriptors like "@every 1h".
func (s *Scheduler) Add(name, schedule string, fn func(ctx context.Context)) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("scheduler: task %s: invalid schedule %q: %w", name, schedule, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.stop
		cancel()
	}()
	_, err := s.cron.AddFunc(schedule, func() {
		s.logger.Debug("scheduled task starting", "task", name)
		fn(ctx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("scheduler: task %s: %w", name, err)
	}
	s.logger.Info("scheduled task registered", "task", name, "schedule", schedule)
	return nil
}

// Start begins firing tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running tasks to return. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
	})
}

// Done is closed once Stop has been called.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stop
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
