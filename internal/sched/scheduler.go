// Package sched runs unattended backups on a cron schedule.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrInvalidSchedule is returned for cron expressions that do not parse.
var ErrInvalidSchedule = errors.New("invalid schedule expression")

// BackupFunc performs one scheduled backup run.
type BackupFunc func(ctx context.Context) error

// Scheduler fires a BackupFunc on a standard 5-field cron expression.
// Overlapping runs are skipped rather than queued; the stack lock makes a
// concurrent run fail anyway, this just avoids the noise.
type Scheduler struct {
	expression string
	run        BackupFunc
	cron       *cron.Cron
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	busy    bool
	lastRun time.Time
	lastErr error
}

// NewScheduler creates a Scheduler. The expression is validated on Start.
func NewScheduler(expression string, run BackupFunc, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		expression: expression,
		run:        run,
		cron:       cron.New(),
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the schedule and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	if _, err := cron.ParseStandard(s.expression); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, s.expression, err)
	}

	if _, err := s.cron.AddFunc(s.expression, func() { s.fire(ctx) }); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, s.expression, err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Str("schedule", s.expression).Msg("backup scheduler started")
	return nil
}

// Stop stops the cron loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("backup scheduler stopped")
}

// LastRun reports the start time and error of the most recent run.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.logger.Warn().Msg("previous scheduled backup still running, skipping")
		return
	}
	s.busy = true
	s.lastRun = time.Now()
	s.mu.Unlock()

	err := s.run(ctx)

	s.mu.Lock()
	s.busy = false
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled backup failed")
		return
	}
	s.logger.Info().Msg("scheduled backup completed")
}
