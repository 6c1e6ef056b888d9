// Package scheduler runs background maintenance for the ladder bot, currently
// the daily battle history prune.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ladderbot/internal/config"
	"github.com/energizer-project/ladderbot/internal/util"
)

// Pruner deletes history rows older than a cutoff.
type Pruner interface {
	Prune(before time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.HistoryConfig
	pruner Pruner
	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg config.HistoryConfig, pruner Pruner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		logger: util.ComponentLogger("scheduler"),
		now:    time.Now,
	}
}

// Start runs the history pruner at the configured time each day and blocks
// until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	// Run once at startup so a long-stopped bot does not wait a day.
	s.runPrune()

	for {
		nextRun := s.calculateNextCleanupTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("history prune scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			s.runPrune()
		}
	}
}

// runPrune removes battles older than the retention window.
func (s *Scheduler) runPrune() {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)

	removed, err := s.pruner.Prune(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("history prune failed")
		return
	}

	s.logger.Info().
		Int64("removed", removed).
		Int("retention_days", s.cfg.RetentionDays).
		Msg("history prune completed")
}

// calculateNextCleanupTime returns the next time the prune should run.
func (s *Scheduler) calculateNextCleanupTime() time.Time {
	parts := strings.Split(s.cfg.CleanupTime, ":")

	hour, minute := 4, 0 // Default: 4:00 AM
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}
