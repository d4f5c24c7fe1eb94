// Package scheduler runs the server's daily background tasks: session
// history pruning and statistics logging.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/db"
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	sessions *db.SessionStore
	now      func() time.Time
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, sessions *db.SessionStore) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		sessions: sessions,
		now:      time.Now,
	}
}

// Start runs all scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().Msg("scheduler started")

	if s.sessions != nil && s.cfg.GetDatabase().RetentionDays > 0 {
		go s.runPruneLoop(ctx)
	}
	if s.sessions != nil {
		go s.runStatsCollectionLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
	return nil
}

// runPruneLoop prunes session history at the configured time every day.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime(s.now())
		sleep := nextRun.Sub(s.now())
		if sleep <= 0 {
			sleep = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleep).
			Msg("session prune scheduled")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.PruneSessions(ctx); err != nil {
				log.Warn().Err(err).Msg("session prune failed")
			}
		}
	}
}

// PruneSessions removes sessions older than the retention period.
func (s *Scheduler) PruneSessions(ctx context.Context) (int64, error) {
	days := s.cfg.GetDatabase().RetentionDays
	if days <= 0 {
		return 0, nil
	}

	cutoff := s.now().AddDate(0, 0, -days)
	n, err := s.sessions.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions older than %d days: %w", days, err)
	}
	return n, nil
}

func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats(ctx)
		}
	}
}

func (s *Scheduler) collectStats(ctx context.Context) {
	count, err := s.sessions.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to collect daily stats")
		return
	}
	log.Info().
		Int("stored_sessions", count).
		Msg("daily stats collected")
}

// nextCleanupTime returns the first HH:MM cleanup time after now.
// Malformed values fall back to 04:00.
func (s *Scheduler) nextCleanupTime(now time.Time) time.Time {
	hour, minute := parseClock(s.cfg.GetDatabase().CleanupTime)

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func parseClock(value string) (hour, minute int) {
	h, m, ok := strings.Cut(value, ":")
	if !ok {
		return 4, 0
	}
	if _, err := fmt.Sscanf(h+" "+m, "%d %d", &hour, &minute); err != nil ||
		hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 4, 0
	}
	return hour, minute
}
