// Package retention purges old estimates on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/telemetry"
)

// Purger deletes estimates older than a cutoff.
type Purger interface {
	PurgeEstimates(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler runs a purge on every tick of a standard cron expression,
// e.g. "0 3 * * *" for daily at 3 AM.
type Scheduler struct {
	purger  Purger
	config  domain.RetentionConfig
	metrics *telemetry.Metrics
	cron    *cron.Cron
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a retention scheduler. metrics may be nil.
func NewScheduler(purger Purger, cfg domain.RetentionConfig, metrics *telemetry.Metrics) *Scheduler {
	return &Scheduler{
		purger:  purger,
		config:  cfg,
		metrics: metrics,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start schedules the purge. A disabled config or empty schedule is a no-op.
// The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.Enabled || s.config.Schedule == "" {
		slog.Info("retention disabled, skipping scheduler")
		return nil
	}
	if s.config.Days <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", s.config.Days)
	}

	if _, err := cron.ParseStandard(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.config.Schedule, err)
	}

	if _, err := s.cron.AddFunc(s.config.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			slog.Error("scheduled purge failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule purge: %w", err)
	}

	s.cron.Start()
	s.running = true

	slog.Info("retention scheduler started",
		"schedule", s.config.Schedule,
		"retention_days", s.config.Days,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce purges estimates older than the retention window.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.config.Days)

	deleted, err := s.purger.PurgeEstimates(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge estimates: %w", err)
	}
	s.metrics.EstimatesPurged(deleted)

	if deleted > 0 {
		slog.Info("estimates purged",
			"deleted_count", deleted,
			"cutoff", cutoff,
		)
	} else {
		slog.Debug("purge completed, no estimates deleted")
	}
	return deleted, nil
}

// Stop stops the scheduler and waits for a running purge to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		slog.Info("retention scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled purge, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
