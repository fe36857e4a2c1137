package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/perdiem/internal/domain"
)

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakePurger) PurgeEstimates(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.deleted, f.err
}

func TestSchedulerStart(t *testing.T) {
	tests := []struct {
		name        string
		cfg         domain.RetentionConfig
		wantRunning bool
		wantError   bool
	}{
		{"daily schedule", domain.RetentionConfig{Enabled: true, Schedule: "0 3 * * *", Days: 90}, true, false},
		{"hourly schedule", domain.RetentionConfig{Enabled: true, Schedule: "0 * * * *", Days: 7}, true, false},
		{"disabled", domain.RetentionConfig{Enabled: false, Schedule: "0 3 * * *", Days: 90}, false, false},
		{"empty schedule", domain.RetentionConfig{Enabled: true, Days: 90}, false, false},
		{"invalid schedule", domain.RetentionConfig{Enabled: true, Schedule: "invalid cron", Days: 90}, false, true},
		{"zero days", domain.RetentionConfig{Enabled: true, Schedule: "0 3 * * *"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(&fakePurger{}, tt.cfg, nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := s.Start(ctx)
			if (err != nil) != tt.wantError {
				t.Errorf("Start() error = %v, wantError %v", err, tt.wantError)
			}
			if s.IsRunning() != tt.wantRunning {
				t.Errorf("IsRunning() = %v, want %v", s.IsRunning(), tt.wantRunning)
			}

			if tt.wantRunning {
				next := s.NextRun()
				if next == nil {
					t.Fatal("NextRun() returned nil for running scheduler")
				}
				if !next.After(time.Now()) {
					t.Errorf("NextRun() = %v, expected a future time", next)
				}
			}

			s.Stop()
			if s.IsRunning() {
				t.Error("expected scheduler to stop")
			}
		})
	}
}

func TestRunOnce(t *testing.T) {
	purger := &fakePurger{deleted: 4}
	s := NewScheduler(purger, domain.RetentionConfig{Enabled: true, Schedule: "0 3 * * *", Days: 30}, nil)
	fixed := time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 deleted, got %d", n)
	}
	if want := time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC); !purger.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", purger.cutoffs[0], want)
	}

	t.Run("Error", func(t *testing.T) {
		purger.err = errors.New("database is locked")
		if _, err := s.RunOnce(context.Background()); err == nil {
			t.Error("expected purge error")
		}
	})
}

func TestStopOnContextCancel(t *testing.T) {
	s := NewScheduler(&fakePurger{}, domain.RetentionConfig{Enabled: true, Schedule: "@every 1h", Days: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.IsRunning() {
		t.Error("expected scheduler to stop after context cancellation")
	}
}
