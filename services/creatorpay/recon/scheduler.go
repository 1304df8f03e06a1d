package recon

import (
	"context"
	"log/slog"
	"time"
)

// Runner executes one reconciliation window.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (*Result, error)
}

// SchedulerConfig configures the daily reconciliation scheduler.
type SchedulerConfig struct {
	Reconciler Runner
	Window     time.Duration
	RunHour    int
	RunMinute  int
	Location   *time.Location
	Logger     *slog.Logger
	// After, when set, replaces time.After so tests can drive the loop.
	After func(time.Duration) <-chan time.Time
	Now   func() time.Time
}

// Scheduler executes reconciliation once a day.
type Scheduler struct {
	reconciler Runner
	window     time.Duration
	runHour    int
	runMinute  int
	location   *time.Location
	logger     *slog.Logger
	after      func(time.Duration) <-chan time.Time
	now        func() time.Time
}

// NewScheduler constructs a scheduler, defaulting to a 24h window in UTC.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		window:     window,
		runHour:    clamp(cfg.RunHour, 0, 23),
		runMinute:  clamp(cfg.RunMinute, 0, 59),
		location:   loc,
		logger:     logger,
		after:      after,
		now:        now,
	}
}

// Start runs the loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		now := s.now().In(s.location)
		next := s.nextRun(now)
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(now)):
			opts := RunOptions{Start: next.Add(-s.window), End: next}
			if _, err := s.reconciler.Run(ctx, opts); err != nil {
				s.logger.Error("recon scheduler run failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
