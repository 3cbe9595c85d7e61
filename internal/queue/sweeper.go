package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig holds the dependencies for the lease sweeper.
type SweeperConfig struct {
	Engine *Engine
	Logger *slog.Logger
	// CronExpr schedules sweeps with a 5-field cron expression.
	// Empty uses Interval instead.
	CronExpr string
	// Interval ticks sweeps at a fixed period; defaults to 1 minute.
	Interval time.Duration
}

// Sweeper periodically reclaims expired leases. It is optional: the
// engine already sweeps lazily on every claim, so the sweeper only
// matters for queues with long idle stretches between claims.
type Sweeper struct {
	engine   *Engine
	logger   *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from the given config.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var schedule cronlib.Schedule
	if cfg.CronExpr != "" {
		parsed, err := cronParser.Parse(cfg.CronExpr)
		if err != nil {
			return nil, err
		}
		schedule = parsed
	}
	return &Sweeper{
		engine:   cfg.Engine,
		logger:   logger,
		schedule: schedule,
		interval: interval,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("lease sweeper started", "interval", s.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("lease sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup, then on each due time.
	s.sweep(ctx)

	for {
		timer := time.NewTimer(s.untilNext(time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

// untilNext returns the wait before the next sweep, from the cron
// schedule when one is configured and the fixed interval otherwise.
func (s *Sweeper) untilNext(now time.Time) time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	d := s.schedule.Next(now).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (s *Sweeper) sweep(ctx context.Context) {
	reclaimed, err := s.engine.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("lease sweep failed", "error", err)
		return
	}
	if reclaimed > 0 {
		s.logger.Info("lease sweep reclaimed messages", "count", reclaimed)
	}
}
