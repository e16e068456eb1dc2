package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/dharsanguruparan/clippedset/internal/logging"
)

// Sweeper runs RecoverStale on a fixed interval.
type Sweeper struct {
	orch      *Orchestrator
	threshold time.Duration
	scheduler *gocron.Scheduler
	logger    *slog.Logger
}

// NewSweeper schedules a recovery pass every interval. Passes never overlap.
func NewSweeper(orch *Orchestrator, threshold, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		orch:      orch,
		threshold: threshold,
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logging.WithComponent(logger, "sweeper"),
	}
	s.scheduler.SingletonModeAll()
	if _, err := s.scheduler.Every(interval).Do(s.sweep, context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the schedule in the background until Stop or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.scheduler.StartAsync()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

func (s *Sweeper) Stop() {
	if s.scheduler.IsRunning() {
		s.scheduler.Stop()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	report, err := s.orch.RecoverStale(ctx, s.threshold)
	if err != nil {
		s.logger.Error("stale job sweep failed", "error", err)
		return
	}
	n := len(report.TimedOut) + len(report.Redispatched)
	if n == 0 {
		return
	}
	s.logger.Info("stale jobs recovered",
		"timed_out", len(report.TimedOut),
		"requeued", len(report.Requeued),
		"exhausted", len(report.Exhausted),
		"redispatched", len(report.Redispatched),
	)
}
