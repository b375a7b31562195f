package payoutd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Ticker is the orchestrator entry point driven by the scheduler.
type Ticker interface {
	RunOnce(ctx context.Context) (TickReport, error)
}

// Scheduler invokes the processor on a cron schedule. A tick still running when the next one
// is due causes the later one to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	ticker  Ticker
	logger  *slog.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler registers ticker under spec. Standard five-field expressions and descriptors
// such as "@every 30s" are accepted. timeout bounds one tick; zero means unbounded.
func NewScheduler(spec string, ticker Ticker, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if ticker == nil {
		return nil, fmt.Errorf("payoutd: scheduler requires a ticker")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		ticker:  ticker,
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("payoutd: schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	report, err := s.ticker.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrProcessorPaused):
		s.logger.Info("payout tick skipped, processor paused")
	case err != nil:
		s.logger.Warn("payout tick failed", slog.Any("error", err))
	default:
		s.logger.Info("payout tick finished",
			slog.Int("jobs", len(report.Jobs)),
			slog.String("duration", report.Duration))
	}
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels a running tick and waits for it to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
