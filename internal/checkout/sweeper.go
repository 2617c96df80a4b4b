package checkout

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper finalizes lapsed sessions and retries unfinished sale commits in
// the background. It is hygiene: correctness of availability does not depend
// on it running.
type Sweeper struct {
	mgr        *Manager
	expireTick time.Duration
	commitTick time.Duration
	batch      int
	logger     *slog.Logger
}

func NewSweeper(mgr *Manager, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{mgr: mgr, expireTick: interval, commitTick: 2 * interval, batch: batch, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	expireTicker := time.NewTicker(s.expireTick)
	commitTicker := time.NewTicker(s.commitTick)
	defer expireTicker.Stop()
	defer commitTicker.Stop()
	for {
		select {
		case <-expireTicker.C:
			s.expire(ctx)
		case <-commitTicker.C:
			s.retryCommits(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// expire drains due sessions batch by batch until a short batch.
func (s *Sweeper) expire(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := s.mgr.ExpireDue(ctx, s.batch)
		if err != nil {
			s.logger.Error("expire due sessions", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			s.logger.Info("expired sessions", slog.Int("count", n))
		}
		if n < s.batch {
			return
		}
	}
}

func (s *Sweeper) retryCommits(ctx context.Context) {
	n, err := s.mgr.RetryCommits(ctx, s.batch)
	if err != nil {
		s.logger.Error("retry sale commits", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("committed pending sales", slog.Int("count", n))
	}
}
