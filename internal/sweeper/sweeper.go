// Package sweeper runs the background expiry job that force-cancels trades
// whose payment window lapsed without a MarkPaid. The sweep is idempotent:
// each trade settles in its own transaction and a trade that moved on since
// the listing is skipped.
package sweeper

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/peerex/peerex/internal/trade"
	"github.com/peerex/peerex/pkg/errors"
	"github.com/peerex/peerex/pkg/metrics"
)

const (
	leaderLockKey = "peerex:sweeper:leader"
	leaderLockTTL = 30 * time.Second
)

// Sweeper periodically expires unpaid trades.
type Sweeper struct {
	logger   *zap.Logger
	trades   *trade.Service
	redis    *redis.Client // optional; nil disables leader election
	interval time.Duration
}

// New creates a new sweeper
func New(logger *zap.Logger, trades *trade.Service, redisClient *redis.Client, interval time.Duration) *Sweeper {
	return &Sweeper{
		logger:   logger,
		trades:   trades,
		redis:    redisClient,
		interval: interval,
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Expiry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			if expired, err := s.Sweep(ctx); err != nil {
				metrics.SweepRuns.WithLabelValues("error").Inc()
				s.logger.Error("Sweep failed", zap.Error(err))
			} else {
				metrics.SweepRuns.WithLabelValues("ok").Inc()
				if expired > 0 {
					metrics.SweepExpiredTrades.Add(float64(expired))
				}
			}
		}
	}
}

// Sweep expires every lapsed CREATED trade and returns how many it settled.
// Per-trade failures are logged and skipped; the run carries on.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.acquireLeadership(ctx) {
		return 0, nil
	}

	ids, err := s.trades.ListExpired(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := s.trades.Expire(ctx, id); err != nil {
			// Lost the race with a buyer action between listing and settling.
			if errors.IsKind(err, errors.KindInvalidState) {
				continue
			}
			s.logger.Error("Failed to expire trade",
				zap.String("trade_id", id.String()),
				zap.Error(err))
			continue
		}
		expired++
		s.logger.Info("Trade expired", zap.String("trade_id", id.String()))
	}
	return expired, nil
}

// acquireLeadership claims the sweep for this instance. Without redis every
// instance sweeps; Expire stays safe either way, the lock just avoids wasted
// work.
func (s *Sweeper) acquireLeadership(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, leaderLockKey, "1", leaderLockTTL).Result()
	if err != nil {
		s.logger.Warn("Leader lock unavailable, sweeping anyway", zap.Error(err))
		return true
	}
	return ok
}
