// Package risk enforces per-user daily notional caps and the strike /
// suspension policy. Counters live in UserStats rows mutated only inside the
// transaction of the trade event that triggers them, so multi-instance
// deployments share one source of truth.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/pkg/errors"
)

// Config holds the limits policy.
type Config struct {
	DailyNotionalCap   decimal.Decimal
	StrikeThreshold    int
	SuspensionDuration time.Duration
}

// Service implements the risk & limits tracker.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	cfg    Config
}

// NewService creates a new risk service
func NewService(logger *zap.Logger, db *gorm.DB, cfg Config) *Service {
	return &Service{logger: logger, db: db, cfg: cfg}
}

const dateLayout = "2006-01-02"

// CheckTx verifies that the user may take on notional more volume today and
// is not suspended. It does not commit the accrual; RecordVolumeTx does,
// inside the same transaction as the trade creation.
func (s *Service) CheckTx(tx *gorm.DB, userID uuid.UUID, notional decimal.Decimal, now time.Time) error {
	stats, err := findStatsTx(tx, userID)
	if err != nil {
		return err
	}
	if stats == nil {
		if notional.GreaterThan(s.cfg.DailyNotionalCap) {
			return errors.LimitExceeded("trade notional %s exceeds daily cap %s", notional, s.cfg.DailyNotionalCap)
		}
		return nil
	}

	if stats.SuspendedUntil != nil && stats.SuspendedUntil.After(now) {
		return errors.Suspended("user suspended until %s", stats.SuspendedUntil.Format(time.RFC3339))
	}

	accrued := decimal.Zero
	if stats.VolumeDate == now.Format(dateLayout) {
		accrued = stats.DailyVolume
	}
	if accrued.Add(notional).GreaterThan(s.cfg.DailyNotionalCap) {
		return errors.LimitExceeded("daily volume %s plus trade notional %s exceeds cap %s",
			accrued, notional, s.cfg.DailyNotionalCap)
	}
	return nil
}

// RecordVolumeTx accrues notional to the user's daily total, resetting the
// accrual when the stored date is not today.
func (s *Service) RecordVolumeTx(tx *gorm.DB, userID uuid.UUID, notional decimal.Decimal, now time.Time) error {
	stats, err := getOrCreateStatsTx(tx, userID)
	if err != nil {
		return err
	}

	today := now.Format(dateLayout)
	if stats.VolumeDate == today {
		stats.DailyVolume = stats.DailyVolume.Add(notional)
	} else {
		stats.DailyVolume = notional
		stats.VolumeDate = today
	}
	return saveStatsTx(tx, stats)
}

// AddStrikeTx records a policy violation. Reaching the strike threshold
// suspends the user for the configured duration.
func (s *Service) AddStrikeTx(tx *gorm.DB, userID uuid.UUID, reason string, now time.Time) error {
	stats, err := getOrCreateStatsTx(tx, userID)
	if err != nil {
		return err
	}

	stats.StrikeCount++
	stats.LastStrikeAt = &now
	if stats.StrikeCount >= s.cfg.StrikeThreshold {
		until := now.Add(s.cfg.SuspensionDuration)
		stats.SuspendedUntil = &until
		s.logger.Warn("User suspended",
			zap.String("user_id", userID.String()),
			zap.String("reason", reason),
			zap.Int("strikes", stats.StrikeCount),
			zap.Time("until", until))
	}
	return saveStatsTx(tx, stats)
}

// RecordCompletionTx increments the lifetime completed-trade counter.
func (s *Service) RecordCompletionTx(tx *gorm.DB, userID uuid.UUID) error {
	stats, err := getOrCreateStatsTx(tx, userID)
	if err != nil {
		return err
	}
	stats.CompletedTrades++
	return saveStatsTx(tx, stats)
}

// RecordCancellationTx increments the lifetime cancelled-trade counter.
func (s *Service) RecordCancellationTx(tx *gorm.DB, userID uuid.UUID) error {
	stats, err := getOrCreateStatsTx(tx, userID)
	if err != nil {
		return err
	}
	stats.CancelledTrades++
	return saveStatsTx(tx, stats)
}

// GetStats returns the user's counters, or an empty record when none exist.
func (s *Service) GetStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	var stats models.UserStats
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&stats).Error
	if err == gorm.ErrRecordNotFound {
		return &models.UserStats{UserID: userID, DailyVolume: decimal.Zero}, nil
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to find user stats: %w", err))
	}
	return &stats, nil
}

func findStatsTx(tx *gorm.DB, userID uuid.UUID) (*models.UserStats, error) {
	var stats models.UserStats
	query := tx
	if tx.Dialector.Name() == "postgres" {
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("user_id = ?", userID).First(&stats).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to find user stats: %w", err))
	}
	return &stats, nil
}

func getOrCreateStatsTx(tx *gorm.DB, userID uuid.UUID) (*models.UserStats, error) {
	stats, err := findStatsTx(tx, userID)
	if err != nil {
		return nil, err
	}
	if stats != nil {
		return stats, nil
	}

	stats = &models.UserStats{
		UserID:      userID,
		DailyVolume: decimal.Zero,
		UpdatedAt:   time.Now(),
	}
	if err := tx.Create(stats).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to create user stats: %w", err))
	}
	return stats, nil
}

func saveStatsTx(tx *gorm.DB, stats *models.UserStats) error {
	stats.UpdatedAt = time.Now()
	if err := tx.Save(stats).Error; err != nil {
		return errors.Internal(fmt.Errorf("failed to save user stats: %w", err))
	}
	return nil
}
