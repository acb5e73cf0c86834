// Package dispute adjudicates DISPUTED trades. Resolution is a single
// transaction that settles the escrow, finalizes the trade and closes the
// dispute record; the outcome is binding and cannot be re-run.
package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peerex/peerex/internal/adbook"
	"github.com/peerex/peerex/internal/audit"
	"github.com/peerex/peerex/internal/escrow"
	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/pkg/errors"
	"github.com/peerex/peerex/pkg/metrics"
)

// Service implements dispute adjudication.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	adbook *adbook.Service
	escrow *escrow.Controller
	audit  *audit.Service
	now    func() time.Time
}

// NewService creates a new dispute service
func NewService(logger *zap.Logger, db *gorm.DB, adBook *adbook.Service, escrowCtl *escrow.Controller, auditSvc *audit.Service) *Service {
	return &Service{
		logger: logger,
		db:     db,
		adbook: adBook,
		escrow: escrowCtl,
		audit:  auditSvc,
		now:    time.Now,
	}
}

// Resolve applies a binding arbitration outcome to a DISPUTED trade.
// RELEASE_TO_BUYER settles the escrow to the buyer; REFUND_TO_SELLER unlocks
// it back to the seller and returns the quantity to the ad.
func (s *Service) Resolve(ctx context.Context, resolverID, tradeID uuid.UUID, outcome models.DisputeOutcome, notes string) (*models.Dispute, error) {
	if outcome != models.OutcomeReleaseToBuyer && outcome != models.OutcomeRefundToSeller {
		return nil, errors.Validation("unknown dispute outcome %q", outcome)
	}

	var dispute *models.Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trade, err := lockTradeTx(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != models.TradeStatusDisputed {
			return errors.InvalidState("trade is %s, not DISPUTED", trade.Status)
		}

		dispute, err = lockDisputeTx(tx, tradeID)
		if err != nil {
			return err
		}
		if dispute.Status != models.DisputeStatusOpen {
			return errors.InvalidState("dispute for trade %s is already resolved", tradeID)
		}

		now := s.now()
		prev := trade.Status
		switch outcome {
		case models.OutcomeReleaseToBuyer:
			if err := s.escrow.ReleaseToCounterpartyTx(tx, trade.ID, trade.BuyerID); err != nil {
				return err
			}
			trade.Status = models.TradeStatusReleased
			trade.ReleasedAt = &now
		case models.OutcomeRefundToSeller:
			if err := s.escrow.UnlockTx(tx, trade.ID); err != nil {
				return err
			}
			if err := s.adbook.ReleaseTx(tx, trade.AdID, trade.Quantity); err != nil {
				return err
			}
			trade.Status = models.TradeStatusRefunded
		}
		trade.UpdatedAt = now
		if err := tx.Save(trade).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save trade: %w", err))
		}

		dispute.Status = models.DisputeStatusResolved
		dispute.Outcome = outcome
		dispute.ResolverID = &resolverID
		dispute.Notes = notes
		dispute.ResolvedAt = &now
		if err := tx.Save(dispute).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save dispute: %w", err))
		}

		return s.audit.AppendTx(tx, audit.Entry{
			TradeID:    trade.ID,
			Action:     "DISPUTE_RESOLVED",
			ActorID:    resolverID.String(),
			PrevStatus: prev,
			NewStatus:  trade.Status,
			Metadata:   map[string]any{"outcome": string(outcome)},
		})
	})
	if err != nil {
		return nil, err
	}

	finalStatus := models.TradeStatusReleased
	if outcome == models.OutcomeRefundToSeller {
		finalStatus = models.TradeStatusRefunded
	}
	metrics.TradesFinalized.WithLabelValues(string(finalStatus)).Inc()
	s.logger.Info("Dispute resolved",
		zap.String("trade_id", tradeID.String()),
		zap.String("resolver_id", resolverID.String()),
		zap.String("outcome", string(outcome)))
	return dispute, nil
}

// Get returns the dispute for a trade, visible to its parties and arbitrators.
func (s *Service) Get(ctx context.Context, actorID uuid.UUID, isArbitrator bool, tradeID uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&dispute).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("dispute for trade %s not found", tradeID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to find dispute: %w", err))
	}

	if !isArbitrator {
		var trade models.Trade
		if err := s.db.WithContext(ctx).Where("id = ?", tradeID).First(&trade).Error; err != nil {
			return nil, errors.Internal(fmt.Errorf("failed to find trade: %w", err))
		}
		if actorID != trade.BuyerID && actorID != trade.SellerID {
			return nil, errors.Forbidden("dispute belongs to other parties")
		}
	}
	return &dispute, nil
}

// ListOpen returns all unresolved disputes, oldest first.
func (s *Service) ListOpen(ctx context.Context) ([]*models.Dispute, error) {
	var disputes []*models.Dispute
	err := s.db.WithContext(ctx).
		Where("status = ?", models.DisputeStatusOpen).
		Order("opened_at ASC").
		Find(&disputes).Error
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to list open disputes: %w", err))
	}
	return disputes, nil
}

func lockTradeTx(tx *gorm.DB, tradeID uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	query := tx
	if tx.Dialector.Name() == "postgres" {
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("id = ?", tradeID).First(&trade).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("trade %s not found", tradeID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to lock trade: %w", err))
	}
	return &trade, nil
}

func lockDisputeTx(tx *gorm.DB, tradeID uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	query := tx
	if tx.Dialector.Name() == "postgres" {
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("trade_id = ?", tradeID).First(&dispute).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("dispute for trade %s not found", tradeID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to lock dispute: %w", err))
	}
	return &dispute, nil
}
