// Package escrow pairs each trade with a custodial hold on the seller's
// balance. Every primitive mutates the escrow row and the ledger in the same
// transaction, so the hold and the balances can never disagree.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peerex/peerex/internal/bookkeeper"
	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/pkg/errors"
)

// Controller wraps the balance ledger with trade-scoped custody primitives.
type Controller struct {
	logger     *zap.Logger
	db         *gorm.DB
	bookkeeper *bookkeeper.Service
}

// NewController creates a new escrow controller
func NewController(logger *zap.Logger, db *gorm.DB, bk *bookkeeper.Service) *Controller {
	return &Controller{logger: logger, db: db, bookkeeper: bk}
}

// LockTx moves qty of the seller's available balance into locked and creates
// the trade's escrow row, all inside the caller's transaction.
func (c *Controller) LockTx(tx *gorm.DB, tradeID, sellerID uuid.UUID, asset string, qty decimal.Decimal) error {
	if err := c.bookkeeper.LockFundsTx(tx, sellerID, asset, qty); err != nil {
		return err
	}

	now := time.Now()
	row := models.Escrow{
		TradeID:   tradeID,
		SellerID:  sellerID,
		Asset:     asset,
		LockedQty: qty,
		Status:    models.EscrowStatusLocked,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return errors.Internal(fmt.Errorf("failed to create escrow: %w", err))
	}
	return nil
}

// UnlockTx returns the held quantity to the seller's available balance
// (cancel, expiry, refund) and marks the escrow UNLOCKED.
func (c *Controller) UnlockTx(tx *gorm.DB, tradeID uuid.UUID) error {
	row, err := lockEscrowTx(tx, tradeID)
	if err != nil {
		return err
	}
	if row.Status != models.EscrowStatusLocked {
		return errors.InvalidState("escrow for trade %s is %s, not LOCKED", tradeID, row.Status)
	}

	if err := c.bookkeeper.UnlockFundsTx(tx, row.SellerID, row.Asset, row.LockedQty); err != nil {
		return err
	}
	return setEscrowStatus(tx, row, models.EscrowStatusUnlocked)
}

// ReleaseToCounterpartyTx moves the held quantity out of the seller's custody
// into the buyer's available balance and marks the escrow RELEASED.
func (c *Controller) ReleaseToCounterpartyTx(tx *gorm.DB, tradeID, buyerID uuid.UUID) error {
	row, err := lockEscrowTx(tx, tradeID)
	if err != nil {
		return err
	}
	if row.Status != models.EscrowStatusLocked {
		return errors.InvalidState("escrow for trade %s is %s, not LOCKED", tradeID, row.Status)
	}

	if err := c.bookkeeper.ReleaseLockedTx(tx, row.SellerID, buyerID, row.Asset, row.LockedQty); err != nil {
		return err
	}
	return setEscrowStatus(tx, row, models.EscrowStatusReleased)
}

// Get returns the escrow row for a trade.
func (c *Controller) Get(ctx context.Context, tradeID uuid.UUID) (*models.Escrow, error) {
	var row models.Escrow
	err := c.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("escrow for trade %s not found", tradeID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to find escrow: %w", err))
	}
	return &row, nil
}

func lockEscrowTx(tx *gorm.DB, tradeID uuid.UUID) (*models.Escrow, error) {
	var row models.Escrow
	query := tx
	if tx.Dialector.Name() == "postgres" {
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("trade_id = ?", tradeID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("escrow for trade %s not found", tradeID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to lock escrow: %w", err))
	}
	return &row, nil
}

func setEscrowStatus(tx *gorm.DB, row *models.Escrow, status models.EscrowStatus) error {
	row.Status = status
	row.UpdatedAt = time.Now()
	if err := tx.Save(row).Error; err != nil {
		return errors.Internal(fmt.Errorf("failed to update escrow: %w", err))
	}
	return nil
}
