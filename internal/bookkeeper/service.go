// Package bookkeeper is the balance ledger adapter: the authoritative store of
// per-user, per-asset balances with an available/locked split. The escrow
// controller composes its Tx-suffixed primitives inside the engine's
// transaction boundary.
package bookkeeper

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

// Service implements the balance ledger over the transactional store.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new bookkeeper service
func NewService(logger *zap.Logger, db *gorm.DB) (*Service, error) {
	return &Service{logger: logger, db: db}, nil
}

// forUpdate adds a row-level lock on dialects that support it. SQLite (tests)
// serializes writers on its own.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// GetAccounts gets all accounts for a user
func (s *Service) GetAccounts(ctx context.Context, userID uuid.UUID) ([]*models.Account, error) {
	var accounts []*models.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to find accounts: %w", err))
	}
	return accounts, nil
}

// GetAccount gets a user's account for an asset
func (s *Service) GetAccount(ctx context.Context, userID uuid.UUID, asset string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("user_id = ? AND asset = ?", userID, asset).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NotFound("account not found for asset %s", asset)
		}
		return nil, errors.Internal(fmt.Errorf("failed to find account: %w", err))
	}
	return &account, nil
}

// GetAvailable returns the available balance for (user, asset), zero when no
// account row exists yet.
func (s *Service) GetAvailable(ctx context.Context, userID uuid.UUID, asset string) (decimal.Decimal, error) {
	account, err := s.GetAccount(ctx, userID, asset)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return account.Available, nil
}

// Deposit credits a user's available balance, creating the account row if
// absent. Privileged operation; exposed only on the admin surface.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal) (*models.Account, error) {
	if amount.Sign() <= 0 {
		return nil, errors.Validation("deposit amount must be positive")
	}

	var account *models.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = getOrCreateAccountTx(tx, userID, asset)
		if err != nil {
			return err
		}
		account.Balance = account.Balance.Add(amount)
		account.Available = account.Available.Add(amount)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save account: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Deposit credited",
		zap.String("user_id", userID.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))
	return account, nil
}

// LockFundsTx moves amount from available to locked for (user, asset) inside
// the caller's transaction.
func (s *Service) LockFundsTx(tx *gorm.DB, userID uuid.UUID, asset string, amount decimal.Decimal) error {
	account, err := lockAccountTx(tx, userID, asset)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return errors.InsufficientBalance("available 0, required %s %s", amount, asset)
		}
		return err
	}
	if account.Available.LessThan(amount) {
		return errors.InsufficientBalance("available %s, required %s %s", account.Available, amount, asset)
	}
	return applyBalanceDelta(tx, account, decimal.Zero, amount.Neg(), amount)
}

// UnlockFundsTx moves amount from locked back to available inside the
// caller's transaction.
func (s *Service) UnlockFundsTx(tx *gorm.DB, userID uuid.UUID, asset string, amount decimal.Decimal) error {
	account, err := lockAccountTx(tx, userID, asset)
	if err != nil {
		return err
	}
	if account.Locked.LessThan(amount) {
		return errors.Internal(fmt.Errorf("locked %s below unlock amount %s for user %s", account.Locked, amount, userID))
	}
	return applyBalanceDelta(tx, account, decimal.Zero, amount, amount.Neg())
}

// ReleaseLockedTx moves amount out of fromUser's locked balance into toUser's
// available balance, creating the destination account if absent. Accounts are
// locked in lexicographic user order to avoid deadlocks.
func (s *Service) ReleaseLockedTx(tx *gorm.DB, fromUserID, toUserID uuid.UUID, asset string, amount decimal.Decimal) error {
	var fromAccount, toAccount *models.Account
	var err error

	if fromUserID.String() <= toUserID.String() {
		if fromAccount, err = lockAccountTx(tx, fromUserID, asset); err != nil {
			return err
		}
		if toAccount, err = getOrCreateAccountLockedTx(tx, toUserID, asset); err != nil {
			return err
		}
	} else {
		if toAccount, err = getOrCreateAccountLockedTx(tx, toUserID, asset); err != nil {
			return err
		}
		if fromAccount, err = lockAccountTx(tx, fromUserID, asset); err != nil {
			return err
		}
	}

	if fromAccount.Locked.LessThan(amount) {
		return errors.Internal(fmt.Errorf("locked %s below release amount %s for user %s", fromAccount.Locked, amount, fromUserID))
	}

	if err := applyBalanceDelta(tx, fromAccount, amount.Neg(), decimal.Zero, amount.Neg()); err != nil {
		return err
	}
	return applyBalanceDelta(tx, toAccount, amount, amount, decimal.Zero)
}

// lockAccountTx loads an account with a row lock held.
func lockAccountTx(tx *gorm.DB, userID uuid.UUID, asset string) (*models.Account, error) {
	var account models.Account
	if err := forUpdate(tx).Where("user_id = ? AND asset = ?", userID, asset).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.NotFound("account not found for asset %s", asset)
		}
		return nil, errors.Internal(fmt.Errorf("failed to lock account: %w", err))
	}
	return &account, nil
}

func getOrCreateAccountTx(tx *gorm.DB, userID uuid.UUID, asset string) (*models.Account, error) {
	var account models.Account
	err := forUpdate(tx).Where("user_id = ? AND asset = ?", userID, asset).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, errors.Internal(fmt.Errorf("failed to find account: %w", err))
	}

	now := time.Now()
	account = models.Account{
		ID:        uuid.New(),
		UserID:    userID,
		Asset:     asset,
		Balance:   decimal.Zero,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&account).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to create account: %w", err))
	}
	return &account, nil
}

func getOrCreateAccountLockedTx(tx *gorm.DB, userID uuid.UUID, asset string) (*models.Account, error) {
	return getOrCreateAccountTx(tx, userID, asset)
}

// applyBalanceDelta updates the three balance columns in one write.
func applyBalanceDelta(tx *gorm.DB, account *models.Account, deltaBalance, deltaAvailable, deltaLocked decimal.Decimal) error {
	account.Balance = account.Balance.Add(deltaBalance)
	account.Available = account.Available.Add(deltaAvailable)
	account.Locked = account.Locked.Add(deltaLocked)
	account.UpdatedAt = time.Now()
	if err := tx.Save(account).Error; err != nil {
		return errors.Internal(fmt.Errorf("failed to update balance: %w", err))
	}
	return nil
}
