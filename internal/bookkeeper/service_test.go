package bookkeeper_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/peerex/peerex/internal/bookkeeper"
	"github.com/peerex/peerex/internal/database"
	"github.com/peerex/peerex/pkg/errors"
)

type BookkeeperTestSuite struct {
	suite.Suite
	db  *gorm.DB
	ctx context.Context
	bk  *bookkeeper.Service

	userID uuid.UUID
}

func (s *BookkeeperTestSuite) SetupTest() {
	s.ctx = context.Background()

	var err error
	s.db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(s.T(), err)
	require.NoError(s.T(), database.Migrate(s.db))

	s.bk, err = bookkeeper.NewService(zaptest.NewLogger(s.T()), s.db)
	require.NoError(s.T(), err)

	s.userID = uuid.New()
}

func (s *BookkeeperTestSuite) TestDepositCreatesAccount() {
	account, err := s.bk.Deposit(s.ctx, s.userID, "BTC", decimal.NewFromInt(10))
	s.Require().NoError(err)
	s.True(account.Balance.Equal(decimal.NewFromInt(10)))
	s.True(account.Available.Equal(decimal.NewFromInt(10)))
	s.True(account.Locked.IsZero())

	// Second deposit accumulates on the same row.
	account, err = s.bk.Deposit(s.ctx, s.userID, "BTC", decimal.NewFromInt(5))
	s.Require().NoError(err)
	s.True(account.Available.Equal(decimal.NewFromInt(15)))
}

func (s *BookkeeperTestSuite) TestDepositRejectsNonPositive() {
	_, err := s.bk.Deposit(s.ctx, s.userID, "BTC", decimal.Zero)
	s.True(errors.IsKind(err, errors.KindValidation))
}

func (s *BookkeeperTestSuite) TestLockUnlockRoundTrip() {
	_, err := s.bk.Deposit(s.ctx, s.userID, "BTC", decimal.NewFromInt(10))
	s.Require().NoError(err)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.bk.LockFundsTx(tx, s.userID, "BTC", decimal.NewFromInt(4))
	})
	s.Require().NoError(err)

	account, err := s.bk.GetAccount(s.ctx, s.userID, "BTC")
	s.Require().NoError(err)
	s.True(account.Available.Equal(decimal.NewFromInt(6)))
	s.True(account.Locked.Equal(decimal.NewFromInt(4)))
	s.True(account.Balance.Equal(decimal.NewFromInt(10)))

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.bk.UnlockFundsTx(tx, s.userID, "BTC", decimal.NewFromInt(4))
	})
	s.Require().NoError(err)

	account, err = s.bk.GetAccount(s.ctx, s.userID, "BTC")
	s.Require().NoError(err)
	s.True(account.Available.Equal(decimal.NewFromInt(10)))
	s.True(account.Locked.IsZero())
}

func (s *BookkeeperTestSuite) TestLockRejectsOverdraw() {
	_, err := s.bk.Deposit(s.ctx, s.userID, "BTC", decimal.NewFromInt(3))
	s.Require().NoError(err)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.bk.LockFundsTx(tx, s.userID, "BTC", decimal.NewFromInt(5))
	})
	s.True(errors.IsKind(err, errors.KindInsufficientBalance))
}

func (s *BookkeeperTestSuite) TestLockWithoutAccountIsInsufficient() {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.bk.LockFundsTx(tx, s.userID, "ETH", decimal.NewFromInt(1))
	})
	s.True(errors.IsKind(err, errors.KindInsufficientBalance))
}

func (s *BookkeeperTestSuite) TestReleaseLockedMovesCustody() {
	counterpartyID := uuid.New()
	_, err := s.bk.Deposit(s.ctx, s.userID, "BTC", decimal.NewFromInt(10))
	s.Require().NoError(err)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.bk.LockFundsTx(tx, s.userID, "BTC", decimal.NewFromInt(7)); err != nil {
			return err
		}
		return s.bk.ReleaseLockedTx(tx, s.userID, counterpartyID, "BTC", decimal.NewFromInt(7))
	})
	s.Require().NoError(err)

	seller, err := s.bk.GetAccount(s.ctx, s.userID, "BTC")
	s.Require().NoError(err)
	s.True(seller.Balance.Equal(decimal.NewFromInt(3)))
	s.True(seller.Available.Equal(decimal.NewFromInt(3)))
	s.True(seller.Locked.IsZero())

	// Destination account is created on the fly.
	buyer, err := s.bk.GetAccount(s.ctx, counterpartyID, "BTC")
	s.Require().NoError(err)
	s.True(buyer.Balance.Equal(decimal.NewFromInt(7)))
	s.True(buyer.Available.Equal(decimal.NewFromInt(7)))
}

func (s *BookkeeperTestSuite) TestGetAvailableZeroWithoutAccount() {
	available, err := s.bk.GetAvailable(s.ctx, s.userID, "DOGE")
	s.Require().NoError(err)
	s.True(available.IsZero())
}

func TestBookkeeperTestSuite(t *testing.T) {
	suite.Run(t, new(BookkeeperTestSuite))
}
