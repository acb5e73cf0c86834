package dispute_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/peerex/peerex/internal/adbook"
	"github.com/peerex/peerex/internal/audit"
	"github.com/peerex/peerex/internal/bookkeeper"
	"github.com/peerex/peerex/internal/database"
	"github.com/peerex/peerex/internal/dispute"
	"github.com/peerex/peerex/internal/escrow"
	"github.com/peerex/peerex/internal/idempotency"
	"github.com/peerex/peerex/internal/identity"
	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/internal/paymentmethods"
	"github.com/peerex/peerex/internal/risk"
	"github.com/peerex/peerex/internal/trade"
	"github.com/peerex/peerex/pkg/errors"
)

type DisputeResolutionTestSuite struct {
	suite.Suite
	logger   *zap.Logger
	db       *gorm.DB
	ctx      context.Context
	bk       *bookkeeper.Service
	adBook   *adbook.Service
	escrow   *escrow.Controller
	trades   *trade.Service
	disputes *dispute.Service

	buyerID    uuid.UUID
	sellerID   uuid.UUID
	resolverID uuid.UUID
	adID       uuid.UUID
	tradeID    uuid.UUID
}

func (s *DisputeResolutionTestSuite) SetupTest() {
	s.logger = zaptest.NewLogger(s.T())
	s.ctx = context.Background()

	var err error
	s.db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(s.T(), err)
	require.NoError(s.T(), database.Migrate(s.db))

	s.bk, err = bookkeeper.NewService(s.logger, s.db)
	require.NoError(s.T(), err)
	s.adBook = adbook.NewService(s.logger, s.db, s.bk)
	s.escrow = escrow.NewController(s.logger, s.db, s.bk)
	riskSvc := risk.NewService(s.logger, s.db, risk.Config{
		DailyNotionalCap:   decimal.NewFromInt(100000),
		StrikeThreshold:    3,
		SuspensionDuration: 24 * time.Hour,
	})
	auditSvc := audit.NewService(s.db)
	s.trades = trade.NewService(s.logger, s.db, s.adBook, s.escrow, riskSvc, auditSvc,
		idempotency.NewStore(s.db), identity.NewStaticProvider(identity.StatusApproved), 30*time.Minute)
	s.disputes = dispute.NewService(s.logger, s.db, s.adBook, s.escrow, auditSvc)

	s.buyerID = uuid.New()
	s.sellerID = uuid.New()
	s.resolverID = uuid.New()
	s.tradeID = s.disputedTrade()
}

// disputedTrade drives a fresh trade to DISPUTED: funded SELL ad, 5 BTC fill,
// paid with proof, then disputed by the buyer.
func (s *DisputeResolutionTestSuite) disputedTrade() uuid.UUID {
	_, err := s.bk.Deposit(s.ctx, s.sellerID, "BTC", decimal.NewFromInt(50))
	require.NoError(s.T(), err)

	methods := paymentmethods.NewService(s.logger, s.db)
	method, err := methods.Create(s.ctx, s.sellerID, paymentmethods.CreateRequest{
		Type:        "WISE",
		DisplayName: "Wise",
		Details:     map[string]string{"email": "seller@example.com"},
	})
	require.NoError(s.T(), err)

	ad, err := s.adBook.Create(s.ctx, s.sellerID, adbook.CreateRequest{
		Side:             models.AdSideSell,
		Asset:            "BTC",
		FiatCurrency:     "USD",
		Price:            decimal.NewFromInt(200),
		TotalQty:         decimal.NewFromInt(50),
		MinQty:           decimal.NewFromInt(1),
		MaxQty:           decimal.NewFromInt(10),
		PaymentMethodIDs: []uuid.UUID{method.ID},
	})
	require.NoError(s.T(), err)
	s.adID = ad.ID

	created, err := s.trades.Create(s.ctx, s.buyerID, trade.CreateRequest{
		AdID:              ad.ID,
		Quantity:          decimal.NewFromInt(5),
		PaymentMethodType: "WISE",
	})
	require.NoError(s.T(), err)

	_, err = s.trades.UploadProof(s.ctx, s.buyerID, created.ID, []string{"wise-transfer-77"})
	require.NoError(s.T(), err)
	_, err = s.trades.MarkPaid(s.ctx, s.buyerID, created.ID, "")
	require.NoError(s.T(), err)
	_, err = s.trades.OpenDispute(s.ctx, s.buyerID, created.ID, "seller unresponsive", []string{"chat-log"})
	require.NoError(s.T(), err)
	return created.ID
}

func (s *DisputeResolutionTestSuite) TestResolveReleaseToBuyer() {
	resolved, err := s.disputes.Resolve(s.ctx, s.resolverID, s.tradeID, models.OutcomeReleaseToBuyer, "proof checks out")
	s.Require().NoError(err)
	s.Equal(models.DisputeStatusResolved, resolved.Status)
	s.Equal(models.OutcomeReleaseToBuyer, resolved.Outcome)
	s.Require().NotNil(resolved.ResolverID)
	s.Equal(s.resolverID, *resolved.ResolverID)
	s.NotNil(resolved.ResolvedAt)

	settled, err := s.trades.Get(s.ctx, s.buyerID, false, s.tradeID)
	s.Require().NoError(err)
	s.Equal(models.TradeStatusReleased, settled.Status)

	available, err := s.bk.GetAvailable(s.ctx, s.buyerID, "BTC")
	s.Require().NoError(err)
	s.True(available.Equal(decimal.NewFromInt(5)))
}

func (s *DisputeResolutionTestSuite) TestResolveRefundToSeller() {
	resolved, err := s.disputes.Resolve(s.ctx, s.resolverID, s.tradeID, models.OutcomeRefundToSeller, "no payment arrived")
	s.Require().NoError(err)
	s.Equal(models.OutcomeRefundToSeller, resolved.Outcome)

	settled, err := s.trades.Get(s.ctx, s.sellerID, false, s.tradeID)
	s.Require().NoError(err)
	s.Equal(models.TradeStatusRefunded, settled.Status)

	// Seller's funds and the ad's inventory both come back.
	available, err := s.bk.GetAvailable(s.ctx, s.sellerID, "BTC")
	s.Require().NoError(err)
	s.True(available.Equal(decimal.NewFromInt(50)))

	ad, err := s.adBook.Get(s.ctx, s.adID)
	s.Require().NoError(err)
	s.True(ad.RemainingQty.Equal(decimal.NewFromInt(50)))
}

func (s *DisputeResolutionTestSuite) TestResolveIsFinal() {
	_, err := s.disputes.Resolve(s.ctx, s.resolverID, s.tradeID, models.OutcomeReleaseToBuyer, "")
	s.Require().NoError(err)

	_, err = s.disputes.Resolve(s.ctx, s.resolverID, s.tradeID, models.OutcomeRefundToSeller, "")
	s.True(errors.IsKind(err, errors.KindInvalidState))
}

func (s *DisputeResolutionTestSuite) TestResolveRejectsUnknownOutcome() {
	_, err := s.disputes.Resolve(s.ctx, s.resolverID, s.tradeID, "SPLIT_THE_DIFFERENCE", "")
	s.True(errors.IsKind(err, errors.KindValidation))
}

func (s *DisputeResolutionTestSuite) TestResolveRequiresDisputedTrade() {
	_, err := s.disputes.Resolve(s.ctx, s.resolverID, uuid.New(), models.OutcomeReleaseToBuyer, "")
	s.True(errors.IsKind(err, errors.KindNotFound))
}

func (s *DisputeResolutionTestSuite) TestGetVisibility() {
	_, err := s.disputes.Get(s.ctx, s.buyerID, false, s.tradeID)
	s.NoError(err)

	_, err = s.disputes.Get(s.ctx, uuid.New(), false, s.tradeID)
	s.True(errors.IsKind(err, errors.KindForbidden))

	_, err = s.disputes.Get(s.ctx, uuid.New(), true, s.tradeID)
	s.NoError(err)
}

func (s *DisputeResolutionTestSuite) TestListOpen() {
	open, err := s.disputes.ListOpen(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.Equal(s.tradeID, open[0].TradeID)

	_, err = s.disputes.Resolve(s.ctx, s.resolverID, s.tradeID, models.OutcomeReleaseToBuyer, "")
	s.Require().NoError(err)

	open, err = s.disputes.ListOpen(s.ctx)
	s.Require().NoError(err)
	s.Empty(open)
}

func TestDisputeResolutionTestSuite(t *testing.T) {
	suite.Run(t, new(DisputeResolutionTestSuite))
}
