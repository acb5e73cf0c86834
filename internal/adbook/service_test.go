package adbook_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/peerex/peerex/internal/adbook"
	"github.com/peerex/peerex/internal/bookkeeper"
	"github.com/peerex/peerex/internal/database"
	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/internal/paymentmethods"
	"github.com/peerex/peerex/pkg/errors"
)

type AdBookTestSuite struct {
	suite.Suite
	logger  *zap.Logger
	db      *gorm.DB
	ctx     context.Context
	bk      *bookkeeper.Service
	methods *paymentmethods.Service
	adBook  *adbook.Service

	ownerID  uuid.UUID
	methodID uuid.UUID
}

func (s *AdBookTestSuite) SetupTest() {
	s.logger = zaptest.NewLogger(s.T())
	s.ctx = context.Background()

	var err error
	s.db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(s.T(), err)
	require.NoError(s.T(), database.Migrate(s.db))

	s.bk, err = bookkeeper.NewService(s.logger, s.db)
	require.NoError(s.T(), err)
	s.methods = paymentmethods.NewService(s.logger, s.db)
	s.adBook = adbook.NewService(s.logger, s.db, s.bk)

	s.ownerID = uuid.New()
	_, err = s.bk.Deposit(s.ctx, s.ownerID, "BTC", decimal.NewFromInt(100))
	require.NoError(s.T(), err)

	method, err := s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "BANK_TRANSFER",
		DisplayName: "Main account",
		Details:     map[string]string{"account_holder": "Owner", "iban": "DE89370400440532013000"},
	})
	require.NoError(s.T(), err)
	s.methodID = method.ID
}

func (s *AdBookTestSuite) sellRequest() adbook.CreateRequest {
	return adbook.CreateRequest{
		Side:             models.AdSideSell,
		Asset:            "BTC",
		FiatCurrency:     "EUR",
		Price:            decimal.NewFromInt(100),
		TotalQty:         decimal.NewFromInt(20),
		MinQty:           decimal.NewFromInt(1),
		MaxQty:           decimal.NewFromInt(5),
		PaymentMethodIDs: []uuid.UUID{s.methodID},
	}
}

func (s *AdBookTestSuite) TestCreateSellAd() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)
	s.Equal(models.AdStatusActive, ad.Status)
	s.True(ad.RemainingQty.Equal(ad.TotalQty))
	s.Len(ad.PaymentMethods, 1)
}

func (s *AdBookTestSuite) TestCreateSellAdRequiresBalance() {
	req := s.sellRequest()
	req.TotalQty = decimal.NewFromInt(500)
	req.MaxQty = decimal.NewFromInt(500)

	_, err := s.adBook.Create(s.ctx, s.ownerID, req)
	s.True(errors.IsKind(err, errors.KindInsufficientBalance))
}

func (s *AdBookTestSuite) TestCreateBuyAdSkipsBalanceCheck() {
	req := s.sellRequest()
	req.Side = models.AdSideBuy
	req.TotalQty = decimal.NewFromInt(500)
	req.MaxQty = decimal.NewFromInt(500)

	_, err := s.adBook.Create(s.ctx, s.ownerID, req)
	s.NoError(err)
}

func (s *AdBookTestSuite) TestCreateValidatesQuantityBounds() {
	req := s.sellRequest()
	req.MinQty = decimal.NewFromInt(10)
	req.MaxQty = decimal.NewFromInt(5)
	_, err := s.adBook.Create(s.ctx, s.ownerID, req)
	s.True(errors.IsKind(err, errors.KindValidation))

	req = s.sellRequest()
	req.MaxQty = decimal.NewFromInt(25)
	_, err = s.adBook.Create(s.ctx, s.ownerID, req)
	s.True(errors.IsKind(err, errors.KindValidation))
}

func (s *AdBookTestSuite) TestCreateRejectsForeignPaymentMethod() {
	stranger, err := s.methods.Create(s.ctx, uuid.New(), paymentmethods.CreateRequest{
		Type:        "PAYPAL",
		DisplayName: "PayPal",
		Details:     map[string]string{"email": "other@example.com"},
	})
	s.Require().NoError(err)

	req := s.sellRequest()
	req.PaymentMethodIDs = []uuid.UUID{stranger.ID}
	_, err = s.adBook.Create(s.ctx, s.ownerID, req)
	s.True(errors.IsKind(err, errors.KindValidation))
}

func (s *AdBookTestSuite) TestPauseResumeCycle() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)

	paused, err := s.adBook.Pause(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)
	s.Equal(models.AdStatusPaused, paused.Status)

	// Paused ads disappear from the public listing.
	ads, err := s.adBook.List(s.ctx, adbook.Filter{Asset: "BTC"})
	s.Require().NoError(err)
	s.Empty(ads)

	resumed, err := s.adBook.Resume(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)
	s.Equal(models.AdStatusActive, resumed.Status)
}

func (s *AdBookTestSuite) TestResumeRechecksBalance() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)
	_, err = s.adBook.Pause(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)

	err = s.db.Model(&models.Account{}).
		Where("user_id = ? AND asset = ?", s.ownerID, "BTC").
		Update("available", decimal.NewFromInt(1)).Error
	s.Require().NoError(err)

	_, err = s.adBook.Resume(s.ctx, s.ownerID, ad.ID)
	s.True(errors.IsKind(err, errors.KindInsufficientBalance))
}

func (s *AdBookTestSuite) TestCloseIsTerminal() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)

	closed, err := s.adBook.Close(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)
	s.Equal(models.AdStatusClosed, closed.Status)

	_, err = s.adBook.Close(s.ctx, s.ownerID, ad.ID)
	s.True(errors.IsKind(err, errors.KindInvalidState))
	_, err = s.adBook.Pause(s.ctx, s.ownerID, ad.ID)
	s.True(errors.IsKind(err, errors.KindInvalidState))
}

func (s *AdBookTestSuite) TestCloseRefusedWithOpenTrade() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)

	open := models.Trade{
		ID:       uuid.New(),
		AdID:     ad.ID,
		BuyerID:  uuid.New(),
		SellerID: s.ownerID,
		Asset:    "BTC", FiatCurrency: "EUR",
		Quantity: decimal.NewFromInt(2),
		Price:    decimal.NewFromInt(100),
		Status:   models.TradeStatusPaid,
	}
	s.Require().NoError(s.db.Create(&open).Error)

	_, err = s.adBook.Close(s.ctx, s.ownerID, ad.ID)
	s.True(errors.IsKind(err, errors.KindConflict))
}

func (s *AdBookTestSuite) TestListOrdersByPriceThenAge() {
	cheap := s.sellRequest()
	cheap.Price = decimal.NewFromInt(90)
	expensive := s.sellRequest()
	expensive.Price = decimal.NewFromInt(110)

	first, err := s.adBook.Create(s.ctx, s.ownerID, expensive)
	s.Require().NoError(err)
	second, err := s.adBook.Create(s.ctx, s.ownerID, cheap)
	s.Require().NoError(err)

	ads, err := s.adBook.List(s.ctx, adbook.Filter{Side: models.AdSideSell})
	s.Require().NoError(err)
	s.Require().Len(ads, 2)
	s.Equal(second.ID, ads[0].ID)
	s.Equal(first.ID, ads[1].ID)
}

func (s *AdBookTestSuite) TestReserveGuardsInventory() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)

	s.Require().NoError(s.adBook.ReserveTx(s.db, ad.ID, decimal.NewFromInt(15)))

	// 5 remain; reserving 6 more must lose.
	err = s.adBook.ReserveTx(s.db, ad.ID, decimal.NewFromInt(6))
	s.True(errors.IsKind(err, errors.KindConflict))

	s.Require().NoError(s.adBook.ReleaseTx(s.db, ad.ID, decimal.NewFromInt(15)))
	got, err := s.adBook.Get(s.ctx, ad.ID)
	s.Require().NoError(err)
	s.True(got.RemainingQty.Equal(decimal.NewFromInt(20)))
}

func (s *AdBookTestSuite) TestReserveRefusesInactiveAd() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)
	_, err = s.adBook.Pause(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)

	err = s.adBook.ReserveTx(s.db, ad.ID, decimal.NewFromInt(2))
	s.True(errors.IsKind(err, errors.KindConflict))

	_, err = s.adBook.Resume(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)
	s.NoError(s.adBook.ReserveTx(s.db, ad.ID, decimal.NewFromInt(2)))
}

func (s *AdBookTestSuite) TestStatusFlipsPreserveReservedInventory() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)
	s.Require().NoError(s.adBook.ReserveTx(s.db, ad.ID, decimal.NewFromInt(5)))

	// Pausing and resuming only touch the status column, so the reservation
	// taken above is never written over.
	_, err = s.adBook.Pause(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)
	resumed, err := s.adBook.Resume(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)
	s.True(resumed.RemainingQty.Equal(decimal.NewFromInt(15)))
}

func (s *AdBookTestSuite) TestUpdatePreservesReservedInventory() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)
	s.Require().NoError(s.adBook.ReserveTx(s.db, ad.ID, decimal.NewFromInt(5)))

	price := decimal.NewFromInt(105)
	updated, err := s.adBook.Update(s.ctx, s.ownerID, ad.ID, adbook.UpdateRequest{Price: &price})
	s.Require().NoError(err)
	s.True(updated.Price.Equal(price))
	s.True(updated.RemainingQty.Equal(decimal.NewFromInt(15)))
}

func (s *AdBookTestSuite) TestUpdateForbiddenForStranger() {
	ad, err := s.adBook.Create(s.ctx, s.ownerID, s.sellRequest())
	s.Require().NoError(err)

	price := decimal.NewFromInt(101)
	_, err = s.adBook.Update(s.ctx, uuid.New(), ad.ID, adbook.UpdateRequest{Price: &price})
	s.True(errors.IsKind(err, errors.KindForbidden))
}

func TestAdBookTestSuite(t *testing.T) {
	suite.Run(t, new(AdBookTestSuite))
}
