package paymentmethods_test

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

type PaymentMethodsTestSuite struct {
	suite.Suite
	logger  *zap.Logger
	db      *gorm.DB
	ctx     context.Context
	methods *paymentmethods.Service

	ownerID uuid.UUID
}

func (s *PaymentMethodsTestSuite) SetupTest() {
	s.logger = zaptest.NewLogger(s.T())
	s.ctx = context.Background()

	var err error
	s.db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(s.T(), err)
	require.NoError(s.T(), database.Migrate(s.db))

	s.methods = paymentmethods.NewService(s.logger, s.db)
	s.ownerID = uuid.New()
}

func (s *PaymentMethodsTestSuite) TestCreateValidInstrument() {
	method, err := s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "BANK_TRANSFER",
		DisplayName: "Main account",
		Details:     map[string]string{"account_holder": "Alice", "iban": "DE89370400440532013000"},
	})
	s.Require().NoError(err)
	s.True(method.Active)
	s.Equal("BANK_TRANSFER", method.Type)
}

func (s *PaymentMethodsTestSuite) TestCreateRejectsUnknownType() {
	_, err := s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "CARRIER_PIGEON",
		DisplayName: "Pigeon",
	})
	s.True(errors.IsKind(err, errors.KindValidation))
}

func (s *PaymentMethodsTestSuite) TestCreateRequiresTypeDetails() {
	_, err := s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "BANK_TRANSFER",
		DisplayName: "No IBAN",
		Details:     map[string]string{"account_holder": "Alice"},
	})
	s.True(errors.IsKind(err, errors.KindValidation))

	_, err = s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "PAYPAL",
		DisplayName: "Bad email",
		Details:     map[string]string{"email": "not-an-email"},
	})
	s.True(errors.IsKind(err, errors.KindValidation))
}

func (s *PaymentMethodsTestSuite) TestCashInPersonNeedsNoDetails() {
	_, err := s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "CASH_IN_PERSON",
		DisplayName: "Meetup",
	})
	s.NoError(err)
}

func (s *PaymentMethodsTestSuite) TestUpdateAndDeactivate() {
	method, err := s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "REVOLUT",
		DisplayName: "Revolut",
		Details:     map[string]string{"handle": "@alice"},
	})
	s.Require().NoError(err)

	name := "Revolut personal"
	active := false
	updated, err := s.methods.Update(s.ctx, s.ownerID, method.ID, paymentmethods.UpdateRequest{
		DisplayName: &name,
		Active:      &active,
	})
	s.Require().NoError(err)
	s.Equal(name, updated.DisplayName)
	s.False(updated.Active)
}

func (s *PaymentMethodsTestSuite) TestOwnershipEnforced() {
	method, err := s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "WISE",
		DisplayName: "Wise",
		Details:     map[string]string{"email": "alice@example.com"},
	})
	s.Require().NoError(err)

	_, err = s.methods.Get(s.ctx, uuid.New(), method.ID)
	s.True(errors.IsKind(err, errors.KindForbidden))
	err = s.methods.Delete(s.ctx, uuid.New(), method.ID)
	s.True(errors.IsKind(err, errors.KindForbidden))
}

func (s *PaymentMethodsTestSuite) TestDeleteRefusedWhileReferenced() {
	method, err := s.methods.Create(s.ctx, s.ownerID, paymentmethods.CreateRequest{
		Type:        "WISE",
		DisplayName: "Wise",
		Details:     map[string]string{"email": "alice@example.com"},
	})
	s.Require().NoError(err)

	bk, err := bookkeeper.NewService(s.logger, s.db)
	s.Require().NoError(err)
	_, err = bk.Deposit(s.ctx, s.ownerID, "BTC", decimal.NewFromInt(10))
	s.Require().NoError(err)

	adBook := adbook.NewService(s.logger, s.db, bk)
	ad, err := adBook.Create(s.ctx, s.ownerID, adbook.CreateRequest{
		Side:             models.AdSideSell,
		Asset:            "BTC",
		FiatCurrency:     "EUR",
		Price:            decimal.NewFromInt(100),
		TotalQty:         decimal.NewFromInt(10),
		MinQty:           decimal.NewFromInt(1),
		MaxQty:           decimal.NewFromInt(10),
		PaymentMethodIDs: []uuid.UUID{method.ID},
	})
	s.Require().NoError(err)

	err = s.methods.Delete(s.ctx, s.ownerID, method.ID)
	s.True(errors.IsKind(err, errors.KindConflict))

	// Closing the ad frees the instrument.
	_, err = adBook.Close(s.ctx, s.ownerID, ad.ID)
	s.Require().NoError(err)
	s.NoError(s.methods.Delete(s.ctx, s.ownerID, method.ID))
}

func TestPaymentMethodsTestSuite(t *testing.T) {
	suite.Run(t, new(PaymentMethodsTestSuite))
}
