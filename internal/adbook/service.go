// Package adbook manages standing offers and their remaining inventory.
// RemainingQty is the contended field: it only ever moves through the guarded
// ReserveTx/ReleaseTx mutations so concurrent takers cannot oversell an ad.
package adbook

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

// Service implements the ad book.
type Service struct {
	logger     *zap.Logger
	db         *gorm.DB
	bookkeeper *bookkeeper.Service
}

// NewService creates a new ad book service
func NewService(logger *zap.Logger, db *gorm.DB, bk *bookkeeper.Service) *Service {
	return &Service{logger: logger, db: db, bookkeeper: bk}
}

// CreateRequest carries the fields to post an ad.
type CreateRequest struct {
	Side             models.AdSide
	Asset            string
	FiatCurrency     string
	Price            decimal.Decimal
	TotalQty         decimal.Decimal
	MinQty           decimal.Decimal
	MaxQty           decimal.Decimal
	PaymentMethodIDs []uuid.UUID
	Terms            string
}

// Create posts a new ad with remainingQty = totalQty. A SELL-side ad requires
// the owner's available balance to cover the full quantity up front.
func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, req CreateRequest) (*models.Ad, error) {
	if err := validateQuantities(req.Price, req.TotalQty, req.MinQty, req.MaxQty); err != nil {
		return nil, err
	}
	if req.Side != models.AdSideBuy && req.Side != models.AdSideSell {
		return nil, errors.Validation("side must be BUY or SELL")
	}
	if req.Asset == "" || len(req.FiatCurrency) != 3 {
		return nil, errors.Validation("asset and a 3-letter fiat currency are required")
	}

	methods, err := s.validateOwnedMethods(ctx, ownerID, req.PaymentMethodIDs)
	if err != nil {
		return nil, err
	}

	if req.Side == models.AdSideSell {
		available, err := s.bookkeeper.GetAvailable(ctx, ownerID, req.Asset)
		if err != nil {
			return nil, err
		}
		if available.LessThan(req.TotalQty) {
			return nil, errors.InsufficientBalance("available %s %s below ad quantity %s", available, req.Asset, req.TotalQty)
		}
	}

	now := time.Now()
	ad := models.Ad{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Side:         req.Side,
		Asset:        req.Asset,
		FiatCurrency: req.FiatCurrency,
		Price:        req.Price,
		TotalQty:     req.TotalQty,
		RemainingQty: req.TotalQty,
		MinQty:       req.MinQty,
		MaxQty:       req.MaxQty,
		Status:       models.AdStatusActive,
		Terms:        req.Terms,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ad).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to create ad: %w", err))
		}
		for _, method := range methods {
			join := models.AdPaymentMethod{AdID: ad.ID, PaymentMethodID: method.ID}
			if err := tx.Create(&join).Error; err != nil {
				return errors.Internal(fmt.Errorf("failed to link payment method: %w", err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ad.PaymentMethods = methods
	s.logger.Info("Ad created",
		zap.String("ad_id", ad.ID.String()),
		zap.String("owner_id", ownerID.String()),
		zap.String("side", string(ad.Side)),
		zap.String("total_qty", ad.TotalQty.String()))
	return &ad, nil
}

// UpdateRequest carries optional fields to change on an ad.
type UpdateRequest struct {
	Price            *decimal.Decimal
	MinQty           *decimal.Decimal
	MaxQty           *decimal.Decimal
	PaymentMethodIDs *[]uuid.UUID
	Terms            *string
}

// Update mutates a non-closed ad owned by ownerID, re-validating quantity
// bounds and any changed payment methods.
func (s *Service) Update(ctx context.Context, ownerID, adID uuid.UUID, req UpdateRequest) (*models.Ad, error) {
	ad, err := s.getOwned(ctx, ownerID, adID)
	if err != nil {
		return nil, err
	}
	if ad.Status == models.AdStatusClosed {
		return nil, errors.InvalidState("ad is closed")
	}

	if req.Price != nil {
		ad.Price = *req.Price
	}
	if req.MinQty != nil {
		ad.MinQty = *req.MinQty
	}
	if req.MaxQty != nil {
		ad.MaxQty = *req.MaxQty
	}
	if req.Terms != nil {
		ad.Terms = *req.Terms
	}
	if err := validateQuantities(ad.Price, ad.TotalQty, ad.MinQty, ad.MaxQty); err != nil {
		return nil, err
	}

	var methods []models.PaymentMethod
	if req.PaymentMethodIDs != nil {
		methods, err = s.validateOwnedMethods(ctx, ownerID, *req.PaymentMethodIDs)
		if err != nil {
			return nil, err
		}
	}

	// Only the fields this call owns get written. A full-row save would put
	// back remaining_qty as read above and wipe any reservation that committed
	// in between.
	updates := map[string]any{"updated_at": time.Now()}
	if req.Price != nil {
		updates["price"] = *req.Price
	}
	if req.MinQty != nil {
		updates["min_qty"] = *req.MinQty
	}
	if req.MaxQty != nil {
		updates["max_qty"] = *req.MaxQty
	}
	if req.Terms != nil {
		updates["terms"] = *req.Terms
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Ad{}).
			Where("id = ? AND status <> ?", ad.ID, models.AdStatusClosed).
			Updates(updates)
		if result.Error != nil {
			return errors.Internal(fmt.Errorf("failed to update ad: %w", result.Error))
		}
		if result.RowsAffected == 0 {
			return errors.InvalidState("ad is closed")
		}
		if req.PaymentMethodIDs != nil {
			if err := tx.Where("ad_id = ?", ad.ID).Delete(&models.AdPaymentMethod{}).Error; err != nil {
				return errors.Internal(fmt.Errorf("failed to clear payment method links: %w", err))
			}
			for _, method := range methods {
				join := models.AdPaymentMethod{AdID: ad.ID, PaymentMethodID: method.ID}
				if err := tx.Create(&join).Error; err != nil {
					return errors.Internal(fmt.Errorf("failed to link payment method: %w", err))
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, adID)
}

// Pause sets an active ad to PAUSED. The status flips through a guarded
// UPDATE that touches no other column, so a reservation committing between
// the read and the write survives.
func (s *Service) Pause(ctx context.Context, ownerID, adID uuid.UUID) (*models.Ad, error) {
	if _, err := s.getOwned(ctx, ownerID, adID); err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).Model(&models.Ad{}).
		Where("id = ? AND status = ?", adID, models.AdStatusActive).
		Updates(map[string]any{
			"status":     models.AdStatusPaused,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, errors.Internal(fmt.Errorf("failed to pause ad: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return nil, errors.InvalidState("only active ads can be paused")
	}
	return s.Get(ctx, adID)
}

// Resume reactivates a paused ad. A SELL ad re-checks the owner's available
// balance against remainingQty; it may have drifted since the pause.
func (s *Service) Resume(ctx context.Context, ownerID, adID uuid.UUID) (*models.Ad, error) {
	ad, err := s.getOwned(ctx, ownerID, adID)
	if err != nil {
		return nil, err
	}
	if ad.Status != models.AdStatusPaused {
		return nil, errors.InvalidState("only paused ads can be resumed")
	}

	if ad.Side == models.AdSideSell {
		available, err := s.bookkeeper.GetAvailable(ctx, ownerID, ad.Asset)
		if err != nil {
			return nil, err
		}
		if available.LessThan(ad.RemainingQty) {
			return nil, errors.InsufficientBalance("available %s %s below remaining quantity %s", available, ad.Asset, ad.RemainingQty)
		}
	}

	result := s.db.WithContext(ctx).Model(&models.Ad{}).
		Where("id = ? AND status = ?", adID, models.AdStatusPaused).
		Updates(map[string]any{
			"status":     models.AdStatusActive,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, errors.Internal(fmt.Errorf("failed to resume ad: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return nil, errors.InvalidState("only paused ads can be resumed")
	}
	return s.Get(ctx, adID)
}

// Close transitions an ad to its terminal CLOSED state. Refused while any
// trade against the ad is still in flight. The count and the status write
// share one transaction with the ad row locked, so no trade can slip in
// between them.
func (s *Service) Close(ctx context.Context, ownerID, adID uuid.UUID) (*models.Ad, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ad, err := lockAdTx(tx, adID)
		if err != nil {
			return err
		}
		if ad.OwnerID != ownerID {
			return errors.Forbidden("ad belongs to another user")
		}
		if ad.Status == models.AdStatusClosed {
			return errors.InvalidState("ad is already closed")
		}

		var open int64
		err = tx.Model(&models.Trade{}).
			Where("ad_id = ? AND status IN ?", adID, []models.TradeStatus{
				models.TradeStatusCreated, models.TradeStatusPaid, models.TradeStatusDisputed,
			}).
			Count(&open).Error
		if err != nil {
			return errors.Internal(fmt.Errorf("failed to count open trades: %w", err))
		}
		if open > 0 {
			return errors.Conflict("ad has %d open trade(s)", open)
		}

		result := tx.Model(&models.Ad{}).
			Where("id = ?", adID).
			Updates(map[string]any{
				"status":     models.AdStatusClosed,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return errors.Internal(fmt.Errorf("failed to close ad: %w", result.Error))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, adID)
}

// Filter narrows the public ad listing.
type Filter struct {
	Side         models.AdSide
	Asset        string
	FiatCurrency string
	Limit        int
	Offset       int
}

// List returns fillable ads in price-time priority: price ascending, then
// creation time ascending at equal prices.
func (s *Service) List(ctx context.Context, filter Filter) ([]*models.Ad, error) {
	query := s.db.WithContext(ctx).
		Preload("PaymentMethods").
		Where("status = ? AND remaining_qty > 0", models.AdStatusActive)

	if filter.Side != "" {
		query = query.Where("side = ?", filter.Side)
	}
	if filter.Asset != "" {
		query = query.Where("asset = ?", filter.Asset)
	}
	if filter.FiatCurrency != "" {
		query = query.Where("fiat_currency = ?", filter.FiatCurrency)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}

	var ads []*models.Ad
	if err := query.Order("price ASC, created_at ASC").Find(&ads).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to list ads: %w", err))
	}
	return ads, nil
}

// ListOwn returns every ad owned by ownerID regardless of status.
func (s *Service) ListOwn(ctx context.Context, ownerID uuid.UUID) ([]*models.Ad, error) {
	var ads []*models.Ad
	if err := s.db.WithContext(ctx).
		Preload("PaymentMethods").
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&ads).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to list own ads: %w", err))
	}
	return ads, nil
}

// Get returns an ad with its accepted payment methods.
func (s *Service) Get(ctx context.Context, adID uuid.UUID) (*models.Ad, error) {
	var ad models.Ad
	err := s.db.WithContext(ctx).Preload("PaymentMethods").Where("id = ?", adID).First(&ad).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("ad %s not found", adID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to find ad: %w", err))
	}
	return &ad, nil
}

// ReserveTx conditionally decrements remainingQty inside the caller's
// transaction. The guarded UPDATE keeps concurrent takers from driving the
// inventory negative and refuses ads paused or closed since the caller read
// them; losing either race surfaces as a Conflict.
func (s *Service) ReserveTx(tx *gorm.DB, adID uuid.UUID, qty decimal.Decimal) error {
	result := tx.Model(&models.Ad{}).
		Where("id = ? AND status = ? AND remaining_qty >= ?", adID, models.AdStatusActive, qty).
		Updates(map[string]any{
			"remaining_qty": gorm.Expr("remaining_qty - ?", qty),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return errors.Internal(fmt.Errorf("failed to reserve inventory: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return errors.Conflict("ad is not active or its inventory is depleted")
	}
	return nil
}

// ReleaseTx returns qty to remainingQty inside the caller's transaction
// (cancel, expiry, refund).
func (s *Service) ReleaseTx(tx *gorm.DB, adID uuid.UUID, qty decimal.Decimal) error {
	result := tx.Model(&models.Ad{}).
		Where("id = ?", adID).
		Updates(map[string]any{
			"remaining_qty": gorm.Expr("remaining_qty + ?", qty),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return errors.Internal(fmt.Errorf("failed to release inventory: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return errors.NotFound("ad %s not found", adID)
	}
	return nil
}

// PauseTx pauses an ad inside the caller's transaction. Used when a seller's
// balance no longer covers their standing SELL ad.
func (s *Service) PauseTx(tx *gorm.DB, adID uuid.UUID) error {
	result := tx.Model(&models.Ad{}).
		Where("id = ? AND status = ?", adID, models.AdStatusActive).
		Updates(map[string]any{
			"status":     models.AdStatusPaused,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return errors.Internal(fmt.Errorf("failed to pause ad: %w", result.Error))
	}
	return nil
}

func lockAdTx(tx *gorm.DB, adID uuid.UUID) (*models.Ad, error) {
	var ad models.Ad
	query := tx
	if tx.Dialector.Name() == "postgres" {
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("id = ?", adID).First(&ad).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("ad %s not found", adID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to lock ad: %w", err))
	}
	return &ad, nil
}

func (s *Service) getOwned(ctx context.Context, ownerID, adID uuid.UUID) (*models.Ad, error) {
	ad, err := s.Get(ctx, adID)
	if err != nil {
		return nil, err
	}
	if ad.OwnerID != ownerID {
		return nil, errors.Forbidden("ad belongs to another user")
	}
	return ad, nil
}

func (s *Service) validateOwnedMethods(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) ([]models.PaymentMethod, error) {
	if len(ids) == 0 {
		return nil, errors.Validation("at least one payment method is required")
	}
	var methods []models.PaymentMethod
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&methods).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to load payment methods: %w", err))
	}
	if len(methods) != len(ids) {
		return nil, errors.Validation("one or more payment methods do not exist")
	}
	for _, method := range methods {
		if method.UserID != ownerID {
			return nil, errors.Validation("payment method %s belongs to another user", method.ID)
		}
		if !method.Active {
			return nil, errors.Validation("payment method %s is inactive", method.ID)
		}
	}
	return methods, nil
}

func validateQuantities(price, totalQty, minQty, maxQty decimal.Decimal) error {
	if price.Sign() <= 0 {
		return errors.Validation("price must be positive")
	}
	if totalQty.Sign() <= 0 || minQty.Sign() <= 0 {
		return errors.Validation("quantities must be positive")
	}
	if minQty.GreaterThan(maxQty) {
		return errors.Validation("minQty %s exceeds maxQty %s", minQty, maxQty)
	}
	if maxQty.GreaterThan(totalQty) {
		return errors.Validation("maxQty %s exceeds totalQty %s", maxQty, totalQty)
	}
	return nil
}
