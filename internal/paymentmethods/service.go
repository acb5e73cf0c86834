// Package paymentmethods manages a user's fiat payment instruments. Ads and
// trades reference instruments; ownership stays here, and deletion is refused
// while an open ad still points at the instrument.
package paymentmethods

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/pkg/errors"
)

// requiredDetailKeys lists the detail fields each instrument type must carry.
// The details bag is validated at this boundary only; the engine treats it as
// opaque.
var requiredDetailKeys = map[string][]string{
	"BANK_TRANSFER":  {"account_holder", "iban"},
	"PAYPAL":         {"email"},
	"WISE":           {"email"},
	"REVOLUT":        {"handle"},
	"CASH_IN_PERSON": {},
}

// Service implements the payment method registry.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	validate *validator.Validate
}

// NewService creates a new payment methods service
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db, validate: validator.New()}
}

// CreateRequest carries the fields to register an instrument.
type CreateRequest struct {
	Type        string            `json:"type" validate:"required"`
	DisplayName string            `json:"display_name" validate:"required,min=1,max=100"`
	Details     map[string]string `json:"details"`
}

// Create registers a new active instrument for the owner.
func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, req CreateRequest) (*models.PaymentMethod, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.Validation("invalid payment method: %s", err)
	}
	details, err := s.validateDetails(req.Type, req.Details)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	method := models.PaymentMethod{
		ID:          uuid.New(),
		UserID:      ownerID,
		Type:        req.Type,
		DisplayName: req.DisplayName,
		Details:     details,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&method).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to create payment method: %w", err))
	}

	s.logger.Info("Payment method created",
		zap.String("user_id", ownerID.String()),
		zap.String("method_id", method.ID.String()),
		zap.String("type", method.Type))
	return &method, nil
}

// UpdateRequest carries optional fields to change on an instrument.
type UpdateRequest struct {
	DisplayName *string            `json:"display_name,omitempty" validate:"omitempty,min=1,max=100"`
	Details     *map[string]string `json:"details,omitempty"`
	Active      *bool              `json:"active,omitempty"`
}

// Update mutates an instrument owned by ownerID.
func (s *Service) Update(ctx context.Context, ownerID, methodID uuid.UUID, req UpdateRequest) (*models.PaymentMethod, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.Validation("invalid payment method update: %s", err)
	}

	method, err := s.getOwned(ctx, ownerID, methodID)
	if err != nil {
		return nil, err
	}

	if req.DisplayName != nil {
		method.DisplayName = *req.DisplayName
	}
	if req.Details != nil {
		details, err := s.validateDetails(method.Type, *req.Details)
		if err != nil {
			return nil, err
		}
		method.Details = details
	}
	if req.Active != nil {
		method.Active = *req.Active
	}
	method.UpdatedAt = time.Now()

	if err := s.db.WithContext(ctx).Save(method).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to update payment method: %w", err))
	}
	return method, nil
}

// Delete removes an instrument unless an open ad still references it.
func (s *Service) Delete(ctx context.Context, ownerID, methodID uuid.UUID) error {
	method, err := s.getOwned(ctx, ownerID, methodID)
	if err != nil {
		return err
	}

	var refs int64
	err = s.db.WithContext(ctx).
		Model(&models.AdPaymentMethod{}).
		Joins("JOIN ads ON ads.id = ad_payment_methods.ad_id").
		Where("ad_payment_methods.payment_method_id = ? AND ads.status <> ?", methodID, models.AdStatusClosed).
		Count(&refs).Error
	if err != nil {
		return errors.Internal(fmt.Errorf("failed to count ad references: %w", err))
	}
	if refs > 0 {
		return errors.Conflict("payment method is referenced by %d open ad(s)", refs)
	}

	if err := s.db.WithContext(ctx).Delete(method).Error; err != nil {
		return errors.Internal(fmt.Errorf("failed to delete payment method: %w", err))
	}
	return nil
}

// Get returns an instrument owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, methodID uuid.UUID) (*models.PaymentMethod, error) {
	return s.getOwned(ctx, ownerID, methodID)
}

// List returns all instruments owned by ownerID.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID) ([]*models.PaymentMethod, error) {
	var methods []*models.PaymentMethod
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at ASC").
		Find(&methods).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to list payment methods: %w", err))
	}
	return methods, nil
}

func (s *Service) getOwned(ctx context.Context, ownerID, methodID uuid.UUID) (*models.PaymentMethod, error) {
	var method models.PaymentMethod
	err := s.db.WithContext(ctx).Where("id = ?", methodID).First(&method).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("payment method %s not found", methodID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to find payment method: %w", err))
	}
	if method.UserID != ownerID {
		return nil, errors.Forbidden("payment method belongs to another user")
	}
	return &method, nil
}

func (s *Service) validateDetails(methodType string, details map[string]string) (string, error) {
	required, ok := requiredDetailKeys[methodType]
	if !ok {
		return "", errors.Validation("unknown payment method type %q", methodType)
	}
	for _, key := range required {
		if details[key] == "" {
			return "", errors.Validation("payment method detail %q is required for %s", key, methodType)
		}
	}
	if email, ok := details["email"]; ok {
		if err := s.validate.Var(email, "email"); err != nil {
			return "", errors.Validation("invalid email in payment method details")
		}
	}
	if details == nil {
		details = map[string]string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", errors.Internal(fmt.Errorf("failed to marshal details: %w", err))
	}
	return string(raw), nil
}
