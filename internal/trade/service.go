// Package trade owns the lifecycle of a matched trade and orchestrates the ad
// book, escrow controller, risk tracker and audit trail. Every multi-row
// mutation here runs in a single transaction: either the whole step commits
// or none of it does.
package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peerex/peerex/internal/adbook"
	"github.com/peerex/peerex/internal/audit"
	"github.com/peerex/peerex/internal/escrow"
	"github.com/peerex/peerex/internal/idempotency"
	"github.com/peerex/peerex/internal/identity"
	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/internal/risk"
	"github.com/peerex/peerex/pkg/errors"
	"github.com/peerex/peerex/pkg/metrics"
)

// Idempotency-keyed operations.
const (
	opCreateTrade  = "create_trade"
	opMarkPaid     = "mark_paid"
	opCancelTrade  = "cancel_trade"
	opReleaseTrade = "release_trade"
)

// StrikeReasonUnpaidExpiry tags strikes raised when the payment window lapses.
const StrikeReasonUnpaidExpiry = "UNPAID_EXPIRY"

// Service implements the trade state machine.
type Service struct {
	logger      *zap.Logger
	db          *gorm.DB
	adbook      *adbook.Service
	escrow      *escrow.Controller
	risk        *risk.Service
	audit       *audit.Service
	idempotency *idempotency.Store
	identity    identity.Provider

	paymentWindow time.Duration
	now           func() time.Time
}

// NewService creates a new trade service
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	adBook *adbook.Service,
	escrowCtl *escrow.Controller,
	riskSvc *risk.Service,
	auditSvc *audit.Service,
	idemStore *idempotency.Store,
	identityProvider identity.Provider,
	paymentWindow time.Duration,
) *Service {
	return &Service{
		logger:        logger,
		db:            db,
		adbook:        adBook,
		escrow:        escrowCtl,
		risk:          riskSvc,
		audit:         auditSvc,
		idempotency:   idemStore,
		identity:      identityProvider,
		paymentWindow: paymentWindow,
		now:           time.Now,
	}
}

// CreateRequest carries the fields to match against an ad.
type CreateRequest struct {
	AdID              uuid.UUID
	Quantity          decimal.Decimal
	PaymentMethodType string
	IdempotencyKey    string
}

// Create matches takerID against an ad. The reservation, escrow lock, trade
// and escrow rows, audit entry and both parties' volume accruals commit in
// one transaction; any failure rolls the whole step back.
func (s *Service) Create(ctx context.Context, takerID uuid.UUID, req CreateRequest) (*models.Trade, error) {
	start := s.now()

	if req.IdempotencyKey != "" {
		if prior, err := s.replay(ctx, opCreateTrade, req.IdempotencyKey); prior != nil || err != nil {
			return prior, err
		}
	}
	if req.Quantity.Sign() <= 0 {
		return nil, errors.Validation("quantity must be positive")
	}

	ad, err := s.adbook.Get(ctx, req.AdID)
	if err != nil {
		return nil, err
	}
	if ad.Status != models.AdStatusActive {
		return nil, errors.InvalidState("ad is not active")
	}
	if ad.OwnerID == takerID {
		return nil, errors.Validation("cannot trade against your own ad")
	}
	if req.Quantity.LessThan(ad.MinQty) || req.Quantity.GreaterThan(ad.MaxQty) {
		return nil, errors.Validation("quantity %s outside ad bounds [%s, %s]", req.Quantity, ad.MinQty, ad.MaxQty)
	}
	if req.Quantity.GreaterThan(ad.RemainingQty) {
		return nil, errors.Conflict("ad inventory depleted")
	}
	if !acceptsMethodType(ad, req.PaymentMethodType) {
		return nil, errors.Validation("payment method type %q not accepted by ad", req.PaymentMethodType)
	}

	// The maker's side names the maker's role; the taker takes the other one.
	var buyerID, sellerID uuid.UUID
	if ad.Side == models.AdSideSell {
		sellerID, buyerID = ad.OwnerID, takerID
	} else {
		buyerID, sellerID = ad.OwnerID, takerID
	}

	for _, partyID := range []uuid.UUID{buyerID, sellerID} {
		status, err := s.identity.GetVerificationStatus(ctx, partyID)
		if err != nil {
			return nil, errors.Internal(fmt.Errorf("verification lookup failed: %w", err))
		}
		if status != identity.StatusApproved {
			return nil, errors.Forbidden("party %s is not identity-verified", partyID)
		}
	}

	now := s.now()
	notional := req.Quantity.Mul(ad.Price)
	trade := &models.Trade{
		ID:                uuid.New(),
		AdID:              ad.ID,
		BuyerID:           buyerID,
		SellerID:          sellerID,
		Asset:             ad.Asset,
		FiatCurrency:      ad.FiatCurrency,
		Quantity:          req.Quantity,
		Price:             ad.Price,
		Notional:          notional,
		PaymentMethodType: req.PaymentMethodType,
		PaymentWindowSec:  int64(s.paymentWindow.Seconds()),
		Status:            models.TradeStatusCreated,
		ProofRefs:         "[]",
		ExpiresAt:         now.Add(s.paymentWindow),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Limit check and volume accrual share this transaction; the stats
		// rows stay locked between the two.
		if err := s.risk.CheckTx(tx, buyerID, notional, now); err != nil {
			return err
		}
		if err := s.risk.CheckTx(tx, sellerID, notional, now); err != nil {
			return err
		}

		if err := s.adbook.ReserveTx(tx, ad.ID, req.Quantity); err != nil {
			return err
		}
		if err := s.escrow.LockTx(tx, trade.ID, sellerID, ad.Asset, req.Quantity); err != nil {
			return err
		}
		if err := tx.Create(trade).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to create trade: %w", err))
		}
		if err := s.risk.RecordVolumeTx(tx, buyerID, notional, now); err != nil {
			return err
		}
		if err := s.risk.RecordVolumeTx(tx, sellerID, notional, now); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if err := s.idempotency.SaveTx(tx, opCreateTrade, req.IdempotencyKey, trade.ID); err != nil {
				return err
			}
		}
		return s.audit.AppendTx(tx, audit.Entry{
			TradeID:   trade.ID,
			Action:    "TRADE_CREATED",
			ActorID:   takerID.String(),
			NewStatus: models.TradeStatusCreated,
			Metadata: map[string]any{
				"ad_id":    ad.ID.String(),
				"quantity": req.Quantity.String(),
				"notional": notional.String(),
			},
		})
	})
	if err != nil {
		// A seller-side shortfall on the maker's own SELL ad pauses the ad so
		// it stops attracting takers. Documented side effect, not a silent one.
		if errors.IsKind(err, errors.KindInsufficientBalance) && sellerID == ad.OwnerID {
			if pauseErr := s.adbook.PauseTx(s.db.WithContext(ctx), ad.ID); pauseErr != nil {
				s.logger.Error("Failed to auto-pause ad", zap.String("ad_id", ad.ID.String()), zap.Error(pauseErr))
			} else {
				s.logger.Info("Ad auto-paused on insufficient seller balance", zap.String("ad_id", ad.ID.String()))
			}
		}
		if errors.IsKind(err, errors.KindConflict) && req.IdempotencyKey != "" {
			// A concurrent retry may have won the idempotency race.
			if prior, replayErr := s.replay(ctx, opCreateTrade, req.IdempotencyKey); replayErr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}

	metrics.TradesCreated.Inc()
	metrics.TradeCreateLatency.Observe(s.now().Sub(start).Seconds())
	s.logger.Info("Trade created",
		zap.String("trade_id", trade.ID.String()),
		zap.String("ad_id", ad.ID.String()),
		zap.String("buyer_id", buyerID.String()),
		zap.String("seller_id", sellerID.String()),
		zap.String("quantity", req.Quantity.String()))
	return trade, nil
}

// UploadProof appends proof-of-payment references. Buyer only, before the
// trade is marked paid.
func (s *Service) UploadProof(ctx context.Context, buyerID, tradeID uuid.UUID, proofRefs []string) (*models.Trade, error) {
	if len(proofRefs) == 0 {
		return nil, errors.Validation("at least one proof reference is required")
	}

	var trade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trade, err = lockTradeTx(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.BuyerID != buyerID {
			return errors.Forbidden("only the buyer may upload proof")
		}
		if trade.Status != models.TradeStatusCreated {
			return errors.InvalidState("proof can only be uploaded while the trade is awaiting payment")
		}

		refs, err := decodeProofRefs(trade.ProofRefs)
		if err != nil {
			return err
		}
		refs = append(refs, proofRefs...)
		encoded, err := json.Marshal(refs)
		if err != nil {
			return errors.Internal(fmt.Errorf("failed to encode proof refs: %w", err))
		}
		trade.ProofRefs = string(encoded)
		trade.UpdatedAt = s.now()
		if err := tx.Save(trade).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save trade: %w", err))
		}

		return s.audit.AppendTx(tx, audit.Entry{
			TradeID:    trade.ID,
			Action:     "PROOF_UPLOADED",
			ActorID:    buyerID.String(),
			PrevStatus: trade.Status,
			NewStatus:  trade.Status,
			Metadata:   map[string]any{"count": len(proofRefs)},
		})
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// MarkPaid transitions CREATED → PAID. Buyer only, inside the payment window,
// with proof already uploaded.
func (s *Service) MarkPaid(ctx context.Context, buyerID, tradeID uuid.UUID, idempotencyKey string) (*models.Trade, error) {
	if idempotencyKey != "" {
		if prior, err := s.replay(ctx, opMarkPaid, idempotencyKey); prior != nil || err != nil {
			return prior, err
		}
	}

	var trade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trade, err = lockTradeTx(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.BuyerID != buyerID {
			return errors.Forbidden("only the buyer may mark the trade paid")
		}
		if trade.Status != models.TradeStatusCreated {
			return errors.InvalidState("trade is %s, not CREATED", trade.Status)
		}
		now := s.now()
		if now.After(trade.ExpiresAt) {
			return errors.Expired("payment window closed at %s", trade.ExpiresAt.Format(time.RFC3339))
		}
		refs, err := decodeProofRefs(trade.ProofRefs)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return errors.Validation("proof of payment is required before marking paid")
		}

		prev := trade.Status
		trade.Status = models.TradeStatusPaid
		trade.PaidAt = &now
		trade.UpdatedAt = now
		if err := tx.Save(trade).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save trade: %w", err))
		}

		if idempotencyKey != "" {
			if err := s.idempotency.SaveTx(tx, opMarkPaid, idempotencyKey, trade.ID); err != nil {
				return err
			}
		}
		return s.audit.AppendTx(tx, audit.Entry{
			TradeID:    trade.ID,
			Action:     "MARKED_PAID",
			ActorID:    buyerID.String(),
			PrevStatus: prev,
			NewStatus:  trade.Status,
		})
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// Cancel transitions CREATED → CANCELLED. Buyer only. Unlocks escrow back to
// the seller and returns the quantity to the ad.
func (s *Service) Cancel(ctx context.Context, buyerID, tradeID uuid.UUID, idempotencyKey string) (*models.Trade, error) {
	if idempotencyKey != "" {
		if prior, err := s.replay(ctx, opCancelTrade, idempotencyKey); prior != nil || err != nil {
			return prior, err
		}
	}

	var trade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trade, err = lockTradeTx(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.BuyerID != buyerID {
			return errors.Forbidden("only the buyer may cancel the trade")
		}
		if trade.Status != models.TradeStatusCreated {
			return errors.InvalidState("trade is %s, not CREATED", trade.Status)
		}

		if err := s.escrow.UnlockTx(tx, trade.ID); err != nil {
			return err
		}
		if err := s.adbook.ReleaseTx(tx, trade.AdID, trade.Quantity); err != nil {
			return err
		}

		prev := trade.Status
		trade.Status = models.TradeStatusCancelled
		trade.UpdatedAt = s.now()
		if err := tx.Save(trade).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save trade: %w", err))
		}
		if err := s.risk.RecordCancellationTx(tx, buyerID); err != nil {
			return err
		}

		if idempotencyKey != "" {
			if err := s.idempotency.SaveTx(tx, opCancelTrade, idempotencyKey, trade.ID); err != nil {
				return err
			}
		}
		return s.audit.AppendTx(tx, audit.Entry{
			TradeID:    trade.ID,
			Action:     "CANCELLED",
			ActorID:    buyerID.String(),
			PrevStatus: prev,
			NewStatus:  trade.Status,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesFinalized.WithLabelValues(string(models.TradeStatusCancelled)).Inc()
	return trade, nil
}

// Release transitions PAID → RELEASED. Seller only. Moves the escrowed
// quantity into the buyer's available balance.
func (s *Service) Release(ctx context.Context, sellerID, tradeID uuid.UUID, idempotencyKey string) (*models.Trade, error) {
	if idempotencyKey != "" {
		if prior, err := s.replay(ctx, opReleaseTrade, idempotencyKey); prior != nil || err != nil {
			return prior, err
		}
	}

	var trade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trade, err = lockTradeTx(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.SellerID != sellerID {
			return errors.Forbidden("only the seller may release the trade")
		}
		if trade.Status != models.TradeStatusPaid {
			return errors.InvalidState("trade is %s, not PAID", trade.Status)
		}

		if err := s.escrow.ReleaseToCounterpartyTx(tx, trade.ID, trade.BuyerID); err != nil {
			return err
		}

		now := s.now()
		prev := trade.Status
		trade.Status = models.TradeStatusReleased
		trade.ReleasedAt = &now
		trade.UpdatedAt = now
		if err := tx.Save(trade).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save trade: %w", err))
		}
		if err := s.risk.RecordCompletionTx(tx, trade.BuyerID); err != nil {
			return err
		}
		if err := s.risk.RecordCompletionTx(tx, trade.SellerID); err != nil {
			return err
		}

		if idempotencyKey != "" {
			if err := s.idempotency.SaveTx(tx, opReleaseTrade, idempotencyKey, trade.ID); err != nil {
				return err
			}
		}
		return s.audit.AppendTx(tx, audit.Entry{
			TradeID:    trade.ID,
			Action:     "RELEASED",
			ActorID:    sellerID.String(),
			PrevStatus: prev,
			NewStatus:  trade.Status,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesFinalized.WithLabelValues(string(models.TradeStatusReleased)).Inc()
	s.logger.Info("Trade released",
		zap.String("trade_id", trade.ID.String()),
		zap.String("seller_id", sellerID.String()))
	return trade, nil
}

// OpenDispute transitions PAID → DISPUTED and creates the dispute child
// record. Either party, once per trade.
func (s *Service) OpenDispute(ctx context.Context, partyID, tradeID uuid.UUID, reason string, evidence []string) (*models.Dispute, error) {
	if reason == "" {
		return nil, errors.Validation("dispute reason is required")
	}

	var dispute *models.Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trade, err := lockTradeTx(tx, tradeID)
		if err != nil {
			return err
		}
		if partyID != trade.BuyerID && partyID != trade.SellerID {
			return errors.Forbidden("only a trade party may open a dispute")
		}

		// Duplicate check comes first: the opening dispute already moved the
		// trade off PAID, so a repeat attempt must conflict, not complain
		// about the state it caused.
		var existing int64
		if err := tx.Model(&models.Dispute{}).Where("trade_id = ?", tradeID).Count(&existing).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to check existing dispute: %w", err))
		}
		if existing > 0 {
			return errors.Conflict("trade already has a dispute")
		}
		if trade.Status != models.TradeStatusPaid {
			return errors.InvalidState("disputes can only be opened on a PAID trade")
		}

		encoded, err := json.Marshal(evidence)
		if err != nil {
			return errors.Internal(fmt.Errorf("failed to encode evidence: %w", err))
		}
		now := s.now()
		dispute = &models.Dispute{
			TradeID:  tradeID,
			OpenerID: partyID,
			Reason:   reason,
			Evidence: string(encoded),
			Status:   models.DisputeStatusOpen,
			OpenedAt: now,
		}
		if err := tx.Create(dispute).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to create dispute: %w", err))
		}

		prev := trade.Status
		trade.Status = models.TradeStatusDisputed
		trade.UpdatedAt = now
		if err := tx.Save(trade).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save trade: %w", err))
		}

		return s.audit.AppendTx(tx, audit.Entry{
			TradeID:    tradeID,
			Action:     "DISPUTE_OPENED",
			ActorID:    partyID.String(),
			PrevStatus: prev,
			NewStatus:  trade.Status,
			Metadata:   map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

// Expire force-cancels one unpaid trade whose payment window has lapsed.
// Called by the expiry sweeper; each trade is its own atomic unit.
func (s *Service) Expire(ctx context.Context, tradeID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trade, err := lockTradeTx(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != models.TradeStatusCreated {
			return errors.InvalidState("trade is %s, not CREATED", trade.Status)
		}
		now := s.now()
		if !now.After(trade.ExpiresAt) {
			return errors.InvalidState("trade has not expired yet")
		}

		if err := s.escrow.UnlockTx(tx, trade.ID); err != nil {
			return err
		}
		if err := s.adbook.ReleaseTx(tx, trade.AdID, trade.Quantity); err != nil {
			return err
		}

		prev := trade.Status
		trade.Status = models.TradeStatusExpired
		trade.UpdatedAt = now
		if err := tx.Save(trade).Error; err != nil {
			return errors.Internal(fmt.Errorf("failed to save trade: %w", err))
		}
		if err := s.risk.AddStrikeTx(tx, trade.BuyerID, StrikeReasonUnpaidExpiry, now); err != nil {
			return err
		}

		return s.audit.AppendTx(tx, audit.Entry{
			TradeID:    trade.ID,
			Action:     "EXPIRED",
			ActorID:    models.SystemActor,
			PrevStatus: prev,
			NewStatus:  trade.Status,
			Metadata:   map[string]any{"reason": "payment window expired"},
		})
	})
	if err != nil {
		return err
	}

	metrics.TradesFinalized.WithLabelValues(string(models.TradeStatusExpired)).Inc()
	return nil
}

// ListExpired returns ids of CREATED trades whose payment window has lapsed.
func (s *Service) ListExpired(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("status = ? AND expires_at < ?", models.TradeStatusCreated, s.now()).
		Order("expires_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to list expired trades: %w", err))
	}
	return ids, nil
}

// Escrow returns the trade's escrow record.
func (s *Service) Escrow(ctx context.Context, tradeID uuid.UUID) (*models.Escrow, error) {
	return s.escrow.Get(ctx, tradeID)
}

// Get returns a trade visible to the actor (a party, or an arbitrator).
func (s *Service) Get(ctx context.Context, actorID uuid.UUID, isArbitrator bool, tradeID uuid.UUID) (*models.Trade, error) {
	trade, err := s.find(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !isArbitrator && actorID != trade.BuyerID && actorID != trade.SellerID {
		return nil, errors.Forbidden("trade belongs to other parties")
	}
	return trade, nil
}

// Filter narrows a party's trade listing.
type Filter struct {
	Status models.TradeStatus
	Limit  int
	Offset int
}

// ListForParty returns trades where the user is buyer or seller.
func (s *Service) ListForParty(ctx context.Context, partyID uuid.UUID, filter Filter) ([]*models.Trade, error) {
	query := s.db.WithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", partyID, partyID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}

	var trades []*models.Trade
	if err := query.Order("created_at DESC").Find(&trades).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to list trades: %w", err))
	}
	return trades, nil
}

func (s *Service) find(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).Where("id = ?", tradeID).First(&trade).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("trade %s not found", tradeID)
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to find trade: %w", err))
	}
	return &trade, nil
}

// replay returns the trade stored for a previously seen idempotency key.
func (s *Service) replay(ctx context.Context, operation, key string) (*models.Trade, error) {
	record, err := s.idempotency.Get(operation, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return s.find(ctx, record.TradeID)
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

func acceptsMethodType(ad *models.Ad, methodType string) bool {
	for _, method := range ad.PaymentMethods {
		if method.Type == methodType && method.Active {
			return true
		}
	}
	return false
}

func decodeProofRefs(encoded string) ([]string, error) {
	if encoded == "" {
		return nil, nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(encoded), &refs); err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to decode proof refs: %w", err))
	}
	return refs, nil
}
