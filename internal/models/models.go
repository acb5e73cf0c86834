// Package models defines the persistent entities of the P2P marketplace engine.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdSide is the direction of an ad from the owner's perspective.
type AdSide string

const (
	AdSideBuy  AdSide = "BUY"
	AdSideSell AdSide = "SELL"
)

// AdStatus enumerates ad lifecycle states. CLOSED is terminal.
type AdStatus string

const (
	AdStatusActive AdStatus = "ACTIVE"
	AdStatusPaused AdStatus = "PAUSED"
	AdStatusClosed AdStatus = "CLOSED"
)

// TradeStatus enumerates trade lifecycle states.
type TradeStatus string

const (
	TradeStatusCreated   TradeStatus = "CREATED"
	TradeStatusPaid      TradeStatus = "PAID"
	TradeStatusDisputed  TradeStatus = "DISPUTED"
	TradeStatusReleased  TradeStatus = "RELEASED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
	TradeStatusExpired   TradeStatus = "EXPIRED"
	TradeStatusRefunded  TradeStatus = "REFUNDED"
)

// Terminal reports whether no further transition is legal from s.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusReleased, TradeStatusCancelled, TradeStatusExpired, TradeStatusRefunded:
		return true
	}
	return false
}

// EscrowStatus enumerates custodial hold states.
type EscrowStatus string

const (
	EscrowStatusLocked   EscrowStatus = "LOCKED"
	EscrowStatusReleased EscrowStatus = "RELEASED"
	EscrowStatusUnlocked EscrowStatus = "UNLOCKED"
)

// DisputeStatus enumerates dispute states.
type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "OPEN"
	DisputeStatusResolved DisputeStatus = "RESOLVED"
)

// DisputeOutcome is the binding arbitration result.
type DisputeOutcome string

const (
	OutcomeReleaseToBuyer DisputeOutcome = "RELEASE_TO_BUYER"
	OutcomeRefundToSeller DisputeOutcome = "REFUND_TO_SELLER"
)

// Account represents a user's custodial balance for a specific asset
type Account struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index:idx_accounts_user_asset,unique" validate:"required,uuid"`
	Asset     string          `json:"asset" gorm:"index:idx_accounts_user_asset,unique" validate:"required"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(36,18)"`
	Available decimal.Decimal `json:"available" gorm:"type:decimal(36,18)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(36,18)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PaymentMethod represents a user's fiat payment instrument. Ads and trades
// reference instruments but never own them.
type PaymentMethod struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID      uuid.UUID `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Type        string    `json:"type" validate:"required,oneof=BANK_TRANSFER PAYPAL WISE REVOLUT CASH_IN_PERSON"`
	DisplayName string    `json:"display_name" validate:"required,min=1,max=100"`
	Details     string    `json:"details" gorm:"type:text" validate:"omitempty,json"` // JSON object keyed by instrument field
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ad represents a standing, partially fillable offer at a fixed unit price.
// RemainingQty is decremented only by trade creation and incremented only by
// cancellation, expiry or refund.
type Ad struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OwnerID      uuid.UUID       `json:"owner_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Side         AdSide          `json:"side" validate:"required,oneof=BUY SELL"`
	Asset        string          `json:"asset" gorm:"index" validate:"required"`
	FiatCurrency string          `json:"fiat_currency" validate:"required,len=3"`
	Price        decimal.Decimal `json:"price" gorm:"type:decimal(36,18)" validate:"required"`
	TotalQty     decimal.Decimal `json:"total_qty" gorm:"type:decimal(36,18)" validate:"required"`
	RemainingQty decimal.Decimal `json:"remaining_qty" gorm:"type:decimal(36,18)"`
	MinQty       decimal.Decimal `json:"min_qty" gorm:"type:decimal(36,18)" validate:"required"`
	MaxQty       decimal.Decimal `json:"max_qty" gorm:"type:decimal(36,18)" validate:"required"`
	Status       AdStatus        `json:"status" gorm:"index"`
	Terms        string          `json:"terms" validate:"omitempty,max=2000"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	PaymentMethods []PaymentMethod `json:"payment_methods,omitempty" gorm:"many2many:ad_payment_methods"`
}

// AdPaymentMethod joins ads to the payment instruments they accept.
type AdPaymentMethod struct {
	AdID            uuid.UUID `json:"ad_id" gorm:"type:uuid;primaryKey"`
	PaymentMethodID uuid.UUID `json:"payment_method_id" gorm:"type:uuid;primaryKey;index"`
}

// Trade is one matched fill against an ad and the unit of escrow. Identity
// fields are immutable after creation; only Status and its companion
// timestamps change.
type Trade struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AdID              uuid.UUID       `json:"ad_id" gorm:"type:uuid;index" validate:"required,uuid"`
	BuyerID           uuid.UUID       `json:"buyer_id" gorm:"type:uuid;index" validate:"required,uuid"`
	SellerID          uuid.UUID       `json:"seller_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Asset             string          `json:"asset" validate:"required"`
	FiatCurrency      string          `json:"fiat_currency" validate:"required,len=3"`
	Quantity          decimal.Decimal `json:"quantity" gorm:"type:decimal(36,18)" validate:"required"`
	Price             decimal.Decimal `json:"price" gorm:"type:decimal(36,18)" validate:"required"`
	Notional          decimal.Decimal `json:"notional" gorm:"type:decimal(36,18)"`
	PaymentMethodType string          `json:"payment_method_type" validate:"required"`
	PaymentWindowSec  int64           `json:"payment_window_sec"`
	Status            TradeStatus     `json:"status" gorm:"index"`
	ProofRefs         string          `json:"proof_refs" gorm:"type:text" validate:"omitempty,json"` // JSON array of proof-of-payment references
	ExpiresAt         time.Time       `json:"expires_at" gorm:"index"`
	PaidAt            *time.Time      `json:"paid_at"`
	ReleasedAt        *time.Time      `json:"released_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Escrow is the custodial hold child record of a trade (one-to-one, keyed by
// trade id).
type Escrow struct {
	TradeID   uuid.UUID       `json:"trade_id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	SellerID  uuid.UUID       `json:"seller_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Asset     string          `json:"asset" validate:"required"`
	LockedQty decimal.Decimal `json:"locked_qty" gorm:"type:decimal(36,18)"`
	Status    EscrowStatus    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Dispute is the optional arbitration child record of a trade.
type Dispute struct {
	TradeID    uuid.UUID      `json:"trade_id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OpenerID   uuid.UUID      `json:"opener_id" gorm:"type:uuid" validate:"required,uuid"`
	Reason     string         `json:"reason" validate:"required,max=500"`
	Evidence   string         `json:"evidence" gorm:"type:text" validate:"omitempty,json"` // JSON array of evidence references
	Status     DisputeStatus  `json:"status"`
	Outcome    DisputeOutcome `json:"outcome,omitempty"`
	ResolverID *uuid.UUID     `json:"resolver_id,omitempty" gorm:"type:uuid"`
	Notes      string         `json:"notes" validate:"omitempty,max=2000"`
	OpenedAt   time.Time      `json:"opened_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// UserStats tracks per-user risk counters. DailyVolume accrues to VolumeDate
// (YYYY-MM-DD); a stored date other than today means the accrual is stale and
// reads as zero.
type UserStats struct {
	UserID          uuid.UUID       `json:"user_id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	DailyVolume     decimal.Decimal `json:"daily_volume" gorm:"type:decimal(36,18)"`
	VolumeDate      string          `json:"volume_date"`
	StrikeCount     int             `json:"strike_count"`
	LastStrikeAt    *time.Time      `json:"last_strike_at,omitempty"`
	SuspendedUntil  *time.Time      `json:"suspended_until,omitempty"`
	CompletedTrades int64           `json:"completed_trades"`
	CancelledTrades int64           `json:"cancelled_trades"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SystemActor marks audit entries produced by background jobs.
const SystemActor = "system"

// AuditLog is an append-only record of a trade state transition. Rows are
// never updated or deleted.
type AuditLog struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	TradeID    uuid.UUID `json:"trade_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Action     string    `json:"action" validate:"required"`
	ActorID    string    `json:"actor_id" validate:"required"`
	PrevStatus string    `json:"prev_status"`
	NewStatus  string    `json:"new_status"`
	Metadata   string    `json:"metadata" gorm:"type:text" validate:"omitempty,json"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// IdempotencyKey maps a caller-supplied (operation, key) pair to the trade it
// produced so retries short-circuit to the stored result.
type IdempotencyKey struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Operation string    `json:"operation" gorm:"index:idx_idem_op_key,unique"`
	Key       string    `json:"key" gorm:"index:idx_idem_op_key,unique"`
	TradeID   uuid.UUID `json:"trade_id" gorm:"type:uuid"`
	CreatedAt time.Time `json:"created_at"`
}

// All lists every entity for schema migration.
func All() []any {
	return []any{
		&Account{},
		&PaymentMethod{},
		&Ad{},
		&AdPaymentMethod{},
		&Trade{},
		&Escrow{},
		&Dispute{},
		&UserStats{},
		&AuditLog{},
		&IdempotencyKey{},
	}
}
