// Package audit keeps the append-only trail of trade state transitions.
// Entries are insert-only; nothing here updates or deletes rows.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/pkg/errors"
)

// Service appends and lists audit entries.
type Service struct {
	db *gorm.DB
}

// NewService creates a new audit service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Entry describes one state transition to record.
type Entry struct {
	TradeID    uuid.UUID
	Action     string
	ActorID    string
	PrevStatus models.TradeStatus
	NewStatus  models.TradeStatus
	Metadata   map[string]any
}

// AppendTx inserts an audit row inside the caller's transaction so the entry
// commits or rolls back with the transition it describes.
func (s *Service) AppendTx(tx *gorm.DB, entry Entry) error {
	metadata := ""
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Internal(fmt.Errorf("failed to marshal audit metadata: %w", err))
		}
		metadata = string(raw)
	}

	row := models.AuditLog{
		ID:         uuid.New(),
		TradeID:    entry.TradeID,
		Action:     entry.Action,
		ActorID:    entry.ActorID,
		PrevStatus: string(entry.PrevStatus),
		NewStatus:  string(entry.NewStatus),
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return errors.Internal(fmt.Errorf("failed to append audit entry: %w", err))
	}
	return nil
}

// ListByTrade returns a trade's audit trail in insertion order.
func (s *Service) ListByTrade(ctx context.Context, tradeID uuid.UUID) ([]*models.AuditLog, error) {
	var entries []*models.AuditLog
	if err := s.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to list audit entries: %w", err))
	}
	return entries, nil
}
