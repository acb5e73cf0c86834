// Package idempotency stores (operation, key) pairs so retried mutations
// short-circuit to their original result instead of re-executing side effects.
package idempotency

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/peerex/peerex/internal/models"
	"github.com/peerex/peerex/pkg/errors"
)

// Store persists idempotency keys in the transactional store.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new idempotency store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the record for (operation, key), or nil when the key is unseen.
func (s *Store) Get(operation, key string) (*models.IdempotencyKey, error) {
	var record models.IdempotencyKey
	err := s.db.Where("operation = ? AND key = ?", operation, key).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to look up idempotency key: %w", err))
	}
	return &record, nil
}

// SaveTx records the key inside the caller's transaction. A unique-constraint
// violation means a concurrent request won the race; callers should roll back
// and replay through Get.
func (s *Store) SaveTx(tx *gorm.DB, operation, key string, tradeID uuid.UUID) error {
	record := models.IdempotencyKey{
		ID:        uuid.New(),
		Operation: operation,
		Key:       key,
		TradeID:   tradeID,
		CreatedAt: time.Now(),
	}
	if err := tx.Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict("duplicate idempotency key for %s", operation)
		}
		return errors.Internal(fmt.Errorf("failed to save idempotency key: %w", err))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique failed")
}
