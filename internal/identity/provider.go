// Package identity integrates the external identity-verification provider.
// The engine only consumes the verification status; onboarding flows live
// with the vendor.
package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Status is the verification state reported by the provider.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

// Provider is the interface to the external verification vendor.
type Provider interface {
	GetVerificationStatus(ctx context.Context, userID uuid.UUID) (Status, error)
}

// StaticProvider is a map-backed Provider for development and tests.
type StaticProvider struct {
	mu       sync.RWMutex
	statuses map[uuid.UUID]Status
	fallback Status
}

// NewStaticProvider creates a provider that reports fallback for unknown users.
func NewStaticProvider(fallback Status) *StaticProvider {
	return &StaticProvider{
		statuses: make(map[uuid.UUID]Status),
		fallback: fallback,
	}
}

// SetStatus overrides the status for a user.
func (p *StaticProvider) SetStatus(userID uuid.UUID, status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[userID] = status
}

// GetVerificationStatus implements Provider.
func (p *StaticProvider) GetVerificationStatus(_ context.Context, userID uuid.UUID) (Status, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if status, ok := p.statuses[userID]; ok {
		return status, nil
	}
	return p.fallback, nil
}
