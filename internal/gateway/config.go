// Package gateway resolves tenant gateway configuration into credential-bound
// payment adapters, with a cache keyed on credential fingerprints so rotation
// takes effect without a restart.
package gateway

import (
	"context"
	"time"

	"commercepay/internal/payments"
)

// Config is one tenant's configuration for one gateway. A tenant has at most
// one active gateway and optionally one fallback.
type Config struct {
	ID                string
	TenantID          string
	GatewayID         payments.GatewayID
	Environment       payments.Environment
	Credentials       payments.Credentials
	Active            bool
	FallbackGatewayID payments.GatewayID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ConfigStore loads and persists tenant gateway configuration.
type ConfigStore interface {
	// GetActive returns the tenant's active gateway configuration, or
	// database.ErrNotFound when none is active.
	GetActive(ctx context.Context, tenantID string) (*Config, error)
	// Get returns the tenant's configuration for a specific gateway
	// regardless of active state.
	Get(ctx context.Context, tenantID string, gatewayID payments.GatewayID) (*Config, error)
	// Upsert creates or replaces a tenant's configuration for a gateway.
	Upsert(ctx context.Context, cfg *Config) error
}
