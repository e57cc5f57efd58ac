package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"commercepay/internal/common/database"
	"commercepay/internal/payments"
	"commercepay/internal/providers/authnet"
	"commercepay/internal/providers/nmi"
	"commercepay/internal/providers/paypal"
)

// AdapterFactory builds a credential-bound adapter from a tenant's gateway
// configuration.
type AdapterFactory func(cfg *Config, logger *slog.Logger) (payments.Adapter, error)

// DefaultFactories wires the supported gateways.
func DefaultFactories() map[payments.GatewayID]AdapterFactory {
	return map[payments.GatewayID]AdapterFactory{
		payments.GatewayPayPal: func(cfg *Config, logger *slog.Logger) (payments.Adapter, error) {
			return paypal.New(paypal.Config{
				Credentials: cfg.Credentials,
				Environment: cfg.Environment,
				Logger:      logger,
			})
		},
		payments.GatewayNMI: func(cfg *Config, logger *slog.Logger) (payments.Adapter, error) {
			return nmi.New(nmi.Config{
				Credentials: cfg.Credentials,
				Logger:      logger,
			})
		},
		payments.GatewayAuthNet: func(cfg *Config, logger *slog.Logger) (payments.Adapter, error) {
			return authnet.New(authnet.Config{
				Credentials: cfg.Credentials,
				Environment: cfg.Environment,
				Logger:      logger,
			})
		},
	}
}

// Registry implements payments.Registry. Adapters are cached per tenant,
// gateway, environment and credential fingerprint, so a credential rotation
// or environment switch produces a fresh instance while concurrent requests
// for the same configuration share one construction.
type Registry struct {
	store     ConfigStore
	factories map[payments.GatewayID]AdapterFactory
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]payments.Adapter
	group singleflight.Group
}

// NewRegistry creates a Registry over the given configuration store.
func NewRegistry(store ConfigStore, factories map[payments.GatewayID]AdapterFactory, logger *slog.Logger) *Registry {
	if factories == nil {
		factories = DefaultFactories()
	}
	return &Registry{
		store:     store,
		factories: factories,
		logger:    logger,
		cache:     make(map[string]payments.Adapter),
	}
}

// Resolve implements payments.Registry.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (*payments.ActiveGateway, error) {
	cfg, err := r.store.GetActive(ctx, tenantID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, payments.ErrNotConfigured
		}
		return nil, fmt.Errorf("load active gateway: %w", err)
	}
	return r.bind(cfg)
}

// ResolveFallback implements payments.Registry. A tenant without a fallback,
// or whose fallback has no stored configuration, gets (nil, false, nil).
func (r *Registry) ResolveFallback(ctx context.Context, tenantID string) (*payments.ActiveGateway, bool, error) {
	active, err := r.store.GetActive(ctx, tenantID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load active gateway: %w", err)
	}
	if active.FallbackGatewayID == "" || active.FallbackGatewayID == active.GatewayID {
		return nil, false, nil
	}

	cfg, err := r.store.Get(ctx, tenantID, active.FallbackGatewayID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			r.logger.Warn("fallback gateway has no configuration",
				"tenant_id", tenantID, "gateway", active.FallbackGatewayID)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load fallback gateway: %w", err)
	}

	gw, err := r.bind(cfg)
	if err != nil {
		return nil, false, err
	}
	return gw, true, nil
}

// ResolveByID implements payments.Registry.
func (r *Registry) ResolveByID(ctx context.Context, tenantID string, id payments.GatewayID) (*payments.ActiveGateway, error) {
	cfg, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, payments.ErrNotConfigured
		}
		return nil, fmt.Errorf("load gateway %s: %w", id, err)
	}
	return r.bind(cfg)
}

// TestGateway runs a connectivity check against a specific configured
// gateway without caching side effects on failure.
func (r *Registry) TestGateway(ctx context.Context, tenantID string, id payments.GatewayID) (*payments.ConnectionTestResult, error) {
	gw, err := r.ResolveByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return gw.Adapter.TestConnection(ctx), nil
}

// Invalidate drops every cached adapter for a tenant. Called after a
// configuration change so stale credentials are not reused.
func (r *Registry) Invalidate(tenantID string) {
	prefix := tenantID + "|"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.cache, key)
		}
	}
}

func (r *Registry) bind(cfg *Config) (*payments.ActiveGateway, error) {
	key := fmt.Sprintf("%s|%s|%s|%s",
		cfg.TenantID, cfg.GatewayID, cfg.Environment, cfg.Credentials.Fingerprint())

	r.mu.RLock()
	adapter, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return &payments.ActiveGateway{ID: cfg.GatewayID, Adapter: adapter}, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		factory, ok := r.factories[cfg.GatewayID]
		if !ok {
			return nil, fmt.Errorf("unsupported gateway %q", cfg.GatewayID)
		}
		a, err := factory(cfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("build %s adapter: %w", cfg.GatewayID, err)
		}
		r.mu.Lock()
		r.cache[key] = a
		r.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	return &payments.ActiveGateway{ID: cfg.GatewayID, Adapter: v.(payments.Adapter)}, nil
}
