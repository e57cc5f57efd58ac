package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commercepay/internal/common/database"
	"commercepay/internal/common/money"
	"commercepay/internal/payments"
)

type fakeConfigStore struct {
	mu      sync.Mutex
	configs map[string]*Config // keyed tenant|gateway
	active  map[string]*Config // keyed tenant
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{
		configs: make(map[string]*Config),
		active:  make(map[string]*Config),
	}
}

func (s *fakeConfigStore) put(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.TenantID+"|"+string(cfg.GatewayID)] = cfg
	if cfg.Active {
		s.active[cfg.TenantID] = cfg
	}
}

func (s *fakeConfigStore) GetActive(_ context.Context, tenantID string) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.active[tenantID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cfg, nil
}

func (s *fakeConfigStore) Get(_ context.Context, tenantID string, gatewayID payments.GatewayID) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[tenantID+"|"+string(gatewayID)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cfg, nil
}

func (s *fakeConfigStore) Upsert(_ context.Context, cfg *Config) error {
	s.put(cfg)
	return nil
}

type stubAdapter struct {
	id payments.GatewayID
}

func (a *stubAdapter) Name() payments.GatewayID { return a.id }
func (a *stubAdapter) Charge(context.Context, *payments.ChargeRequest) (*payments.TransactionResult, error) {
	return &payments.TransactionResult{Outcome: payments.OutcomeApproved, Gateway: a.id}, nil
}
func (a *stubAdapter) Capture(context.Context, string, money.Money) (*payments.TransactionResult, error) {
	return &payments.TransactionResult{Outcome: payments.OutcomeApproved, Gateway: a.id}, nil
}
func (a *stubAdapter) Void(context.Context, string) (*payments.TransactionResult, error) {
	return &payments.TransactionResult{Outcome: payments.OutcomeApproved, Gateway: a.id}, nil
}
func (a *stubAdapter) Refund(context.Context, *payments.RefundRequest) (*payments.RefundResult, error) {
	return &payments.RefundResult{Outcome: payments.OutcomeApproved, Gateway: a.id}, nil
}
func (a *stubAdapter) TestConnection(context.Context) *payments.ConnectionTestResult {
	return &payments.ConnectionTestResult{Success: true, Gateway: string(a.id)}
}

func countingFactories(builds *atomic.Int32) map[payments.GatewayID]AdapterFactory {
	factory := func(cfg *Config, _ *slog.Logger) (payments.Adapter, error) {
		builds.Add(1)
		return &stubAdapter{id: cfg.GatewayID}, nil
	}
	return map[payments.GatewayID]AdapterFactory{
		payments.GatewayPayPal:  factory,
		payments.GatewayNMI:     factory,
		payments.GatewayAuthNet: factory,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nmiConfig(tenantID string, active bool) *Config {
	return &Config{
		ID:          "cfg-" + tenantID,
		TenantID:    tenantID,
		GatewayID:   payments.GatewayNMI,
		Environment: payments.EnvSandbox,
		Credentials: payments.Credentials{"security_key": "sk"},
		Active:      active,
	}
}

func TestResolveNotConfigured(t *testing.T) {
	reg := NewRegistry(newFakeConfigStore(), nil, testLogger())

	_, err := reg.Resolve(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, payments.ErrNotConfigured)
}

func TestResolveCachesAdapter(t *testing.T) {
	store := newFakeConfigStore()
	store.put(nmiConfig("tenant-1", true))

	var builds atomic.Int32
	reg := NewRegistry(store, countingFactories(&builds), testLogger())

	first, err := reg.Resolve(context.Background(), "tenant-1")
	require.NoError(t, err)
	second, err := reg.Resolve(context.Background(), "tenant-1")
	require.NoError(t, err)

	assert.Same(t, first.Adapter, second.Adapter)
	assert.Equal(t, int32(1), builds.Load())
}

func TestCredentialRotationBuildsNewAdapter(t *testing.T) {
	store := newFakeConfigStore()
	cfg := nmiConfig("tenant-1", true)
	store.put(cfg)

	var builds atomic.Int32
	reg := NewRegistry(store, countingFactories(&builds), testLogger())

	first, err := reg.Resolve(context.Background(), "tenant-1")
	require.NoError(t, err)

	rotated := nmiConfig("tenant-1", true)
	rotated.Credentials = payments.Credentials{"security_key": "sk-rotated"}
	store.put(rotated)

	second, err := reg.Resolve(context.Background(), "tenant-1")
	require.NoError(t, err)

	assert.NotSame(t, first.Adapter, second.Adapter)
	assert.Equal(t, int32(2), builds.Load())
}

func TestConcurrentResolveBuildsOnce(t *testing.T) {
	store := newFakeConfigStore()
	store.put(nmiConfig("tenant-1", true))

	var builds atomic.Int32
	reg := NewRegistry(store, countingFactories(&builds), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Resolve(context.Background(), "tenant-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
}

func TestResolveFallback(t *testing.T) {
	store := newFakeConfigStore()
	active := nmiConfig("tenant-1", true)
	active.FallbackGatewayID = payments.GatewayAuthNet
	store.put(active)
	store.put(&Config{
		ID:          "cfg-fb",
		TenantID:    "tenant-1",
		GatewayID:   payments.GatewayAuthNet,
		Environment: payments.EnvSandbox,
		Credentials: payments.Credentials{"api_login_id": "l", "transaction_key": "k"},
	})

	var builds atomic.Int32
	reg := NewRegistry(store, countingFactories(&builds), testLogger())

	fb, ok, err := reg.ResolveFallback(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payments.GatewayAuthNet, fb.ID)
}

func TestResolveFallbackAbsent(t *testing.T) {
	store := newFakeConfigStore()
	store.put(nmiConfig("tenant-1", true))

	reg := NewRegistry(store, countingFactories(new(atomic.Int32)), testLogger())

	_, ok, err := reg.ResolveFallback(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveFallbackUnconfiguredGateway(t *testing.T) {
	store := newFakeConfigStore()
	active := nmiConfig("tenant-1", true)
	active.FallbackGatewayID = payments.GatewayPayPal // no stored config
	store.put(active)

	reg := NewRegistry(store, countingFactories(new(atomic.Int32)), testLogger())

	_, ok, err := reg.ResolveFallback(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateDropsTenantCache(t *testing.T) {
	store := newFakeConfigStore()
	store.put(nmiConfig("tenant-1", true))

	var builds atomic.Int32
	reg := NewRegistry(store, countingFactories(&builds), testLogger())

	_, err := reg.Resolve(context.Background(), "tenant-1")
	require.NoError(t, err)

	reg.Invalidate("tenant-1")

	_, err = reg.Resolve(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), builds.Load())
}

func TestResolveByID(t *testing.T) {
	store := newFakeConfigStore()
	store.put(nmiConfig("tenant-1", false)) // configured but not active

	reg := NewRegistry(store, countingFactories(new(atomic.Int32)), testLogger())

	gw, err := reg.ResolveByID(context.Background(), "tenant-1", payments.GatewayNMI)
	require.NoError(t, err)
	assert.Equal(t, payments.GatewayNMI, gw.ID)

	_, err = reg.ResolveByID(context.Background(), "tenant-1", payments.GatewayPayPal)
	assert.ErrorIs(t, err, payments.ErrNotConfigured)
}

func TestTestGateway(t *testing.T) {
	store := newFakeConfigStore()
	store.put(nmiConfig("tenant-1", true))

	reg := NewRegistry(store, countingFactories(new(atomic.Int32)), testLogger())

	res, err := reg.TestGateway(context.Background(), "tenant-1", payments.GatewayNMI)
	require.NoError(t, err)
	assert.True(t, res.Success)
}
