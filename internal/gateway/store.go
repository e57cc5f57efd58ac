package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commercepay/internal/common/database"
	"commercepay/internal/payments"
)

// PostgresConfigStore implements ConfigStore on PostgreSQL. Credentials are
// stored as an opaque JSON document.
type PostgresConfigStore struct {
	pool *pgxpool.Pool
}

// NewPostgresConfigStore creates a ConfigStore backed by the given pool.
func NewPostgresConfigStore(pool *pgxpool.Pool) *PostgresConfigStore {
	return &PostgresConfigStore{pool: pool}
}

const configColumns = `id, tenant_id, gateway_id, environment, credentials,
	active, fallback_gateway_id, created_at, updated_at`

// GetActive implements ConfigStore.
func (s *PostgresConfigStore) GetActive(ctx context.Context, tenantID string) (*Config, error) {
	query := `SELECT ` + configColumns + `
		FROM gateway_configs
		WHERE tenant_id = $1 AND active = true`

	return s.scanConfig(s.pool.QueryRow(ctx, query, tenantID))
}

// Get implements ConfigStore.
func (s *PostgresConfigStore) Get(ctx context.Context, tenantID string, gatewayID payments.GatewayID) (*Config, error) {
	query := `SELECT ` + configColumns + `
		FROM gateway_configs
		WHERE tenant_id = $1 AND gateway_id = $2`

	return s.scanConfig(s.pool.QueryRow(ctx, query, tenantID, string(gatewayID)))
}

// Upsert implements ConfigStore. Activating a gateway deactivates the
// tenant's previous active gateway in the same transaction.
func (s *PostgresConfigStore) Upsert(ctx context.Context, cfg *Config) error {
	creds, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if cfg.Active {
		_, err = tx.Exec(ctx,
			`UPDATE gateway_configs SET active = false, updated_at = now()
			 WHERE tenant_id = $1 AND gateway_id <> $2 AND active = true`,
			cfg.TenantID, string(cfg.GatewayID))
		if err != nil {
			return fmt.Errorf("deactivate previous gateway: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO gateway_configs (
			id, tenant_id, gateway_id, environment, credentials,
			active, fallback_gateway_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (tenant_id, gateway_id) DO UPDATE SET
			environment = EXCLUDED.environment,
			credentials = EXCLUDED.credentials,
			active = EXCLUDED.active,
			fallback_gateway_id = EXCLUDED.fallback_gateway_id,
			updated_at = now()`,
		cfg.ID, cfg.TenantID, string(cfg.GatewayID), string(cfg.Environment),
		creds, cfg.Active, nullableGatewayID(cfg.FallbackGatewayID))
	if err != nil {
		return fmt.Errorf("upsert gateway config: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresConfigStore) scanConfig(row pgx.Row) (*Config, error) {
	var (
		cfg         Config
		gatewayID   string
		environment string
		creds       []byte
		fallbackID  *string
	)
	err := row.Scan(
		&cfg.ID, &cfg.TenantID, &gatewayID, &environment, &creds,
		&cfg.Active, &fallbackID, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan gateway config: %w", err)
	}

	cfg.GatewayID = payments.GatewayID(gatewayID)
	cfg.Environment = payments.Environment(environment)
	if fallbackID != nil {
		cfg.FallbackGatewayID = payments.GatewayID(*fallbackID)
	}
	if err := json.Unmarshal(creds, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &cfg, nil
}

func nullableGatewayID(id payments.GatewayID) *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}
