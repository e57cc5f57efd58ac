package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commercepay/internal/common/database"
	"commercepay/internal/common/money"
)

// PostgresSessionStore implements SessionStore on PostgreSQL.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// GetByToken implements SessionStore.
func (s *PostgresSessionStore) GetByToken(ctx context.Context, tenantID, token string) (*Session, error) {
	query := `SELECT id, tenant_id, token, status, created_at, updated_at
		FROM checkout_sessions
		WHERE tenant_id = $1 AND token = $2`

	var sess Session
	var status string
	err := s.pool.QueryRow(ctx, query, tenantID, token).Scan(
		&sess.ID, &sess.TenantID, &sess.Token, &status,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = SessionStatus(status)
	return &sess, nil
}

// Create implements SessionStore.
func (s *PostgresSessionStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkout_sessions (id, tenant_id, token, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())`,
		sess.ID, sess.TenantID, sess.Token, string(sess.Status))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateStatus implements SessionStore.
func (s *PostgresSessionStore) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkout_sessions SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// PostgresCartStore implements CartStore on PostgreSQL. Items are stored as
// a JSON document alongside the cart row.
type PostgresCartStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCartStore(pool *pgxpool.Pool) *PostgresCartStore {
	return &PostgresCartStore{pool: pool}
}

// GetBySession implements CartStore.
func (s *PostgresCartStore) GetBySession(ctx context.Context, sessionID string) (*Cart, error) {
	query := `SELECT id, session_id, tenant_id, currency, items,
		shipping_minor, discount_minor, updated_at
		FROM carts WHERE session_id = $1`

	var cart Cart
	var currency string
	var items []byte
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&cart.ID, &cart.SessionID, &cart.TenantID, &currency, &items,
		&cart.ShippingMinor, &cart.DiscountMinor, &cart.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan cart: %w", err)
	}

	cart.Currency = money.Currency(currency)
	if err := json.Unmarshal(items, &cart.Items); err != nil {
		return nil, fmt.Errorf("unmarshal cart items: %w", err)
	}
	return &cart, nil
}

// Save creates or replaces the session's cart.
func (s *PostgresCartStore) Save(ctx context.Context, cart *Cart) error {
	items, err := json.Marshal(cart.Items)
	if err != nil {
		return fmt.Errorf("marshal cart items: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO carts (id, session_id, tenant_id, currency, items,
			shipping_minor, discount_minor, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (session_id) DO UPDATE SET
			currency = EXCLUDED.currency,
			items = EXCLUDED.items,
			shipping_minor = EXCLUDED.shipping_minor,
			discount_minor = EXCLUDED.discount_minor,
			updated_at = now()`,
		cart.ID, cart.SessionID, cart.TenantID, string(cart.Currency), items,
		cart.ShippingMinor, cart.DiscountMinor)
	if err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

// PostgresOrderStore implements OrderStore on PostgreSQL.
type PostgresOrderStore struct {
	pool *pgxpool.Pool
}

func NewPostgresOrderStore(pool *pgxpool.Pool) *PostgresOrderStore {
	return &PostgresOrderStore{pool: pool}
}

// Create implements OrderStore.
func (s *PostgresOrderStore) Create(ctx context.Context, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO orders (id, tenant_id, session_id, transaction_id, email,
			currency, subtotal_minor, shipping_minor, tax_minor,
			discount_minor, total_minor, items, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.TenantID, o.SessionID, o.TransactionID, o.Email,
		string(o.Totals.Total.Currency),
		o.Totals.Subtotal.AmountMinor, o.Totals.Shipping.AmountMinor,
		o.Totals.Tax.AmountMinor, o.Totals.Discount.AmountMinor,
		o.Totals.Total.AmountMinor, items, o.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Get implements OrderStore.
func (s *PostgresOrderStore) Get(ctx context.Context, tenantID, id string) (*Order, error) {
	query := `SELECT id, tenant_id, session_id, transaction_id, email,
		currency, subtotal_minor, shipping_minor, tax_minor,
		discount_minor, total_minor, items, created_at
		FROM orders WHERE tenant_id = $1 AND id = $2`

	var (
		o        Order
		currency string
		items    []byte
	)
	err := s.pool.QueryRow(ctx, query, tenantID, id).Scan(
		&o.ID, &o.TenantID, &o.SessionID, &o.TransactionID, &o.Email,
		&currency,
		&o.Totals.Subtotal.AmountMinor, &o.Totals.Shipping.AmountMinor,
		&o.Totals.Tax.AmountMinor, &o.Totals.Discount.AmountMinor,
		&o.Totals.Total.AmountMinor, &items, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	c := money.Currency(currency)
	o.Totals.Subtotal.Currency = c
	o.Totals.Shipping.Currency = c
	o.Totals.Tax.Currency = c
	o.Totals.Discount.Currency = c
	o.Totals.Total.Currency = c
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	return &o, nil
}

// PostgresLeadStore implements LeadStore on PostgreSQL. Repeated captures of
// the same field overwrite the previous value.
type PostgresLeadStore struct {
	pool *pgxpool.Pool
}

func NewPostgresLeadStore(pool *pgxpool.Pool) *PostgresLeadStore {
	return &PostgresLeadStore{pool: pool}
}

// Save implements LeadStore.
func (s *PostgresLeadStore) Save(ctx context.Context, f *LeadField) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lead_fields (id, tenant_id, session_id, field, value, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, field) DO UPDATE SET
			value = EXCLUDED.value,
			captured_at = EXCLUDED.captured_at`,
		f.ID, f.TenantID, f.SessionID, f.Field, f.Value, f.CapturedAt)
	if err != nil {
		return fmt.Errorf("save lead field: %w", err)
	}
	return nil
}
