package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL transaction store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const txnColumns = `
	id, tenant_id, order_ref, status, action,
	gateway, provider_txn_id, correlation_id, fallback_from,
	amount_minor, currency, captured_minor, refunded_minor,
	card_type, card_last_four, expiry_month, expiry_year,
	auth_code, avs_result, cvv_result,
	idempotency_key, request_fingerprint,
	error_code, error_message, response_data,
	created_at, updated_at, captured_at, voided_at, refunded_at`

// Create inserts a new transaction record.
func (s *PostgresStore) Create(ctx context.Context, txn *Transaction) error {
	query := `
		INSERT INTO transactions (` + txnColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30
		)
	`

	responseData, _ := json.Marshal(txn.ResponseData)

	_, err := s.pool.Exec(ctx, query,
		txn.ID, txn.TenantID, nullStr(txn.OrderRef), txn.Status, txn.Action,
		txn.Gateway, nullStr(txn.ProviderTxnID), nullStr(txn.CorrelationID), nullStr(string(txn.FallbackFrom)),
		txn.Amount.AmountMinor, txn.Amount.Currency, txn.CapturedMinor, txn.RefundedMinor,
		txn.CardType, nullStr(txn.CardLastFour), txn.ExpiryMonth, txn.ExpiryYear,
		nullStr(txn.AuthCode), nullStr(txn.AVSResult), nullStr(txn.CVVResult),
		nullStr(txn.IdempotencyKey), nullStr(txn.RequestFingerprint),
		nullStr(txn.ErrorCode), nullStr(txn.ErrorMessage), responseData,
		txn.CreatedAt, txn.UpdatedAt, txn.CapturedAt, txn.VoidedAt, txn.RefundedAt,
	)
	return err
}

// Get retrieves a transaction by id, scoped to the tenant.
func (s *PostgresStore) Get(ctx context.Context, tenantID, txnID string) (*Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE id = $1 AND tenant_id = $2`
	return s.scanTxn(s.pool.QueryRow(ctx, query, txnID, tenantID))
}

// GetByIdempotencyKey retrieves a transaction by idempotency key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE tenant_id = $1 AND idempotency_key = $2`
	return s.scanTxn(s.pool.QueryRow(ctx, query, tenantID, key))
}

// Update persists the mutable fields of a transaction.
func (s *PostgresStore) Update(ctx context.Context, txn *Transaction) error {
	query := `
		UPDATE transactions SET
			status = $3, captured_minor = $4, refunded_minor = $5,
			error_code = $6, error_message = $7,
			updated_at = $8, captured_at = $9, voided_at = $10, refunded_at = $11
		WHERE id = $1 AND tenant_id = $2
	`
	tag, err := s.pool.Exec(ctx, query,
		txn.ID, txn.TenantID,
		txn.Status, txn.CapturedMinor, txn.RefundedMinor,
		nullStr(txn.ErrorCode), nullStr(txn.ErrorMessage),
		txn.UpdatedAt, txn.CapturedAt, txn.VoidedAt, txn.RefundedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (s *PostgresStore) scanTxn(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var orderRef, providerTxnID, correlationID, fallbackFrom *string
	var lastFour, authCode, avs, cvv *string
	var idemKey, fingerprint, errorCode, errorMsg *string
	var responseData []byte

	err := row.Scan(
		&t.ID, &t.TenantID, &orderRef, &t.Status, &t.Action,
		&t.Gateway, &providerTxnID, &correlationID, &fallbackFrom,
		&t.Amount.AmountMinor, &t.Amount.Currency, &t.CapturedMinor, &t.RefundedMinor,
		&t.CardType, &lastFour, &t.ExpiryMonth, &t.ExpiryYear,
		&authCode, &avs, &cvv,
		&idemKey, &fingerprint,
		&errorCode, &errorMsg, &responseData,
		&t.CreatedAt, &t.UpdatedAt, &t.CapturedAt, &t.VoidedAt, &t.RefundedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.OrderRef = deref(orderRef)
	t.ProviderTxnID = deref(providerTxnID)
	t.CorrelationID = deref(correlationID)
	t.FallbackFrom = GatewayID(deref(fallbackFrom))
	t.CardLastFour = deref(lastFour)
	t.AuthCode = deref(authCode)
	t.AVSResult = deref(avs)
	t.CVVResult = deref(cvv)
	t.IdempotencyKey = deref(idemKey)
	t.RequestFingerprint = deref(fingerprint)
	t.ErrorCode = deref(errorCode)
	t.ErrorMessage = deref(errorMsg)

	if len(responseData) > 0 {
		_ = json.Unmarshal(responseData, &t.ResponseData)
	}

	return &t, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
