package payments

import (
	"time"

	"commercepay/internal/common/money"
)

// TransactionStatus represents the lifecycle state of a transaction record.
type TransactionStatus string

const (
	TxnInitiated         TransactionStatus = "initiated"
	TxnApproved          TransactionStatus = "approved"
	TxnDeclined          TransactionStatus = "declined"
	TxnGatewayError      TransactionStatus = "gateway_error"
	TxnCaptured          TransactionStatus = "captured"
	TxnVoided            TransactionStatus = "voided"
	TxnPartiallyRefunded TransactionStatus = "partially_refunded"
	TxnRefunded          TransactionStatus = "refunded"
)

// Transaction is the persisted record of one charge and its follow-on
// operations. Card data is reduced to brand, last four and expiry; the full
// PAN and CVV are never stored.
type Transaction struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenant_id"`
	OrderRef string            `json:"order_ref,omitempty"`
	Status   TransactionStatus `json:"status"`
	Action   PaymentAction     `json:"action"`

	Gateway       GatewayID `json:"gateway"`
	ProviderTxnID string    `json:"provider_txn_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// FallbackFrom is set when the primary gateway failed ambiguously and
	// the charge was completed by the fallback gateway.
	FallbackFrom GatewayID `json:"fallback_from,omitempty"`

	Amount        money.Money `json:"amount"`
	CapturedMinor int64       `json:"captured_minor"`
	RefundedMinor int64       `json:"refunded_minor"`

	CardType     CardType `json:"card_type,omitempty"`
	CardLastFour string   `json:"card_last_four,omitempty"`
	ExpiryMonth  int      `json:"expiry_month,omitempty"`
	ExpiryYear   int      `json:"expiry_year,omitempty"`

	AuthCode  string `json:"auth_code,omitempty"`
	AVSResult string `json:"avs_result,omitempty"`
	CVVResult string `json:"cvv_result,omitempty"`

	IdempotencyKey     string `json:"idempotency_key,omitempty"`
	RequestFingerprint string `json:"request_fingerprint,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	// ResponseData retains the raw provider response for support escalation.
	ResponseData map[string]string `json:"response_data,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	VoidedAt   *time.Time `json:"voided_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`
}

// NewTransaction creates a transaction record from a charge request.
func NewTransaction(id, tenantID string, req *ChargeRequest) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:                 id,
		TenantID:           tenantID,
		OrderRef:           req.OrderRef,
		Status:             TxnInitiated,
		Action:             req.Action,
		Amount:             req.Amount,
		CardType:           req.Card.Type,
		CardLastFour:       req.Card.LastFour(),
		ExpiryMonth:        req.Card.ExpiryMonth,
		ExpiryYear:         req.Card.ExpiryYear,
		IdempotencyKey:     req.IdempotencyKey,
		RequestFingerprint: req.Fingerprint(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ApplyResult records a gateway charge result on the transaction.
func (t *Transaction) ApplyResult(res *TransactionResult) {
	t.Gateway = res.Gateway
	t.ProviderTxnID = res.ProviderTxnID
	t.CorrelationID = res.CorrelationID
	t.AuthCode = res.AuthCode
	t.AVSResult = res.AVSResult
	t.CVVResult = res.CVVResult
	t.ErrorCode = res.ErrorCode
	t.ErrorMessage = res.ErrorMessage
	t.ResponseData = res.Raw
	t.UpdatedAt = time.Now().UTC()

	switch res.Outcome {
	case OutcomeApproved:
		t.Status = TxnApproved
		if t.Action == ActionSale {
			// Sales settle immediately; the full amount is captured.
			t.CapturedMinor = t.Amount.AmountMinor
			now := t.UpdatedAt
			t.CapturedAt = &now
			t.Status = TxnCaptured
		}
	case OutcomeDeclined:
		t.Status = TxnDeclined
	default:
		t.Status = TxnGatewayError
	}
}

// MarkCaptured records a capture of an authorized transaction. The captured
// amount may be less than the authorized amount but never more.
func (t *Transaction) MarkCaptured(amount money.Money) error {
	if t.Status != TxnApproved {
		return &StateError{Op: "capture", Status: t.Status}
	}
	if amount.Currency != t.Amount.Currency || amount.AmountMinor > t.Amount.AmountMinor {
		return &RefundInvariantError{Requested: amount, Remaining: t.Amount}
	}
	now := time.Now().UTC()
	t.Status = TxnCaptured
	t.CapturedMinor = amount.AmountMinor
	t.CapturedAt = &now
	t.UpdatedAt = now
	return nil
}

// MarkVoided records a void of an authorized-but-uncaptured transaction.
func (t *Transaction) MarkVoided() error {
	if t.Status != TxnApproved {
		return &StateError{Op: "void", Status: t.Status}
	}
	now := time.Now().UTC()
	t.Status = TxnVoided
	t.VoidedAt = &now
	t.UpdatedAt = now
	return nil
}

// RefundableMinor returns the remaining refundable amount in minor units.
func (t *Transaction) RefundableMinor() int64 {
	return t.CapturedMinor - t.RefundedMinor
}

// RecordRefund applies a refund to the cumulative total. A transaction may be
// refunded multiple times but the cumulative refunded amount never exceeds
// the captured amount, regardless of what the gateway would accept.
func (t *Transaction) RecordRefund(amount money.Money) error {
	if t.Status != TxnCaptured && t.Status != TxnPartiallyRefunded {
		return &StateError{Op: "refund", Status: t.Status}
	}
	if amount.Currency != t.Amount.Currency {
		return &RefundInvariantError{
			Requested: amount,
			Remaining: money.New(t.RefundableMinor(), t.Amount.Currency),
		}
	}
	if !amount.IsPositive() || amount.AmountMinor > t.RefundableMinor() {
		return &RefundInvariantError{
			Requested: amount,
			Remaining: money.New(t.RefundableMinor(), t.Amount.Currency),
		}
	}

	now := time.Now().UTC()
	t.RefundedMinor += amount.AmountMinor
	if t.RefundedMinor == t.CapturedMinor {
		t.Status = TxnRefunded
	} else {
		t.Status = TxnPartiallyRefunded
	}
	t.RefundedAt = &now
	t.UpdatedAt = now
	return nil
}

// IsTerminal reports whether no further gateway operations apply.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TxnDeclined || t.Status == TxnGatewayError ||
		t.Status == TxnVoided || t.Status == TxnRefunded
}
