package payments

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"commercepay/internal/common/money"
)

// NATS subjects for transaction lifecycle events.
const (
	SubjectTxnApproved = "payments.txn.approved"
	SubjectTxnDeclined = "payments.txn.declined"
	SubjectTxnFailed   = "payments.txn.failed"
	SubjectTxnCaptured = "payments.txn.captured"
	SubjectTxnRefunded = "payments.txn.refunded"
	SubjectTxnVoided   = "payments.txn.voided"
)

// EventType identifies the type of payment event.
type EventType string

const (
	EventTxnApproved EventType = "payments.txn.approved"
	EventTxnDeclined EventType = "payments.txn.declined"
	EventTxnFailed   EventType = "payments.txn.failed"
	EventTxnCaptured EventType = "payments.txn.captured"
	EventTxnRefunded EventType = "payments.txn.refunded"
	EventTxnVoided   EventType = "payments.txn.voided"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, tenantID, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// TransactionEvent is the normalized lifecycle event for any gateway.
type TransactionEvent struct {
	TransactionID string            `json:"transaction_id"`
	OrderRef      string            `json:"order_ref,omitempty"`
	Gateway       GatewayID         `json:"gateway"`
	FallbackFrom  GatewayID         `json:"fallback_from,omitempty"`
	Status        TransactionStatus `json:"status"`
	Amount        money.Money       `json:"amount"`
	ErrorCode     string            `json:"error_code,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// RefundEvent is published after a successful refund.
type RefundEvent struct {
	TransactionID  string      `json:"transaction_id"`
	RefundTxnID    string      `json:"refund_txn_id"`
	Gateway        GatewayID   `json:"gateway"`
	Amount         money.Money `json:"amount"`
	RefundedMinor  int64       `json:"refunded_minor"`
	RemainingMinor int64       `json:"remaining_minor"`
}
