package payments

import (
	"context"
	"errors"
	"fmt"
	"net"

	"commercepay/internal/common/money"
)

// Terminal conditions surfaced by the orchestrator. These are operator or
// caller problems, never card-network decisions.
var (
	// ErrNotConfigured means the tenant has no active payment gateway.
	ErrNotConfigured = errors.New("no active payment gateway configured")

	// ErrIdempotencyConflict means an idempotency key was reused with a
	// different request payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")

	// ErrTransactionNotFound means the referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// RefundInvariantError is returned when a refund would push the cumulative
// refunded amount past the captured amount.
type RefundInvariantError struct {
	Requested money.Money
	Remaining money.Money
}

func (e *RefundInvariantError) Error() string {
	return fmt.Sprintf("refund of %s exceeds remaining refundable amount %s",
		e.Requested, e.Remaining)
}

// StateError is returned when an operation is attempted against a
// transaction in an incompatible state.
type StateError struct {
	Op     string
	Status TransactionStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s transaction in state %s", e.Op, e.Status)
}

// Gateway failure error codes carried on OutcomeError results.
const (
	ErrCodeTimeout       = "gateway_timeout"
	ErrCodeTransport     = "gateway_unreachable"
	ErrCodeBadResponse   = "gateway_bad_response"
	ErrCodeBadStatus     = "gateway_http_error"
	ErrCodeUnknownStatus = "gateway_unknown_status"
)

// classifyFailure maps a transport-level error to an error code and a
// user-safe message. Timeouts are kept distinct from other failures: a timed
// out charge may have succeeded provider-side.
func classifyFailure(err error) (code, message string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrCodeTimeout, "gateway timeout"
	}
	return ErrCodeTransport, "gateway unreachable"
}

// FailureResult converts a transport error into a normalized OutcomeError
// charge result. Adapters use it so the orchestrator never sees a raw error
// from the network layer.
func FailureResult(gw GatewayID, err error) *TransactionResult {
	code, msg := classifyFailure(err)
	return &TransactionResult{
		Outcome:      OutcomeError,
		Gateway:      gw,
		ErrorCode:    code,
		ErrorMessage: msg,
		Raw:          map[string]string{"transport_error": err.Error()},
	}
}

// RefundFailureResult is FailureResult for refund calls.
func RefundFailureResult(gw GatewayID, err error) *RefundResult {
	code, msg := classifyFailure(err)
	return &RefundResult{
		Outcome:      OutcomeError,
		Gateway:      gw,
		ErrorCode:    code,
		ErrorMessage: msg,
		Raw:          map[string]string{"transport_error": err.Error()},
	}
}

// BadResponseResult converts an unparseable provider response into a
// normalized OutcomeError charge result.
func BadResponseResult(gw GatewayID, detail string) *TransactionResult {
	return &TransactionResult{
		Outcome:      OutcomeError,
		Gateway:      gw,
		ErrorCode:    ErrCodeBadResponse,
		ErrorMessage: "gateway returned an unreadable response",
		Raw:          map[string]string{"detail": detail},
	}
}

// IsAmbiguousFailure reports whether a result represents a failure where the
// provider-side state is unknown (timeout, malformed response, transport
// error). Only these are eligible for a fallback attempt; a decline is
// authoritative and never retried.
func IsAmbiguousFailure(r *TransactionResult) bool {
	return r != nil && r.Outcome == OutcomeError
}
