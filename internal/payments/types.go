// Package payments provides the payment transaction orchestration core:
// a normalized charge/capture/refund/void model executed against
// heterogeneous gateway protocols through per-provider adapters.
package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"commercepay/internal/common/money"
)

// GatewayID identifies a payment gateway.
type GatewayID string

const (
	GatewayPayPal  GatewayID = "paypal"
	GatewayNMI     GatewayID = "nmi"
	GatewayAuthNet GatewayID = "authnet"
)

// Environment selects the gateway endpoint set.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// PaymentAction selects immediate settlement or auth-then-capture.
type PaymentAction string

const (
	ActionSale      PaymentAction = "sale"
	ActionAuthorize PaymentAction = "authorize"
)

// Outcome is the normalized result discriminant shared by all gateways.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDeclined Outcome = "declined"
	OutcomeError    Outcome = "error"
)

// CardType represents the card network.
type CardType string

const (
	CardVisa       CardType = "visa"
	CardMasterCard CardType = "mastercard"
	CardAmex       CardType = "amex"
	CardDiscover   CardType = "discover"
	CardMaestro    CardType = "maestro"
)

var maestroBINs = []string{"5018", "5020", "5038", "5893", "6304", "6759", "6761", "6762", "6763"}

// InferCardType derives the card network from the PAN prefix.
// Unrecognized prefixes fall back to Visa, matching upstream processor
// behavior for store-branded cards.
func InferCardType(pan string) CardType {
	for _, bin := range maestroBINs {
		if strings.HasPrefix(pan, bin) {
			return CardMaestro
		}
	}
	switch {
	case strings.HasPrefix(pan, "34"), strings.HasPrefix(pan, "37"):
		return CardAmex
	case strings.HasPrefix(pan, "6011"), strings.HasPrefix(pan, "65"):
		return CardDiscover
	case strings.HasPrefix(pan, "4"):
		return CardVisa
	}
	if len(pan) >= 2 {
		if p := pan[:2]; p >= "51" && p <= "55" {
			return CardMasterCard
		}
	}
	return CardVisa
}

// Card holds card-present payment details for a single charge call.
// Cards are pass-through: the full PAN and CVV never outlive the call.
type Card struct {
	Number      string
	ExpiryMonth int
	ExpiryYear  int
	CVV         string
	HolderName  string
	Type        CardType // optional; inferred from the PAN when empty
}

// Normalize strips PAN separators, canonicalizes the expiry year to four
// digits and fills in the card type from the PAN prefix when not supplied.
func (c *Card) Normalize() {
	c.Number = strings.NewReplacer(" ", "", "-", "").Replace(c.Number)
	if c.ExpiryYear > 0 && c.ExpiryYear < 100 {
		c.ExpiryYear += 2000
	}
	if c.Type == "" {
		c.Type = InferCardType(c.Number)
	}
}

// LastFour returns the last four PAN digits.
func (c *Card) LastFour() string {
	if len(c.Number) < 4 {
		return c.Number
	}
	return c.Number[len(c.Number)-4:]
}

// FirstLastName splits the holder name for gateways that require both parts.
func (c *Card) FirstLastName() (string, string) {
	parts := strings.Fields(c.HolderName)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// Address is a billing or shipping address.
type Address struct {
	Name       string
	Street1    string
	Street2    string
	City       string
	State      string
	PostalCode string
	Country    string // ISO-3166 alpha-2, uppercase
	Phone      string
	Email      string
}

// ChargeRequest is the internal model every adapter translates to its wire
// format. It is created per checkout attempt and never persisted raw.
type ChargeRequest struct {
	Amount         money.Money
	Card           Card
	Billing        Address
	Shipping       *Address
	OrderRef       string
	InvoiceRef     string
	IdempotencyKey string
	IPAddress      string
	Action         PaymentAction
}

// Fingerprint returns a stable digest of the request identity, used to detect
// idempotency-key reuse with a different payload. The full PAN is excluded;
// last four plus amount and order reference identify the attempt.
func (r *ChargeRequest) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%d|%d",
		r.Amount.AmountMinor, r.Amount.Currency,
		r.Card.LastFour(), r.OrderRef, r.Action,
		r.Card.ExpiryMonth, r.Card.ExpiryYear,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// TransactionResult is the normalized outcome of one gateway call.
// Immutable once returned by an adapter.
type TransactionResult struct {
	Outcome       Outcome
	Gateway       GatewayID
	ProviderTxnID string
	// CorrelationID is the provider's support-escalation reference
	// (PayPal CORRELATIONID, authnet refId echo, etc.).
	CorrelationID string
	AuthCode      string
	AVSResult     string
	CVVResult     string
	Amount        money.Money
	ErrorCode     string
	ErrorMessage  string
	// Raw retains the provider response verbatim for audit and debugging.
	// It never crosses the checkout boundary.
	Raw map[string]string
}

// Approved reports whether the gateway approved the call.
func (r *TransactionResult) Approved() bool {
	return r.Outcome == OutcomeApproved
}

// RefundType selects full or partial refund.
type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
)

// RefundRequest targets a previously approved transaction. CardLastFour is
// carried for gateways that require the original card reference on refunds.
type RefundRequest struct {
	ProviderTxnID string
	Type          RefundType
	Amount        money.Money // required for partial refunds
	CardLastFour  string
	Reason        string
}

// RefundResult is the normalized refund outcome. Net/fee/gross are populated
// when the gateway reports its fee breakdown, otherwise gross only.
type RefundResult struct {
	Outcome      Outcome
	Gateway      GatewayID
	RefundTxnID  string
	GrossAmount  money.Money
	FeeAmount    money.Money
	NetAmount    money.Money
	ErrorCode    string
	ErrorMessage string
	Raw          map[string]string
}

// ConnectionTestResult reports a gateway credential/connectivity check.
type ConnectionTestResult struct {
	Success bool   `json:"success"`
	Gateway string `json:"gateway"`
	Message string `json:"message"`
}

// Credentials is the opaque per-provider credential bundle from the tenant's
// gateway configuration. Each adapter validates the keys it needs.
type Credentials map[string]string

// Get returns a credential value.
func (c Credentials) Get(key string) string { return c[key] }

// Fingerprint digests the bundle for cache keying, so credential rotation
// produces a new adapter instance.
func (c Credentials) Fingerprint() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, c[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// Adapter is the common contract every gateway adapter implements.
// Adapters convert transport and parse failures into OutcomeError results;
// a non-nil error is reserved for requests the adapter cannot encode at all.
type Adapter interface {
	Name() GatewayID
	Charge(ctx context.Context, req *ChargeRequest) (*TransactionResult, error)
	Capture(ctx context.Context, providerTxnID string, amount money.Money) (*TransactionResult, error)
	Void(ctx context.Context, providerTxnID string) (*TransactionResult, error)
	Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
	TestConnection(ctx context.Context) *ConnectionTestResult
}
