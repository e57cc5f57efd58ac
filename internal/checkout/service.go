package checkout

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/oklog/ulid/v2"

	"commercepay/internal/common/database"
	"commercepay/internal/common/money"
	"commercepay/internal/payments"
)

// Charger is the slice of the payment orchestrator the checkout needs.
type Charger interface {
	Charge(ctx context.Context, tenantID string, req *payments.ChargeRequest) (*payments.Transaction, error)
}

// Publisher emits checkout lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Event subjects.
const (
	SubjectOrderCreated = "checkout.order.created"
	SubjectLeadCaptured = "checkout.lead.captured"
)

// Config holds checkout configuration.
type Config struct {
	// TaxBasisPoints is the flat tax rate applied to the subtotal,
	// in basis points (825 = 8.25%).
	TaxBasisPoints int64 `envconfig:"TAX_BASIS_POINTS" default:"825"`
}

// LoadConfig reads checkout configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("CHECKOUT", &cfg); err != nil {
		return Config{}, fmt.Errorf("load checkout config: %w", err)
	}
	return cfg, nil
}

// Service runs the checkout use case.
type Service struct {
	sessions SessionStore
	carts    CartStore
	orders   OrderStore
	leads    LeadStore
	charger  Charger
	pub      Publisher
	logger   *slog.Logger
	config   Config
}

// NewService wires the checkout service.
func NewService(sessions SessionStore, carts CartStore, orders OrderStore, leads LeadStore, charger Charger, pub Publisher, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		sessions: sessions,
		carts:    carts,
		orders:   orders,
		leads:    leads,
		charger:  charger,
		pub:      pub,
		logger:   logger,
		config:   cfg,
	}
}

// CheckoutRequest is the storefront's submission. Amounts are deliberately
// absent; the server computes them from the persisted cart.
type CheckoutRequest struct {
	SessionToken string
	Card         payments.Card
	Billing      payments.Address
	Shipping     *payments.Address
	Email        string
	IPAddress    string
}

// CheckoutResult is the user-safe outcome. ErrorMessage never leaks raw
// gateway details for non-decline failures.
type CheckoutResult struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderId,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}

// Errors the API layer maps to status codes.
var (
	ErrSessionNotFound = errors.New("checkout session not found")
	ErrEmptyCart       = errors.New("cart is empty")
)

const genericPaymentError = "payment could not be processed, please try again"

// ComputeTotals derives the authoritative amounts from the persisted cart.
func (s *Service) ComputeTotals(cart *Cart) Totals {
	subtotal := cart.Subtotal()
	tax := subtotal.Percentage(s.config.TaxBasisPoints)
	shipping := money.Money{AmountMinor: cart.ShippingMinor, Currency: cart.Currency}
	discount := money.Money{AmountMinor: cart.DiscountMinor, Currency: cart.Currency}

	total := subtotal.AmountMinor + shipping.AmountMinor + tax.AmountMinor - discount.AmountMinor
	if total < 0 {
		total = 0
	}

	return Totals{
		Subtotal: subtotal,
		Shipping: shipping,
		Tax:      tax,
		Discount: discount,
		Total:    money.Money{AmountMinor: total, Currency: cart.Currency},
	}
}

// ProcessCheckout runs the full use case: load session and cart, compute
// totals, charge, create the order. Declines surface the gateway's reason;
// configuration and gateway errors surface a generic retryable message.
func (s *Service) ProcessCheckout(ctx context.Context, tenantID string, req *CheckoutRequest) (*CheckoutResult, error) {
	session, err := s.sessions.GetByToken(ctx, tenantID, req.SessionToken)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	cart, err := s.carts.GetBySession(ctx, session.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrEmptyCart
		}
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}

	totals := s.ComputeTotals(cart)

	card := req.Card
	card.Normalize()

	// The order id is derived from the attempt, not minted fresh, so a
	// resubmitted identical checkout carries the same order reference and
	// idempotency key and replays the stored charge instead of issuing a
	// second one. A changed cart or card starts a new attempt.
	orderID := attemptOrderID(tenantID, session.ID, cart, totals, &card)

	billing := req.Billing
	if billing.Email == "" {
		billing.Email = req.Email
	}

	txn, err := s.charger.Charge(ctx, tenantID, &payments.ChargeRequest{
		Amount:         totals.Total,
		Card:           card,
		Billing:        billing,
		Shipping:       req.Shipping,
		OrderRef:       orderID,
		IdempotencyKey: "chk-" + session.ID + "-" + orderID,
		IPAddress:      req.IPAddress,
		Action:         payments.ActionSale,
	})
	if err != nil {
		var verr payments.ValidationErrors
		if errors.As(err, &verr) {
			return &CheckoutResult{ErrorMessage: verr.Messages()[0]}, nil
		}
		if errors.Is(err, payments.ErrNotConfigured) {
			s.logger.Error("checkout against unconfigured tenant", "tenant_id", tenantID)
			return &CheckoutResult{ErrorMessage: genericPaymentError}, nil
		}
		return nil, fmt.Errorf("charge: %w", err)
	}

	switch txn.Status {
	case payments.TxnCaptured, payments.TxnApproved:
		// fallthrough to order creation
	case payments.TxnDeclined:
		return &CheckoutResult{ErrorMessage: declineMessage(txn)}, nil
	default:
		return &CheckoutResult{ErrorMessage: genericPaymentError}, nil
	}

	order := &Order{
		ID:            orderID,
		TenantID:      tenantID,
		SessionID:     session.ID,
		TransactionID: txn.ID,
		Email:         req.Email,
		Totals:        totals,
		Items:         cart.Items,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.orders.Create(ctx, order); err != nil && !errors.Is(err, database.ErrAlreadyExists) {
		// The charge succeeded; surface the order id anyway and leave
		// reconciliation to the transaction record. An already-existing
		// order means the attempt was replayed and is not a failure.
		s.logger.Error("order creation failed after approved charge",
			"order_id", orderID, "transaction_id", txn.ID, "error", err)
	}

	if err := s.sessions.UpdateStatus(ctx, session.ID, SessionCompleted); err != nil {
		s.logger.Warn("session completion update failed", "session_id", session.ID, "error", err)
	}

	s.publish(ctx, SubjectOrderCreated, map[string]any{
		"order_id":       orderID,
		"tenant_id":      tenantID,
		"transaction_id": txn.ID,
		"total_minor":    totals.Total.AmountMinor,
		"currency":       totals.Total.Currency,
	})

	return &CheckoutResult{Success: true, OrderID: orderID}, nil
}

// CaptureField persists one lead field. Failures are logged, never surfaced;
// lead capture must not interfere with the checkout.
func (s *Service) CaptureField(ctx context.Context, tenantID, sessionToken, field, value string) {
	session, err := s.sessions.GetByToken(ctx, tenantID, sessionToken)
	if err != nil {
		s.logger.Debug("lead capture for unknown session", "tenant_id", tenantID, "error", err)
		return
	}

	lead := &LeadField{
		ID:         ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		TenantID:   tenantID,
		SessionID:  session.ID,
		Field:      field,
		Value:      value,
		CapturedAt: time.Now().UTC(),
	}
	if err := s.leads.Save(ctx, lead); err != nil {
		s.logger.Warn("lead field save failed", "session_id", session.ID, "field", field, "error", err)
		return
	}

	s.publish(ctx, SubjectLeadCaptured, map[string]any{
		"tenant_id":  tenantID,
		"session_id": session.ID,
		"field":      field,
	})
}

// GetOrder returns a tenant's order.
func (s *Service) GetOrder(ctx context.Context, tenantID, orderID string) (*Order, error) {
	return s.orders.Get(ctx, tenantID, orderID)
}

func (s *Service) publish(ctx context.Context, subject string, data any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, subject, data); err != nil {
		s.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}

// attemptOrderID derives a deterministic order id for one checkout attempt.
// The inputs are everything that identifies the attempt: tenant, session,
// authoritative total, cart revision and the card being charged. Identical
// resubmits map to the same order id, which keeps the charge idempotency
// key and request fingerprint stable across retries.
func attemptOrderID(tenantID, sessionID string, cart *Cart, totals Totals, card *payments.Card) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%d|%s|%02d|%04d",
		tenantID, sessionID,
		totals.Total.AmountMinor, totals.Total.Currency,
		cart.UpdatedAt.UnixNano(),
		card.LastFour(), card.ExpiryMonth, card.ExpiryYear,
	)
	return "ORD-" + ulid.MustNew(ulid.Timestamp(cart.UpdatedAt), bytes.NewReader(h.Sum(nil))).String()
}

// declineMessage picks the user-facing decline reason, falling back to a
// generic one when the gateway gave none.
func declineMessage(txn *payments.Transaction) string {
	if txn.ErrorMessage != "" {
		return txn.ErrorMessage
	}
	return "the card was declined"
}
