package checkout

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commercepay/internal/common/database"
	"commercepay/internal/common/money"
	"commercepay/internal/payments"
)

type fakeSessionStore struct {
	sessions map[string]*Session // keyed by token
	statuses map[string]SessionStatus
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[string]*Session),
		statuses: make(map[string]SessionStatus),
	}
}

func (s *fakeSessionStore) GetByToken(_ context.Context, tenantID, token string) (*Session, error) {
	sess, ok := s.sessions[token]
	if !ok || sess.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return sess, nil
}

func (s *fakeSessionStore) Create(_ context.Context, sess *Session) error {
	s.sessions[sess.Token] = sess
	return nil
}

func (s *fakeSessionStore) UpdateStatus(_ context.Context, id string, status SessionStatus) error {
	s.statuses[id] = status
	return nil
}

type fakeCartStore struct {
	carts map[string]*Cart // keyed by session id
}

func (s *fakeCartStore) GetBySession(_ context.Context, sessionID string) (*Cart, error) {
	cart, ok := s.carts[sessionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cart, nil
}

type fakeOrderStore struct {
	orders map[string]*Order
}

func (s *fakeOrderStore) Create(_ context.Context, o *Order) error {
	s.orders[o.ID] = o
	return nil
}

func (s *fakeOrderStore) Get(_ context.Context, tenantID, id string) (*Order, error) {
	o, ok := s.orders[id]
	if !ok || o.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return o, nil
}

type fakeLeadStore struct {
	fields []*LeadField
}

func (s *fakeLeadStore) Save(_ context.Context, f *LeadField) error {
	s.fields = append(s.fields, f)
	return nil
}

// fakeCharger records the charge requests and returns a scripted transaction.
type fakeCharger struct {
	lastReq *payments.ChargeRequest
	keys    []string
	status  payments.TransactionStatus
	errMsg  string
	err     error
}

func (c *fakeCharger) Charge(_ context.Context, tenantID string, req *payments.ChargeRequest) (*payments.Transaction, error) {
	c.lastReq = req
	c.keys = append(c.keys, req.IdempotencyKey)
	if c.err != nil {
		return nil, c.err
	}
	txn := payments.NewTransaction("TXN-1", tenantID, req)
	txn.Status = c.status
	txn.ErrorMessage = c.errMsg
	return txn, nil
}

type env struct {
	svc      *Service
	sessions *fakeSessionStore
	carts    *fakeCartStore
	orders   *fakeOrderStore
	leads    *fakeLeadStore
	charger  *fakeCharger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sessions := newFakeSessionStore()
	carts := &fakeCartStore{carts: make(map[string]*Cart)}
	orders := &fakeOrderStore{orders: make(map[string]*Order)}
	leads := &fakeLeadStore{}
	charger := &fakeCharger{status: payments.TxnCaptured}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(sessions, carts, orders, leads, charger, nil, logger, Config{TaxBasisPoints: 825})

	require.NoError(t, sessions.Create(context.Background(), &Session{
		ID:       "sess-1",
		TenantID: "tenant-1",
		Token:    "tok-1",
		Status:   SessionActive,
	}))
	carts.carts["sess-1"] = &Cart{
		ID:        "cart-1",
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		Currency:  money.USD,
		Items: []CartItem{
			{ProductID: "p1", Name: "Widget", UnitPriceMinor: 1899, Quantity: 2},
		},
		ShippingMinor: 599,
		UpdatedAt:     time.Now(),
	}

	return &env{svc: svc, sessions: sessions, carts: carts, orders: orders, leads: leads, charger: charger}
}

func checkoutReq() *CheckoutRequest {
	return &CheckoutRequest{
		SessionToken: "tok-1",
		Card: payments.Card{
			Number:      "4111111111111111",
			ExpiryMonth: 10,
			ExpiryYear:  2030,
			CVV:         "123",
			HolderName:  "Jane Smith",
		},
		Billing: payments.Address{
			Street1:    "1 Main St",
			City:       "Springfield",
			PostalCode: "62701",
			Country:    "US",
		},
		Email:     "jane@example.com",
		IPAddress: "203.0.113.9",
	}
}

func TestComputeTotals(t *testing.T) {
	e := newEnv(t)
	cart := e.carts.carts["sess-1"]

	totals := e.svc.ComputeTotals(cart)

	// 2 x 18.99 = 37.98 subtotal, 8.25% tax = 3.13, 5.99 shipping
	assert.Equal(t, int64(3798), totals.Subtotal.AmountMinor)
	assert.Equal(t, int64(313), totals.Tax.AmountMinor)
	assert.Equal(t, int64(599), totals.Shipping.AmountMinor)
	assert.Equal(t, int64(4710), totals.Total.AmountMinor)
}

func TestComputeTotalsDiscountNeverNegative(t *testing.T) {
	e := newEnv(t)
	cart := e.carts.carts["sess-1"]
	cart.DiscountMinor = 100000

	totals := e.svc.ComputeTotals(cart)
	assert.Zero(t, totals.Total.AmountMinor)
}

func TestProcessCheckoutApproved(t *testing.T) {
	e := newEnv(t)

	result, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.OrderID)
	assert.Empty(t, result.ErrorMessage)

	// the charge used the authoritative total, not anything client-supplied
	require.NotNil(t, e.charger.lastReq)
	assert.Equal(t, int64(4710), e.charger.lastReq.Amount.AmountMinor)
	assert.Equal(t, payments.ActionSale, e.charger.lastReq.Action)
	assert.NotEmpty(t, e.charger.lastReq.IdempotencyKey)

	order, ok := e.orders.orders[result.OrderID]
	require.True(t, ok)
	assert.Equal(t, "TXN-1", order.TransactionID)
	assert.Equal(t, int64(4710), order.Totals.Total.AmountMinor)

	assert.Equal(t, SessionCompleted, e.sessions.statuses["sess-1"])
}

func TestProcessCheckoutResubmitIsSameAttempt(t *testing.T) {
	e := newEnv(t)

	first, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	require.NoError(t, err)
	second, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	require.NoError(t, err)

	// A double-click or timeout resubmit of the same cart and card carries
	// the same order id and idempotency key, so the orchestrator replays
	// the stored charge instead of issuing a second one.
	assert.Equal(t, first.OrderID, second.OrderID)
	require.Len(t, e.charger.keys, 2)
	assert.Equal(t, e.charger.keys[0], e.charger.keys[1])
	assert.Len(t, e.orders.orders, 1)

	// a changed cart is a new attempt
	cart := e.carts.carts["sess-1"]
	cart.Items[0].Quantity = 3
	cart.UpdatedAt = cart.UpdatedAt.Add(time.Second)
	third, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, third.OrderID)
	require.Len(t, e.charger.keys, 3)
	assert.NotEqual(t, e.charger.keys[0], e.charger.keys[2])

	// so is a different card
	withNewCard := checkoutReq()
	withNewCard.Card.Number = "5105105105105100"
	_, err = e.svc.ProcessCheckout(context.Background(), "tenant-1", withNewCard)
	require.NoError(t, err)
	require.Len(t, e.charger.keys, 4)
	assert.NotEqual(t, e.charger.keys[2], e.charger.keys[3])
}

func TestProcessCheckoutDeclineSurfacesReason(t *testing.T) {
	e := newEnv(t)
	e.charger.status = payments.TxnDeclined
	e.charger.errMsg = "the card was declined by the issuing bank"

	result, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Empty(t, result.OrderID)
	assert.Equal(t, "the card was declined by the issuing bank", result.ErrorMessage)
	assert.Empty(t, e.orders.orders)
}

func TestProcessCheckoutGatewayErrorIsGeneric(t *testing.T) {
	e := newEnv(t)
	e.charger.status = payments.TxnGatewayError
	e.charger.errMsg = "connection refused to secure.nmi.com:443"

	result, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, genericPaymentError, result.ErrorMessage)
	assert.NotContains(t, result.ErrorMessage, "nmi.com")
}

func TestProcessCheckoutNotConfiguredIsGeneric(t *testing.T) {
	e := newEnv(t)
	e.charger.err = payments.ErrNotConfigured

	result, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, genericPaymentError, result.ErrorMessage)
}

func TestProcessCheckoutValidationSurfacesFirstMessage(t *testing.T) {
	e := newEnv(t)
	e.charger.err = payments.ValidationErrors{{Field: "card.cvv", Message: "must be 3 or 4 digits"}}

	result, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "card.cvv")
}

func TestProcessCheckoutUnknownSession(t *testing.T) {
	e := newEnv(t)
	req := checkoutReq()
	req.SessionToken = "nope"

	_, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", req)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestProcessCheckoutEmptyCart(t *testing.T) {
	e := newEnv(t)
	e.carts.carts["sess-1"].Items = nil

	_, err := e.svc.ProcessCheckout(context.Background(), "tenant-1", checkoutReq())
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestCaptureField(t *testing.T) {
	e := newEnv(t)

	e.svc.CaptureField(context.Background(), "tenant-1", "tok-1", "email", "jane@example.com")

	require.Len(t, e.leads.fields, 1)
	assert.Equal(t, "sess-1", e.leads.fields[0].SessionID)
	assert.Equal(t, "email", e.leads.fields[0].Field)

	// an unknown session is silently ignored
	e.svc.CaptureField(context.Background(), "tenant-1", "nope", "email", "x")
	assert.Len(t, e.leads.fields, 1)
}
