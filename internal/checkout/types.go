// Package checkout implements the storefront checkout use case: server-side
// authoritative totals from the persisted cart, the payment call, order
// creation and progressive lead capture.
package checkout

import (
	"context"
	"time"

	"commercepay/internal/common/money"
)

// SessionStatus tracks a checkout session's lifecycle.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// Session is one visitor's checkout session, identified by an opaque token
// issued to the storefront.
type Session struct {
	ID        string
	TenantID  string
	Token     string
	Status    SessionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem is one line of the persisted cart. UnitPriceMinor is the price
// the server recorded when the item was added; client-submitted prices are
// never trusted.
type CartItem struct {
	ProductID      string
	Name           string
	UnitPriceMinor int64
	Quantity       int
}

// Cart is the server-side cart for a session.
type Cart struct {
	ID            string
	SessionID     string
	TenantID      string
	Currency      money.Currency
	Items         []CartItem
	ShippingMinor int64
	DiscountMinor int64
	UpdatedAt     time.Time
}

// Subtotal sums unit price times quantity over all items.
func (c *Cart) Subtotal() money.Money {
	var total int64
	for _, item := range c.Items {
		total += item.UnitPriceMinor * int64(item.Quantity)
	}
	return money.Money{AmountMinor: total, Currency: c.Currency}
}

// Totals is the authoritative amount breakdown computed from the cart.
type Totals struct {
	Subtotal money.Money
	Shipping money.Money
	Tax      money.Money
	Discount money.Money
	Total    money.Money
}

// Order is a completed purchase.
type Order struct {
	ID            string
	TenantID      string
	SessionID     string
	TransactionID string
	Email         string
	Totals        Totals
	Items         []CartItem
	CreatedAt     time.Time
}

// LeadField is one progressively captured form field, persisted as the
// visitor types so partial checkouts still yield a contactable lead.
type LeadField struct {
	ID         string
	TenantID   string
	SessionID  string
	Field      string
	Value      string
	CapturedAt time.Time
}

// SessionStore persists checkout sessions.
type SessionStore interface {
	GetByToken(ctx context.Context, tenantID, token string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	UpdateStatus(ctx context.Context, id string, status SessionStatus) error
}

// CartStore loads the server-side cart for a session.
type CartStore interface {
	GetBySession(ctx context.Context, sessionID string) (*Cart, error)
}

// OrderStore persists completed orders.
type OrderStore interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, tenantID, id string) (*Order, error)
}

// LeadStore persists captured lead fields.
type LeadStore interface {
	Save(ctx context.Context, f *LeadField) error
}
