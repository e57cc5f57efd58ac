// Package api exposes the checkout and transaction HTTP surface consumed by
// storefronts and the merchant dashboard.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"commercepay/internal/checkout"
	"commercepay/internal/common/api"
	"commercepay/internal/common/database"
	"commercepay/internal/common/middleware"
	"commercepay/internal/common/money"
	"commercepay/internal/gateway"
	"commercepay/internal/payments"
)

// Handler carries the services behind the HTTP surface.
type Handler struct {
	checkout *checkout.Service
	payments *payments.Service
	registry *gateway.Registry
	logger   *slog.Logger
}

// NewHandler creates the handler.
func NewHandler(chk *checkout.Service, pay *payments.Service, reg *gateway.Registry, logger *slog.Logger) *Handler {
	return &Handler{checkout: chk, payments: pay, registry: reg, logger: logger}
}

// Routes mounts the API routes. The caller applies tenant extraction and the
// rest of the middleware stack.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/checkout", h.processCheckout)
	r.Post("/checkout/fields", h.captureField)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/transactions/{id}", h.getTransaction)
	r.Post("/transactions/{id}/capture", h.captureTransaction)
	r.Post("/transactions/{id}/refund", h.refundTransaction)
	r.Post("/transactions/{id}/void", h.voidTransaction)
	r.Get("/gateways/{id}/test", h.testGateway)
}

type cardDTO struct {
	Number      string `json:"number" validate:"required"`
	ExpiryMonth int    `json:"expiryMonth" validate:"required,min=1,max=12"`
	ExpiryYear  int    `json:"expiryYear" validate:"required"`
	CVV         string `json:"cvv" validate:"required"`
	HolderName  string `json:"holderName" validate:"required"`
}

type addressDTO struct {
	Name       string `json:"name"`
	Street1    string `json:"street1" validate:"required"`
	Street2    string `json:"street2"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
	Phone      string `json:"phone"`
	Email      string `json:"email" validate:"omitempty,email"`
}

type checkoutDTO struct {
	SessionToken string      `json:"sessionToken" validate:"required"`
	Card         cardDTO     `json:"card" validate:"required"`
	Billing      addressDTO  `json:"billing" validate:"required"`
	Shipping     *addressDTO `json:"shipping"`
	Email        string      `json:"email" validate:"required,email"`
}

func (h *Handler) processCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var dto checkoutDTO
	if err := api.DecodeAndValidate(r, &dto); err != nil {
		api.ValidationError(w, err)
		return
	}

	req := &checkout.CheckoutRequest{
		SessionToken: dto.SessionToken,
		Card: payments.Card{
			Number:      strings.ReplaceAll(dto.Card.Number, " ", ""),
			ExpiryMonth: dto.Card.ExpiryMonth,
			ExpiryYear:  dto.Card.ExpiryYear,
			CVV:         dto.Card.CVV,
			HolderName:  dto.Card.HolderName,
		},
		Billing:   toAddress(dto.Billing),
		Email:     dto.Email,
		IPAddress: clientIP(r),
	}
	if dto.Shipping != nil {
		shipping := toAddress(*dto.Shipping)
		req.Shipping = &shipping
	}

	result, err := h.checkout.ProcessCheckout(r.Context(), tenantID, req)
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrSessionNotFound):
			api.NotFound(w, "checkout session not found")
		case errors.Is(err, checkout.ErrEmptyCart):
			api.BadRequest(w, "cart is empty")
		default:
			h.logger.Error("checkout failed", "tenant_id", tenantID, "error", err)
			api.InternalError(w, "checkout could not be processed")
		}
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusPaymentRequired
	}
	api.WriteJSON(w, status, result)
}

type fieldDTO struct {
	SessionToken string `json:"sessionToken" validate:"required"`
	Field        string `json:"field" validate:"required,max=64"`
	Value        string `json:"value" validate:"max=512"`
}

func (h *Handler) captureField(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var dto fieldDTO
	if err := api.DecodeAndValidate(r, &dto); err != nil {
		api.ValidationError(w, err)
		return
	}

	h.checkout.CaptureField(r.Context(), tenantID, dto.SessionToken, dto.Field, dto.Value)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	orderID := chi.URLParam(r, "id")

	order, err := h.checkout.GetOrder(r.Context(), tenantID, orderID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			api.NotFound(w, "order not found")
			return
		}
		h.logger.Error("order lookup failed", "order_id", orderID, "error", err)
		api.InternalError(w, "order lookup failed")
		return
	}
	api.WriteData(w, http.StatusOK, order)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	txnID := chi.URLParam(r, "id")

	txn, err := h.payments.GetTransaction(r.Context(), tenantID, txnID)
	if err != nil {
		h.writeTxnError(w, txnID, err)
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}

type captureDTO struct {
	AmountMinor *int64 `json:"amountMinor" validate:"omitempty,gt=0"`
	Currency    string `json:"currency" validate:"required_with=AmountMinor"`
}

func (h *Handler) captureTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	txnID := chi.URLParam(r, "id")

	var dto captureDTO
	if r.ContentLength > 0 {
		if err := api.DecodeAndValidate(r, &dto); err != nil {
			api.ValidationError(w, err)
			return
		}
	}

	var amount *money.Money
	if dto.AmountMinor != nil {
		amount = &money.Money{AmountMinor: *dto.AmountMinor, Currency: money.Currency(dto.Currency)}
	}

	txn, err := h.payments.Capture(r.Context(), tenantID, txnID, amount)
	if err != nil {
		h.writeTxnError(w, txnID, err)
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}

type refundDTO struct {
	Type        string `json:"type" validate:"omitempty,oneof=full partial"`
	AmountMinor int64  `json:"amountMinor" validate:"omitempty,gt=0"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason" validate:"max=255"`
}

func (h *Handler) refundTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	txnID := chi.URLParam(r, "id")

	var dto refundDTO
	if r.ContentLength > 0 {
		if err := api.DecodeAndValidate(r, &dto); err != nil {
			api.ValidationError(w, err)
			return
		}
	}

	cmd := payments.RefundCommand{
		Type:   payments.RefundType(dto.Type),
		Reason: dto.Reason,
	}
	if dto.AmountMinor > 0 {
		cmd.Amount = &money.Money{AmountMinor: dto.AmountMinor, Currency: money.Currency(dto.Currency)}
	}

	result, err := h.payments.Refund(r.Context(), tenantID, txnID, cmd)
	if err != nil {
		var rerr *payments.RefundInvariantError
		if errors.As(err, &rerr) {
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, rerr.Error())
			return
		}
		h.writeTxnError(w, txnID, err)
		return
	}
	api.WriteData(w, http.StatusOK, result)
}

func (h *Handler) voidTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	txnID := chi.URLParam(r, "id")

	txn, err := h.payments.Void(r.Context(), tenantID, txnID)
	if err != nil {
		h.writeTxnError(w, txnID, err)
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}

func (h *Handler) testGateway(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	gatewayID := payments.GatewayID(chi.URLParam(r, "id"))

	result, err := h.registry.TestGateway(r.Context(), tenantID, gatewayID)
	if err != nil {
		if errors.Is(err, payments.ErrNotConfigured) {
			api.WriteError(w, http.StatusNotFound, api.ErrCodeNotConfigured, "gateway is not configured")
			return
		}
		h.logger.Error("gateway test failed", "gateway", gatewayID, "error", err)
		api.InternalError(w, "gateway test failed")
		return
	}
	api.WriteData(w, http.StatusOK, result)
}

// writeTxnError maps orchestrator errors onto the API vocabulary.
func (h *Handler) writeTxnError(w http.ResponseWriter, txnID string, err error) {
	var serr *payments.StateError
	switch {
	case errors.Is(err, payments.ErrTransactionNotFound):
		api.NotFound(w, "transaction not found")
	case errors.Is(err, payments.ErrNotConfigured):
		api.WriteError(w, http.StatusConflict, api.ErrCodeNotConfigured, "gateway is not configured")
	case errors.As(err, &serr):
		api.Conflict(w, serr.Error())
	default:
		h.logger.Error("transaction operation failed", "transaction_id", txnID, "error", err)
		api.InternalError(w, "operation failed")
	}
}

func toAddress(dto addressDTO) payments.Address {
	return payments.Address{
		Name:       dto.Name,
		Street1:    dto.Street1,
		Street2:    dto.Street2,
		City:       dto.City,
		State:      dto.State,
		PostalCode: dto.PostalCode,
		Country:    strings.ToUpper(dto.Country),
		Phone:      dto.Phone,
		Email:      dto.Email,
	}
}

// clientIP prefers the forwarding header set by the edge proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
