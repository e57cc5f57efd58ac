// Package nmi provides an NMI direct-post adapter. Requests and responses
// are both form-encoded; the outcome is signalled by the numeric `response`
// field (1 approved, 2 declined, 3 error).
package nmi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"commercepay/internal/common/money"
	"commercepay/internal/payments"
)

const (
	defaultEndpoint = "https://secure.nmi.com/api/transact.php"

	defaultTimeout     = 30 * time.Second
	defaultTestTimeout = 10 * time.Second
)

// CredSecurityKey is the single NMI credential.
const CredSecurityKey = "security_key"

// Config holds adapter construction parameters. NMI uses the same endpoint
// for sandbox and production; the security key determines the account mode.
type Config struct {
	Credentials payments.Credentials
	BaseURL     string // override for tests
	Timeout     time.Duration
	TestTimeout time.Duration
	Logger      *slog.Logger
}

// Adapter implements payments.Adapter for NMI.
type Adapter struct {
	securityKey string
	baseURL     string
	client      *http.Client
	testClient  *http.Client
	logger      *slog.Logger
}

// New creates an NMI adapter bound to one tenant's security key.
func New(cfg Config) (*Adapter, error) {
	if cfg.Credentials.Get(CredSecurityKey) == "" {
		return nil, fmt.Errorf("nmi: missing credential %q", CredSecurityKey)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	testTimeout := cfg.TestTimeout
	if testTimeout == 0 {
		testTimeout = defaultTestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		securityKey: cfg.Credentials.Get(CredSecurityKey),
		baseURL:     baseURL,
		client:      &http.Client{Timeout: timeout},
		testClient:  &http.Client{Timeout: testTimeout},
		logger:      logger,
	}, nil
}

// Name implements payments.Adapter.
func (a *Adapter) Name() payments.GatewayID { return payments.GatewayNMI }

// Charge implements payments.Adapter.Charge.
func (a *Adapter) Charge(ctx context.Context, req *payments.ChargeRequest) (*payments.TransactionResult, error) {
	txnType := "sale"
	if req.Action == payments.ActionAuthorize {
		txnType = "auth"
	}

	first, last := req.Card.FirstLastName()

	v := a.baseParams(txnType)
	v.Set("ccnumber", req.Card.Number)
	v.Set("ccexp", fmt.Sprintf("%02d%02d", req.Card.ExpiryMonth, req.Card.ExpiryYear%100))
	v.Set("cvv", req.Card.CVV)
	v.Set("amount", req.Amount.FormatMajor())
	v.Set("currency", string(req.Amount.Currency))
	v.Set("first_name", first)
	v.Set("last_name", last)
	v.Set("address1", req.Billing.Street1)
	if req.Billing.Street2 != "" {
		v.Set("address2", req.Billing.Street2)
	}
	v.Set("city", req.Billing.City)
	v.Set("state", req.Billing.State)
	v.Set("zip", req.Billing.PostalCode)
	v.Set("country", req.Billing.Country)
	if req.Billing.Phone != "" {
		v.Set("phone", req.Billing.Phone)
	}
	if req.Billing.Email != "" {
		v.Set("email", req.Billing.Email)
	}
	if req.OrderRef != "" {
		v.Set("orderid", req.OrderRef)
	}
	if req.IPAddress != "" {
		v.Set("ipaddress", req.IPAddress)
	}
	if s := req.Shipping; s != nil {
		sfirst, slast := splitName(s.Name)
		v.Set("shipping_firstname", sfirst)
		v.Set("shipping_lastname", slast)
		v.Set("shipping_address1", s.Street1)
		v.Set("shipping_city", s.City)
		v.Set("shipping_state", s.State)
		v.Set("shipping_zip", s.PostalCode)
		v.Set("shipping_country", s.Country)
	}

	resp, raw, err := a.call(ctx, a.client, v)
	if err != nil {
		return payments.FailureResult(a.Name(), err), nil
	}
	if resp == nil {
		return payments.BadResponseResult(a.Name(), raw), nil
	}

	return a.decodeTxn(resp, req.Amount), nil
}

// Capture implements payments.Adapter.Capture.
func (a *Adapter) Capture(ctx context.Context, providerTxnID string, amount money.Money) (*payments.TransactionResult, error) {
	v := a.baseParams("capture")
	v.Set("transactionid", providerTxnID)
	v.Set("amount", amount.FormatMajor())

	resp, raw, err := a.call(ctx, a.client, v)
	if err != nil {
		return payments.FailureResult(a.Name(), err), nil
	}
	if resp == nil {
		return payments.BadResponseResult(a.Name(), raw), nil
	}

	return a.decodeTxn(resp, amount), nil
}

// Void implements payments.Adapter.Void.
func (a *Adapter) Void(ctx context.Context, providerTxnID string) (*payments.TransactionResult, error) {
	v := a.baseParams("void")
	v.Set("transactionid", providerTxnID)

	resp, raw, err := a.call(ctx, a.client, v)
	if err != nil {
		return payments.FailureResult(a.Name(), err), nil
	}
	if resp == nil {
		return payments.BadResponseResult(a.Name(), raw), nil
	}

	return a.decodeTxn(resp, money.Money{}), nil
}

// Refund implements payments.Adapter.Refund. NMI does not report a fee
// breakdown; only the gross amount is populated.
func (a *Adapter) Refund(ctx context.Context, req *payments.RefundRequest) (*payments.RefundResult, error) {
	v := a.baseParams("refund")
	v.Set("transactionid", req.ProviderTxnID)
	// Omitting the amount refunds the full remaining balance.
	if req.Type == payments.RefundPartial {
		v.Set("amount", req.Amount.FormatMajor())
	}

	resp, raw, err := a.call(ctx, a.client, v)
	if err != nil {
		return payments.RefundFailureResult(a.Name(), err), nil
	}
	if resp == nil {
		return &payments.RefundResult{
			Outcome:      payments.OutcomeError,
			Gateway:      a.Name(),
			ErrorCode:    payments.ErrCodeBadResponse,
			ErrorMessage: "gateway returned an unreadable response",
			Raw:          map[string]string{"detail": raw},
		}, nil
	}

	result := &payments.RefundResult{
		Gateway: a.Name(),
		Raw:     flatten(resp),
	}

	if resp.Get("response") != responseApproved {
		result.Outcome = payments.OutcomeError
		result.ErrorCode = resp.Get("response_code")
		result.ErrorMessage = responseReason(resp)
		return result, nil
	}

	result.Outcome = payments.OutcomeApproved
	result.RefundTxnID = resp.Get("transactionid")
	result.GrossAmount = req.Amount
	return result, nil
}

// TestConnection implements payments.Adapter.TestConnection using a
// zero-dollar card validation against a well-known test PAN.
func (a *Adapter) TestConnection(ctx context.Context) *payments.ConnectionTestResult {
	v := a.baseParams("validate")
	v.Set("ccnumber", "4111111111111111")
	v.Set("ccexp", "1040")

	resp, _, err := a.call(ctx, a.testClient, v)
	if err != nil {
		return &payments.ConnectionTestResult{
			Gateway: string(a.Name()),
			Message: fmt.Sprintf("connection failed: %v", err),
		}
	}
	if resp == nil {
		return &payments.ConnectionTestResult{
			Gateway: string(a.Name()),
			Message: "gateway returned an unreadable response",
		}
	}

	// 300 with an authentication response code means the key is wrong.
	// A 1 or 2 response still proves the key authenticates.
	code := resp.Get("response_code")
	if code == "410" || code == "411" ||
		strings.Contains(strings.ToLower(resp.Get("responsetext")), "authentication failed") {
		return &payments.ConnectionTestResult{
			Gateway: string(a.Name()),
			Message: "invalid security key",
		}
	}

	return &payments.ConnectionTestResult{
		Success: true,
		Gateway: string(a.Name()),
		Message: "connection successful",
	}
}

func (a *Adapter) baseParams(txnType string) url.Values {
	v := url.Values{}
	v.Set("type", txnType)
	v.Set("security_key", a.securityKey)
	return v
}

func (a *Adapter) call(ctx context.Context, client *http.Client, v url.Values) (url.Values, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, strings.NewReader(v.Encode()))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, "", err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("http status %d", httpResp.StatusCode)
	}

	parsed, err := url.ParseQuery(string(body))
	if err != nil {
		a.logger.Error("unparseable response", "error", err)
		return nil, string(body), nil
	}
	return parsed, "", nil
}

// NMI response field values.
const (
	responseApproved = "1"
	responseDeclined = "2"
	responseError    = "3"
)

// declineReasons maps specific NMI response codes to user-facing reasons.
var declineReasons = map[string]string{
	"200": "the card was declined by the issuing bank",
	"201": "the card was declined, do not honor",
	"223": "the card has expired",
	"224": "the card expiration date is invalid",
	"225": "the card security code is invalid",
	"250": "the card was reported lost or stolen",
	"260": "the card was declined, insufficient funds",
}

func (a *Adapter) decodeTxn(resp url.Values, amount money.Money) *payments.TransactionResult {
	result := &payments.TransactionResult{
		Gateway:       a.Name(),
		ProviderTxnID: resp.Get("transactionid"),
		AuthCode:      resp.Get("authcode"),
		AVSResult:     resp.Get("avsresponse"),
		CVVResult:     resp.Get("cvvresponse"),
		Amount:        amount,
		Raw:           flatten(resp),
	}

	switch resp.Get("response") {
	case responseApproved:
		result.Outcome = payments.OutcomeApproved
	case responseDeclined:
		result.Outcome = payments.OutcomeDeclined
		result.ErrorCode = resp.Get("response_code")
		result.ErrorMessage = responseReason(resp)
	case responseError:
		result.Outcome = payments.OutcomeError
		result.ErrorCode = resp.Get("response_code")
		result.ErrorMessage = responseReason(resp)
	default:
		// Unknown response values are never treated as approvals.
		result.Outcome = payments.OutcomeError
		result.ErrorCode = payments.ErrCodeUnknownStatus
		result.ErrorMessage = fmt.Sprintf("gateway error: unrecognized response %q", resp.Get("response"))
	}
	return result
}

func responseReason(resp url.Values) string {
	if msg, ok := declineReasons[resp.Get("response_code")]; ok {
		return msg
	}
	if text := resp.Get("responsetext"); text != "" {
		return fmt.Sprintf("gateway error: %s", text)
	}
	return "gateway error: no reason provided"
}

func flatten(v url.Values) map[string]string {
	m := make(map[string]string, len(v))
	for k := range v {
		m[k] = v.Get(k)
	}
	return m
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
