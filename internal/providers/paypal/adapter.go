// Package paypal provides a PayPal Payments Pro adapter speaking the legacy
// NVP (name-value-pair) wire format: form-encoded requests and `&`-joined
// KEY=value response bodies.
package paypal

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
	sandboxURL    = "https://api-3t.sandbox.paypal.com/nvp"
	productionURL = "https://api-3t.paypal.com/nvp"

	apiVersion = "204.0"

	defaultTimeout     = 30 * time.Second
	defaultTestTimeout = 10 * time.Second
)

// Credential bundle keys.
const (
	CredUser      = "user"
	CredPassword  = "password"
	CredSignature = "signature"
)

// Config holds adapter construction parameters. Credentials are per tenant;
// every adapter instance owns its own HTTP clients, so no configuration is
// shared between concurrent tenant requests.
type Config struct {
	Credentials payments.Credentials
	Environment payments.Environment
	BaseURL     string // override for tests
	Timeout     time.Duration
	TestTimeout time.Duration
	Logger      *slog.Logger
}

// Adapter implements payments.Adapter for PayPal NVP.
type Adapter struct {
	creds      payments.Credentials
	baseURL    string
	client     *http.Client
	testClient *http.Client
	logger     *slog.Logger
}

// New creates a PayPal adapter bound to one tenant's credentials.
func New(cfg Config) (*Adapter, error) {
	for _, key := range []string{CredUser, CredPassword, CredSignature} {
		if cfg.Credentials.Get(key) == "" {
			return nil, fmt.Errorf("paypal: missing credential %q", key)
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sandboxURL
		if cfg.Environment == payments.EnvProduction {
			baseURL = productionURL
		}
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
		creds:   cfg.Credentials,
		baseURL: baseURL,
		// Connection tests use a short timeout; charge and refund calls
		// get a longer one since payment processing can be slower.
		client:     &http.Client{Timeout: timeout},
		testClient: &http.Client{Timeout: testTimeout},
		logger:     logger,
	}, nil
}

// Name implements payments.Adapter.
func (a *Adapter) Name() payments.GatewayID { return payments.GatewayPayPal }

// Charge implements payments.Adapter.Charge via DoDirectPayment.
func (a *Adapter) Charge(ctx context.Context, req *payments.ChargeRequest) (*payments.TransactionResult, error) {
	action := "Sale"
	if req.Action == payments.ActionAuthorize {
		action = "Authorization"
	}

	first, last := req.Card.FirstLastName()

	v := a.baseParams("DoDirectPayment")
	v.Set("PAYMENTACTION", action)
	v.Set("AMT", req.Amount.FormatMajor())
	v.Set("CURRENCYCODE", string(req.Amount.Currency))
	v.Set("ACCT", req.Card.Number)
	v.Set("EXPDATE", fmt.Sprintf("%02d%04d", req.Card.ExpiryMonth, req.Card.ExpiryYear))
	v.Set("CVV2", req.Card.CVV)
	v.Set("CREDITCARDTYPE", nvpCardType(req.Card.Type))
	v.Set("FIRSTNAME", first)
	v.Set("LASTNAME", last)
	v.Set("STREET", req.Billing.Street1)
	if req.Billing.Street2 != "" {
		v.Set("STREET2", req.Billing.Street2)
	}
	v.Set("CITY", req.Billing.City)
	v.Set("STATE", req.Billing.State)
	v.Set("ZIP", req.Billing.PostalCode)
	v.Set("COUNTRYCODE", req.Billing.Country)
	if req.Billing.Email != "" {
		v.Set("EMAIL", req.Billing.Email)
	}
	if req.IPAddress != "" {
		v.Set("IPADDRESS", req.IPAddress)
	}
	if req.InvoiceRef != "" {
		v.Set("INVNUM", req.InvoiceRef)
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

// Capture implements payments.Adapter.Capture via DoCapture.
func (a *Adapter) Capture(ctx context.Context, providerTxnID string, amount money.Money) (*payments.TransactionResult, error) {
	v := a.baseParams("DoCapture")
	v.Set("AUTHORIZATIONID", providerTxnID)
	v.Set("AMT", amount.FormatMajor())
	v.Set("CURRENCYCODE", string(amount.Currency))
	v.Set("COMPLETETYPE", "Complete")

	resp, raw, err := a.call(ctx, a.client, v)
	if err != nil {
		return payments.FailureResult(a.Name(), err), nil
	}
	if resp == nil {
		return payments.BadResponseResult(a.Name(), raw), nil
	}

	return a.decodeTxn(resp, amount), nil
}

// Void implements payments.Adapter.Void via DoVoid.
func (a *Adapter) Void(ctx context.Context, providerTxnID string) (*payments.TransactionResult, error) {
	v := a.baseParams("DoVoid")
	v.Set("AUTHORIZATIONID", providerTxnID)

	resp, raw, err := a.call(ctx, a.client, v)
	if err != nil {
		return payments.FailureResult(a.Name(), err), nil
	}
	if resp == nil {
		return payments.BadResponseResult(a.Name(), raw), nil
	}

	result := a.decodeTxn(resp, money.Money{})
	if result.ProviderTxnID == "" {
		result.ProviderTxnID = providerTxnID
	}
	return result, nil
}

// Refund implements payments.Adapter.Refund via RefundTransaction. PayPal
// reports the fee breakdown, so net/fee/gross are populated.
func (a *Adapter) Refund(ctx context.Context, req *payments.RefundRequest) (*payments.RefundResult, error) {
	v := a.baseParams("RefundTransaction")
	v.Set("TRANSACTIONID", req.ProviderTxnID)
	if req.Type == payments.RefundPartial {
		v.Set("REFUNDTYPE", "Partial")
		v.Set("AMT", req.Amount.FormatMajor())
		v.Set("CURRENCYCODE", string(req.Amount.Currency))
	} else {
		v.Set("REFUNDTYPE", "Full")
	}
	if req.Reason != "" {
		v.Set("NOTE", req.Reason)
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

	if !ackSuccess(resp.Get("ACK")) {
		code, msg := a.errorDetail(resp)
		result.Outcome = payments.OutcomeError
		result.ErrorCode = code
		result.ErrorMessage = msg
		return result, nil
	}

	result.Outcome = payments.OutcomeApproved
	result.RefundTxnID = resp.Get("REFUNDTRANSACTIONID")
	currency := money.Currency(resp.Get("CURRENCYCODE"))
	if gross, err := money.ParseMajor(resp.Get("GROSSREFUNDAMT"), currency); err == nil {
		result.GrossAmount = gross
	}
	if fee, err := money.ParseMajor(resp.Get("FEEREFUNDAMT"), currency); err == nil {
		result.FeeAmount = fee
	}
	if net, err := money.ParseMajor(resp.Get("NETREFUNDAMT"), currency); err == nil {
		result.NetAmount = net
	}

	return result, nil
}

// TestConnection implements payments.Adapter.TestConnection with a
// lightweight GetPalDetails call.
func (a *Adapter) TestConnection(ctx context.Context) *payments.ConnectionTestResult {
	v := a.baseParams("GetPalDetails")

	resp, _, err := a.call(ctx, a.testClient, v)
	if err != nil {
		return &payments.ConnectionTestResult{
			Gateway: string(a.Name()),
			Message: fmt.Sprintf("connection failed: %v", err),
		}
	}
	if resp == nil || !ackSuccess(resp.Get("ACK")) {
		msg := "invalid API credentials"
		if resp != nil {
			if _, m := a.errorDetail(resp); m != "" {
				msg = m
			}
		}
		return &payments.ConnectionTestResult{Gateway: string(a.Name()), Message: msg}
	}

	return &payments.ConnectionTestResult{
		Success: true,
		Gateway: string(a.Name()),
		Message: "connection successful",
	}
}

func (a *Adapter) baseParams(method string) url.Values {
	v := url.Values{}
	v.Set("METHOD", method)
	v.Set("VERSION", apiVersion)
	v.Set("USER", a.creds.Get(CredUser))
	v.Set("PWD", a.creds.Get(CredPassword))
	v.Set("SIGNATURE", a.creds.Get(CredSignature))
	return v
}

// call POSTs the NVP body and decodes the response. A nil url.Values return
// with nil error means the body could not be parsed; the raw body is
// returned for the error result.
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
		a.logger.Error("unparseable NVP response", "error", err)
		return nil, string(body), nil
	}
	return parsed, "", nil
}

func (a *Adapter) decodeTxn(resp url.Values, amount money.Money) *payments.TransactionResult {
	result := &payments.TransactionResult{
		Gateway:       a.Name(),
		ProviderTxnID: resp.Get("TRANSACTIONID"),
		CorrelationID: resp.Get("CORRELATIONID"),
		AVSResult:     resp.Get("AVSCODE"),
		CVVResult:     resp.Get("CVV2MATCH"),
		Amount:        amount,
		Raw:           flatten(resp),
	}

	if ackSuccess(resp.Get("ACK")) {
		result.Outcome = payments.OutcomeApproved
		return result
	}

	code, msg := a.errorDetail(resp)
	result.ErrorCode = code
	result.ErrorMessage = msg
	if _, declined := declineCodes[code]; declined {
		result.Outcome = payments.OutcomeDeclined
	} else {
		result.Outcome = payments.OutcomeError
	}
	return result
}

// ackSuccess is the NVP success vocabulary: anything other than Success or
// SuccessWithWarning is a failure.
func ackSuccess(ack string) bool {
	return ack == "Success" || ack == "SuccessWithWarning"
}

// declineCodes are the NVP error codes that represent an authoritative
// card-network decline rather than a gateway problem.
var declineCodes = map[string]string{
	"10752": "the card was declined by the issuing bank",
	"10754": "the card was declined by the payment network",
	"10759": "the card number is invalid, please check and retry",
	"10761": "a duplicate transaction was detected",
	"15002": "the card was declined",
	"10417": "the transaction could not complete, use an alternative card",
}

// knownErrors map NVP error codes to specific human-readable reasons.
var knownErrors = map[string]string{
	"10002": "invalid gateway API credentials",
	"10508": "the card expiration date is invalid",
	"10527": "the card number is invalid",
	"10537": "the transaction was declined by country filter",
	"10755": "the currency is not supported by this account",
	"81001": "a required field is missing or invalid",
}

// errorDetail extracts the first numbered error from the NVP response and
// maps it to a human-readable reason.
func (a *Adapter) errorDetail(resp url.Values) (string, string) {
	code := resp.Get("L_ERRORCODE0")
	if code == "" {
		return payments.ErrCodeUnknownStatus, "gateway error: unrecognized response"
	}
	if msg, ok := declineCodes[code]; ok {
		return code, msg
	}
	if msg, ok := knownErrors[code]; ok {
		return code, msg
	}
	long := resp.Get("L_LONGMESSAGE0")
	if long == "" {
		long = resp.Get("L_SHORTMESSAGE0")
	}
	return code, fmt.Sprintf("gateway error: %s", long)
}

// flatten keeps the first value per key as the opaque raw response.
func flatten(v url.Values) map[string]string {
	m := make(map[string]string, len(v))
	for k := range v {
		m[k] = v.Get(k)
	}
	return m
}

// nvpCardType maps the internal card type to PayPal's CREDITCARDTYPE values.
func nvpCardType(t payments.CardType) string {
	switch t {
	case payments.CardMasterCard:
		return "MasterCard"
	case payments.CardAmex:
		return "Amex"
	case payments.CardDiscover:
		return "Discover"
	case payments.CardMaestro:
		return "Maestro"
	default:
		return "Visa"
	}
}
