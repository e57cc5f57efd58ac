// Package authnet provides an Authorize.Net adapter using the JSON API.
// Outcomes are signalled twice: messages.resultCode for the envelope, then
// transactionResponse.responseCode (1 approved, 2 declined, 3 error,
// 4 held for review) for the payment itself.
package authnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"commercepay/internal/common/money"
	"commercepay/internal/payments"
)

const (
	sandboxURL    = "https://apitest.authorize.net/xml/v1/request.api"
	productionURL = "https://api.authorize.net/xml/v1/request.api"

	defaultTimeout     = 30 * time.Second
	defaultTestTimeout = 10 * time.Second
)

// Credential bundle keys.
const (
	CredLoginID        = "api_login_id"
	CredTransactionKey = "transaction_key"
)

// Config holds adapter construction parameters.
type Config struct {
	Credentials payments.Credentials
	Environment payments.Environment
	BaseURL     string // override for tests
	Timeout     time.Duration
	TestTimeout time.Duration
	Logger      *slog.Logger
}

// Adapter implements payments.Adapter for Authorize.Net.
type Adapter struct {
	loginID    string
	txnKey     string
	baseURL    string
	client     *http.Client
	testClient *http.Client
	logger     *slog.Logger
}

// New creates an Authorize.Net adapter bound to one tenant's credentials.
func New(cfg Config) (*Adapter, error) {
	for _, key := range []string{CredLoginID, CredTransactionKey} {
		if cfg.Credentials.Get(key) == "" {
			return nil, fmt.Errorf("authnet: missing credential %q", key)
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
		loginID:    cfg.Credentials.Get(CredLoginID),
		txnKey:     cfg.Credentials.Get(CredTransactionKey),
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		testClient: &http.Client{Timeout: testTimeout},
		logger:     logger,
	}, nil
}

// Name implements payments.Adapter.
func (a *Adapter) Name() payments.GatewayID { return payments.GatewayAuthNet }

// Wire types. Field order matters to Authorize.Net's validator, so the
// request structs mirror the documented element order.

type merchantAuth struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type creditCard struct {
	CardNumber     string `json:"cardNumber"`
	ExpirationDate string `json:"expirationDate"`
	CardCode       string `json:"cardCode,omitempty"`
}

type paymentBlock struct {
	CreditCard creditCard `json:"creditCard"`
}

type addressBlock struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Zip       string `json:"zip,omitempty"`
	Country   string `json:"country,omitempty"`
}

type orderBlock struct {
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
}

type transactionRequest struct {
	TransactionType string        `json:"transactionType"`
	Amount          string        `json:"amount,omitempty"`
	Payment         *paymentBlock `json:"payment,omitempty"`
	RefTransID      string        `json:"refTransId,omitempty"`
	Order           *orderBlock   `json:"order,omitempty"`
	BillTo          *addressBlock `json:"billTo,omitempty"`
	ShipTo          *addressBlock `json:"shipTo,omitempty"`
	CustomerIP      string        `json:"customerIP,omitempty"`
}

type createTransactionRequest struct {
	MerchantAuthentication merchantAuth       `json:"merchantAuthentication"`
	RefID                  string             `json:"refId,omitempty"`
	TransactionRequest     transactionRequest `json:"transactionRequest"`
}

type message struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

type messagesBlock struct {
	ResultCode string    `json:"resultCode"`
	Message    []message `json:"message"`
}

type txnError struct {
	ErrorCode string `json:"errorCode"`
	ErrorText string `json:"errorText"`
}

type transactionResponse struct {
	ResponseCode  string     `json:"responseCode"`
	AuthCode      string     `json:"authCode"`
	AVSResultCode string     `json:"avsResultCode"`
	CVVResultCode string     `json:"cvvResultCode"`
	TransID       string     `json:"transId"`
	Errors        []txnError `json:"errors"`
}

type createTransactionResponse struct {
	TransactionResponse *transactionResponse `json:"transactionResponse"`
	RefID               string               `json:"refId"`
	Messages            messagesBlock        `json:"messages"`
}

// Charge implements payments.Adapter.Charge.
func (a *Adapter) Charge(ctx context.Context, req *payments.ChargeRequest) (*payments.TransactionResult, error) {
	txnType := "authCaptureTransaction"
	if req.Action == payments.ActionAuthorize {
		txnType = "authOnlyTransaction"
	}

	first, last := req.Card.FirstLastName()

	txnReq := transactionRequest{
		TransactionType: txnType,
		Amount:          req.Amount.FormatMajor(),
		Payment: &paymentBlock{CreditCard: creditCard{
			CardNumber:     req.Card.Number,
			ExpirationDate: fmt.Sprintf("%04d-%02d", req.Card.ExpiryYear, req.Card.ExpiryMonth),
			CardCode:       req.Card.CVV,
		}},
		BillTo: &addressBlock{
			FirstName: first,
			LastName:  last,
			Address:   req.Billing.Street1,
			City:      req.Billing.City,
			State:     req.Billing.State,
			Zip:       req.Billing.PostalCode,
			Country:   req.Billing.Country,
		},
		CustomerIP: req.IPAddress,
	}
	if req.InvoiceRef != "" {
		txnReq.Order = &orderBlock{InvoiceNumber: req.InvoiceRef}
	}
	if s := req.Shipping; s != nil {
		txnReq.ShipTo = &addressBlock{
			Address: s.Street1,
			City:    s.City,
			State:   s.State,
			Zip:     s.PostalCode,
			Country: s.Country,
		}
	}

	body := map[string]createTransactionRequest{"createTransactionRequest": {
		MerchantAuthentication: a.auth(),
		RefID:                  req.OrderRef,
		TransactionRequest:     txnReq,
	}}

	resp, raw, err := a.call(ctx, a.client, body)
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
	body := map[string]createTransactionRequest{"createTransactionRequest": {
		MerchantAuthentication: a.auth(),
		TransactionRequest: transactionRequest{
			TransactionType: "priorAuthCaptureTransaction",
			Amount:          amount.FormatMajor(),
			RefTransID:      providerTxnID,
		},
	}}

	resp, raw, err := a.call(ctx, a.client, body)
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
	body := map[string]createTransactionRequest{"createTransactionRequest": {
		MerchantAuthentication: a.auth(),
		TransactionRequest: transactionRequest{
			TransactionType: "voidTransaction",
			RefTransID:      providerTxnID,
		},
	}}

	resp, raw, err := a.call(ctx, a.client, body)
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

// Refund implements payments.Adapter.Refund. Authorize.Net requires the
// original card's last four in the payment block; the expiration date is
// masked per the refund API contract.
func (a *Adapter) Refund(ctx context.Context, req *payments.RefundRequest) (*payments.RefundResult, error) {
	body := map[string]createTransactionRequest{"createTransactionRequest": {
		MerchantAuthentication: a.auth(),
		TransactionRequest: transactionRequest{
			TransactionType: "refundTransaction",
			Amount:          req.Amount.FormatMajor(),
			Payment: &paymentBlock{CreditCard: creditCard{
				CardNumber:     req.CardLastFour,
				ExpirationDate: "XXXX",
			}},
			RefTransID: req.ProviderTxnID,
		},
	}}

	resp, raw, err := a.call(ctx, a.client, body)
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
		Raw:     rawFields(resp),
	}

	txn := resp.TransactionResponse
	if resp.Messages.ResultCode != "Ok" || txn == nil || txn.ResponseCode != responseApproved {
		code, msg := errorDetail(resp)
		result.Outcome = payments.OutcomeError
		result.ErrorCode = code
		result.ErrorMessage = msg
		return result, nil
	}

	result.Outcome = payments.OutcomeApproved
	result.RefundTxnID = txn.TransID
	result.GrossAmount = req.Amount
	return result, nil
}

// TestConnection implements payments.Adapter.TestConnection using the
// dedicated authenticateTestRequest call.
func (a *Adapter) TestConnection(ctx context.Context) *payments.ConnectionTestResult {
	body := map[string]any{"authenticateTestRequest": map[string]any{
		"merchantAuthentication": a.auth(),
	}}

	resp, _, err := a.call(ctx, a.testClient, body)
	if err != nil {
		return &payments.ConnectionTestResult{
			Gateway: string(a.Name()),
			Message: fmt.Sprintf("connection failed: %v", err),
		}
	}
	if resp == nil || resp.Messages.ResultCode != "Ok" {
		msg := "invalid API credentials"
		if resp != nil {
			if _, m := errorDetail(resp); m != "" {
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

func (a *Adapter) auth() merchantAuth {
	return merchantAuth{Name: a.loginID, TransactionKey: a.txnKey}
}

// call POSTs the JSON body and decodes the response. A nil response with nil
// error means the body could not be parsed. Authorize.Net prefixes responses
// with a UTF-8 BOM, which is stripped before decoding.
func (a *Adapter) call(ctx context.Context, client *http.Client, body any) (*createTransactionResponse, string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, "", err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("http status %d", httpResp.StatusCode)
	}

	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	var decoded createTransactionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		a.logger.Error("unparseable response", "error", err)
		return nil, string(raw), nil
	}
	return &decoded, "", nil
}

// Transaction response codes.
const (
	responseApproved = "1"
	responseDeclined = "2"
	responseError    = "3"
	responseHeld     = "4"
)

// knownErrors maps envelope and transaction error codes to user-facing
// reasons.
var knownErrors = map[string]string{
	"E00007": "invalid API credentials",
	"E00027": "the transaction was unsuccessful",
	"2":      "the card was declined by the issuing bank",
	"3":      "the card was declined by the payment network",
	"6":      "the card number is invalid",
	"7":      "the card expiration date is invalid",
	"8":      "the card has expired",
	"11":     "a duplicate transaction was detected",
	"65":     "the card security code did not match",
}

func (a *Adapter) decodeTxn(resp *createTransactionResponse, amount money.Money) *payments.TransactionResult {
	result := &payments.TransactionResult{
		Gateway:       a.Name(),
		CorrelationID: resp.RefID,
		Amount:        amount,
		Raw:           rawFields(resp),
	}

	txn := resp.TransactionResponse
	if txn != nil {
		result.ProviderTxnID = txn.TransID
		result.AuthCode = txn.AuthCode
		result.AVSResult = txn.AVSResultCode
		result.CVVResult = txn.CVVResultCode
	}

	if resp.Messages.ResultCode != "Ok" {
		code, msg := errorDetail(resp)
		result.Outcome = payments.OutcomeError
		result.ErrorCode = code
		result.ErrorMessage = msg
		return result
	}
	if txn == nil {
		result.Outcome = payments.OutcomeError
		result.ErrorCode = payments.ErrCodeBadResponse
		result.ErrorMessage = "gateway error: missing transaction response"
		return result
	}

	switch txn.ResponseCode {
	case responseApproved:
		result.Outcome = payments.OutcomeApproved
	case responseDeclined:
		result.Outcome = payments.OutcomeDeclined
		code, msg := txnErrorDetail(txn)
		result.ErrorCode = code
		result.ErrorMessage = msg
	case responseError, responseHeld:
		result.Outcome = payments.OutcomeError
		code, msg := txnErrorDetail(txn)
		result.ErrorCode = code
		result.ErrorMessage = msg
	default:
		// Unknown response codes are never treated as approvals.
		result.Outcome = payments.OutcomeError
		result.ErrorCode = payments.ErrCodeUnknownStatus
		result.ErrorMessage = fmt.Sprintf("gateway error: unrecognized response code %q", txn.ResponseCode)
	}
	return result
}

func errorDetail(resp *createTransactionResponse) (string, string) {
	if txn := resp.TransactionResponse; txn != nil && len(txn.Errors) > 0 {
		return txnErrorDetail(txn)
	}
	if len(resp.Messages.Message) > 0 {
		m := resp.Messages.Message[0]
		if msg, ok := knownErrors[m.Code]; ok {
			return m.Code, msg
		}
		return m.Code, fmt.Sprintf("gateway error: %s", m.Text)
	}
	return payments.ErrCodeUnknownStatus, "gateway error: unrecognized response"
}

func txnErrorDetail(txn *transactionResponse) (string, string) {
	if len(txn.Errors) == 0 {
		return payments.ErrCodeUnknownStatus, "gateway error: no reason provided"
	}
	e := txn.Errors[0]
	if msg, ok := knownErrors[e.ErrorCode]; ok {
		return e.ErrorCode, msg
	}
	return e.ErrorCode, fmt.Sprintf("gateway error: %s", e.ErrorText)
}

// rawFields flattens the parts of the response worth auditing.
func rawFields(resp *createTransactionResponse) map[string]string {
	m := map[string]string{"resultCode": resp.Messages.ResultCode}
	if len(resp.Messages.Message) > 0 {
		m["messageCode"] = resp.Messages.Message[0].Code
		m["messageText"] = resp.Messages.Message[0].Text
	}
	if txn := resp.TransactionResponse; txn != nil {
		m["responseCode"] = txn.ResponseCode
		m["transId"] = txn.TransID
		m["authCode"] = txn.AuthCode
		if len(txn.Errors) > 0 {
			m["errorCode"] = txn.Errors[0].ErrorCode
			m["errorText"] = txn.Errors[0].ErrorText
		}
	}
	return m
}
