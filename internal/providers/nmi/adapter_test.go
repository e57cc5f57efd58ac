package nmi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commercepay/internal/common/money"
	"commercepay/internal/payments"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(Config{
		Credentials: payments.Credentials{CredSecurityKey: "sk_test"},
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)
	return a
}

func chargeReq() *payments.ChargeRequest {
	req := &payments.ChargeRequest{
		Amount: money.New(3798, money.USD),
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
			State:      "IL",
			PostalCode: "62701",
			Country:    "US",
		},
		OrderRef: "ORD-1",
		Action:   payments.ActionSale,
	}
	req.Card.Normalize()
	return req
}

func TestNewRequiresSecurityKey(t *testing.T) {
	_, err := New(Config{Credentials: payments.Credentials{}})
	assert.Error(t, err)
}

func TestChargeApproved(t *testing.T) {
	var got url.Values
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Write([]byte("response=1&responsetext=SUCCESS&authcode=123456&transactionid=987654&avsresponse=N&cvvresponse=M&response_code=100"))
	})

	res, err := a.Charge(context.Background(), chargeReq())
	require.NoError(t, err)

	assert.Equal(t, payments.OutcomeApproved, res.Outcome)
	assert.Equal(t, "987654", res.ProviderTxnID)
	assert.Equal(t, "123456", res.AuthCode)
	assert.Equal(t, "N", res.AVSResult)
	assert.Equal(t, "M", res.CVVResult)

	assert.Equal(t, "sale", got.Get("type"))
	assert.Equal(t, "sk_test", got.Get("security_key"))
	assert.Equal(t, "37.98", got.Get("amount"))
	assert.Equal(t, "1030", got.Get("ccexp"))
	assert.Equal(t, "Jane", got.Get("first_name"))
	assert.Equal(t, "Smith", got.Get("last_name"))
}

func TestChargeAuthorize(t *testing.T) {
	var got url.Values
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Write([]byte("response=1&transactionid=987655&response_code=100"))
	})

	req := chargeReq()
	req.Action = payments.ActionAuthorize
	_, err := a.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "auth", got.Get("type"))
}

func TestChargeDeclined(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response=2&responsetext=DECLINE&transactionid=987656&response_code=200"))
	})

	res, err := a.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeDeclined, res.Outcome)
	assert.Equal(t, "200", res.ErrorCode)
	assert.Equal(t, "the card was declined by the issuing bank", res.ErrorMessage)
}

func TestChargeError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response=3&responsetext=Invalid+Credit+Card+Number&response_code=300"))
	})

	res, err := a.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeError, res.Outcome)
	assert.Contains(t, res.ErrorMessage, "Invalid Credit Card Number")
}

func TestChargeUnknownResponseValueIsError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response=7&transactionid=987657"))
	})

	res, err := a.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeError, res.Outcome)
	assert.Equal(t, payments.ErrCodeUnknownStatus, res.ErrorCode)
}

func TestChargeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{
		Credentials: payments.Credentials{CredSecurityKey: "sk_test"},
		BaseURL:     srv.URL,
		Timeout:     20 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := a.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeError, res.Outcome)
	assert.Equal(t, payments.ErrCodeTimeout, res.ErrorCode)
}

func TestRefund(t *testing.T) {
	var got url.Values
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Write([]byte("response=1&transactionid=555001&response_code=100"))
	})

	res, err := a.Refund(context.Background(), &payments.RefundRequest{
		ProviderTxnID: "987654",
		Type:          payments.RefundPartial,
		Amount:        money.New(1000, money.USD),
	})
	require.NoError(t, err)

	assert.Equal(t, payments.OutcomeApproved, res.Outcome)
	assert.Equal(t, "555001", res.RefundTxnID)
	assert.Equal(t, int64(1000), res.GrossAmount.AmountMinor)
	assert.Equal(t, "refund", got.Get("type"))
	assert.Equal(t, "10.00", got.Get("amount"))
}

func TestRefundFullOmitsAmount(t *testing.T) {
	var got url.Values
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Write([]byte("response=1&transactionid=555002&response_code=100"))
	})

	_, err := a.Refund(context.Background(), &payments.RefundRequest{
		ProviderTxnID: "987654",
		Type:          payments.RefundFull,
		Amount:        money.New(3798, money.USD),
	})
	require.NoError(t, err)
	assert.Empty(t, got.Get("amount"))
}

func TestCaptureAndVoid(t *testing.T) {
	var types []string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		types = append(types, r.PostForm.Get("type"))
		w.Write([]byte("response=1&transactionid=987654&response_code=100"))
	})

	res, err := a.Capture(context.Background(), "987654", money.New(2000, money.USD))
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeApproved, res.Outcome)

	res, err = a.Void(context.Background(), "987654")
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeApproved, res.Outcome)

	assert.Equal(t, []string{"capture", "void"}, types)
}

func TestTestConnection(t *testing.T) {
	ok := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response=1&responsetext=SUCCESS&response_code=100"))
	})
	res := ok.TestConnection(context.Background())
	assert.True(t, res.Success)

	bad := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response=3&responsetext=Authentication+Failed&response_code=300"))
	})
	res = bad.TestConnection(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, "invalid security key", res.Message)
}
