package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commercepay/internal/common/money"
)

func validRequest() *ChargeRequest {
	req := &ChargeRequest{
		Amount: money.New(3798, money.USD),
		Card: Card{
			Number:      "4111111111111111",
			ExpiryMonth: 10,
			ExpiryYear:  2030,
			CVV:         "123",
			HolderName:  "Jane Smith",
		},
		Billing: Address{
			Street1:    "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "US",
		},
		OrderRef: "ORD-1",
		Action:   ActionSale,
	}
	req.Card.Normalize()
	return req
}

func TestValidateChargeRequestOK(t *testing.T) {
	assert.Empty(t, ValidateChargeRequest(validRequest(), 0))
}

func TestValidateCard(t *testing.T) {
	tests := []struct {
		name  string
		card  Card
		field string
	}{
		{"short pan", Card{Number: "41111", ExpiryMonth: 10, ExpiryYear: 2030, CVV: "123"}, "card.number"},
		{"alphanumeric pan", Card{Number: "4111abcd11111111", ExpiryMonth: 10, ExpiryYear: 2030, CVV: "123"}, "card.number"},
		{"bad month", Card{Number: "4111111111111111", ExpiryMonth: 13, ExpiryYear: 2030, CVV: "123"}, "card.expiry_month"},
		{"unnormalized year", Card{Number: "4111111111111111", ExpiryMonth: 10, ExpiryYear: 30, CVV: "123"}, "card.expiry_year"},
		{"bad cvv", Card{Number: "4111111111111111", ExpiryMonth: 10, ExpiryYear: 2030, CVV: "12"}, "card.cvv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateCard(&tt.card)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestValidateAggregatesAllFailures(t *testing.T) {
	req := validRequest()
	req.Amount = money.New(0, "XXX")
	req.Card.CVV = ""
	req.Billing.Country = "usa"

	errs := ValidateChargeRequest(req, 0)
	require.GreaterOrEqual(t, len(errs), 4)

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	assert.True(t, fields["amount"])
	assert.True(t, fields["currency"])
	assert.True(t, fields["card.cvv"])
	assert.True(t, fields["billing.country"])
}

func TestChargeCeilingRejectsNeverClamps(t *testing.T) {
	req := validRequest()
	req.Amount = money.New(DefaultChargeCeilingMinor+1, money.USD)

	errs := ValidateChargeRequest(req, 0)
	require.NotEmpty(t, errs)
	assert.Equal(t, "amount", errs[0].Field)
	// the request amount is untouched
	assert.Equal(t, DefaultChargeCeilingMinor+1, req.Amount.AmountMinor)

	// exactly at the ceiling passes
	req.Amount = money.New(DefaultChargeCeilingMinor, money.USD)
	assert.Empty(t, ValidateChargeRequest(req, 0))

	// a custom ceiling applies
	req.Amount = money.New(5001, money.USD)
	errs = ValidateChargeRequest(req, 5000)
	require.NotEmpty(t, errs)
}

func TestValidateShippingAddress(t *testing.T) {
	req := validRequest()
	req.Shipping = &Address{Street1: "", Country: "DE"}

	errs := ValidateChargeRequest(req, 0)
	require.NotEmpty(t, errs)
	assert.Equal(t, "shipping.street1", errs[0].Field)
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{{Field: "amount", Message: "must be greater than zero"}}
	assert.Contains(t, errs.Error(), "amount")
	assert.Len(t, errs.Messages(), 1)
}
