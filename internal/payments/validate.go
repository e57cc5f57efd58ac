package payments

import (
	"regexp"
	"strings"

	"commercepay/internal/common/money"
)

// FieldError describes one validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors aggregates every validation failure so callers can surface
// all problems at once rather than one per round trip.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Field + ": " + e.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Messages returns the human-readable failure messages.
func (v ValidationErrors) Messages() []string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Field + ": " + e.Message
	}
	return msgs
}

var (
	panPattern     = regexp.MustCompile(`^\d{12,19}$`)
	cvvPattern     = regexp.MustCompile(`^\d{3,4}$`)
	countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)
	emailPattern   = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// DefaultChargeCeilingMinor caps a single charge to guard against
// fat-finger amounts. Overridable per service configuration.
const DefaultChargeCeilingMinor int64 = 1_000_000

// ValidateCard checks card number format, expiry and CVV.
// The card must be normalized first.
func ValidateCard(c *Card) ValidationErrors {
	var errs ValidationErrors

	if !panPattern.MatchString(c.Number) {
		errs = append(errs, FieldError{"card.number", "must be 12-19 digits"})
	}
	if c.ExpiryMonth < 1 || c.ExpiryMonth > 12 {
		errs = append(errs, FieldError{"card.expiry_month", "must be between 1 and 12"})
	}
	if c.ExpiryYear < 2000 || c.ExpiryYear > 2099 {
		errs = append(errs, FieldError{"card.expiry_year", "must be a 2 or 4 digit year"})
	}
	if !cvvPattern.MatchString(c.CVV) {
		errs = append(errs, FieldError{"card.cvv", "must be 3 or 4 digits"})
	}

	return errs
}

// ValidateAddress checks the shape of a billing or shipping address.
// The prefix names the address in aggregated error output.
func ValidateAddress(a *Address, prefix string) ValidationErrors {
	var errs ValidationErrors

	if a.Street1 == "" {
		errs = append(errs, FieldError{prefix + ".street1", "is required"})
	}
	if !countryPattern.MatchString(a.Country) {
		errs = append(errs, FieldError{prefix + ".country", "must be a 2-letter uppercase country code"})
	}
	if a.Email != "" && !emailPattern.MatchString(a.Email) {
		errs = append(errs, FieldError{prefix + ".email", "must be a valid email address"})
	}

	return errs
}

// ValidateChargeRequest runs every check and aggregates the failures.
// Amounts above the ceiling are rejected, never clamped.
func ValidateChargeRequest(req *ChargeRequest, ceilingMinor int64) ValidationErrors {
	var errs ValidationErrors

	if ceilingMinor <= 0 {
		ceilingMinor = DefaultChargeCeilingMinor
	}

	if !req.Amount.IsPositive() {
		errs = append(errs, FieldError{"amount", "must be greater than zero"})
	} else if req.Amount.AmountMinor > ceilingMinor {
		errs = append(errs, FieldError{"amount", "exceeds the per-transaction limit"})
	}
	if !money.IsSupported(req.Amount.Currency) {
		errs = append(errs, FieldError{"currency", "is not a recognized currency code"})
	}
	if req.Action != ActionSale && req.Action != ActionAuthorize {
		errs = append(errs, FieldError{"action", "must be sale or authorize"})
	}

	errs = append(errs, ValidateCard(&req.Card)...)
	errs = append(errs, ValidateAddress(&req.Billing, "billing")...)
	if req.Shipping != nil {
		errs = append(errs, ValidateAddress(req.Shipping, "shipping")...)
	}

	return errs
}
