// Package money provides monetary amounts in minor units.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	JPY Currency = "JPY"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	CAD: {Code: CAD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	AUD: {Code: AUD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// IsSupported reports whether the currency is in the registry.
func IsSupported(c Currency) bool {
	_, ok := currencies[c]
	return ok
}

// Money represents a monetary amount in minor units (cents, pence, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// MustAdd adds two money values, panics on currency mismatch
func (m Money) MustAdd(other Money) Money {
	result, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor - other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// MustSub subtracts two money values, panics on currency mismatch
func (m Money) MustSub(other Money) Money {
	result, err := m.Sub(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Multiply multiplies by an integer
func (m Money) Multiply(factor int64) Money {
	return Money{
		AmountMinor: m.AmountMinor * factor,
		Currency:    m.Currency,
	}
}

// Percentage calculates a percentage (basis points / 10000)
func (m Money) Percentage(basisPoints int64) Money {
	return Money{
		AmountMinor: int64(math.Round(float64(m.AmountMinor) * float64(basisPoints) / 10000)),
		Currency:    m.Currency,
	}
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.AmountMinor < other.AmountMinor {
		return -1, nil
	}
	if m.AmountMinor > other.AmountMinor {
		return 1, nil
	}
	return 0, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// GreaterThan checks if m > other
func (m Money) GreaterThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp > 0
}

// LessThan checks if m < other
func (m Money) LessThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp < 0
}

// ToMajor converts to major units as float. Display only, never for arithmetic.
func (m Money) ToMajor() float64 {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	divisor := math.Pow(10, float64(info.MinorUnits))
	return float64(m.AmountMinor) / divisor
}

// FormatMajor renders the amount as a plain decimal string ("37.98") in the
// currency's minor-unit precision. Used by gateway wire encodings that expect
// major-unit amounts.
func (m Money) FormatMajor() string {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	if info.MinorUnits == 0 {
		return fmt.Sprintf("%d", m.AmountMinor)
	}
	divisor := int64(math.Pow(10, float64(info.MinorUnits)))
	major := m.AmountMinor / divisor
	minor := m.AmountMinor % divisor
	if minor < 0 {
		minor = -minor
	}
	return fmt.Sprintf("%d.%0*d", major, info.MinorUnits, minor)
}

// ParseMajor parses a plain decimal major-unit string ("37.98") into Money.
// Gateways that speak major-unit amounts on the wire are converted at the
// adapter boundary; everything inside stays in minor units.
func ParseMajor(s string, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}

	negative := false
	if len(s) > 0 && (s[0] == '-' || s[0] == '+') {
		negative = s[0] == '-'
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return Money{}, fmt.Errorf("invalid amount %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > info.MinorUnits {
		return Money{}, fmt.Errorf("amount %q has more than %d decimal places", s, info.MinorUnits)
	}
	for len(fracPart) < info.MinorUnits {
		fracPart += "0"
	}

	major, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q", s)
	}
	var frac int64
	if info.MinorUnits > 0 {
		frac, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return Money{}, fmt.Errorf("invalid amount %q", s)
		}
	}

	divisor := int64(math.Pow(10, float64(info.MinorUnits)))
	minor := major*divisor + frac
	if negative {
		minor = -minor
	}
	return Money{AmountMinor: minor, Currency: currency}, nil
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	major := m.ToMajor()
	format := fmt.Sprintf("%%.%df", info.MinorUnits)
	if info.SymbolFirst {
		return fmt.Sprintf("%s"+format, info.Symbol, major)
	}
	return fmt.Sprintf(format+"%s", major, info.Symbol)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}

// Scan implements sql.Scanner
func (m *Money) Scan(src interface{}) error {
	if src == nil {
		*m = Money{}
		return nil
	}
	switch v := src.(type) {
	case int64:
		m.AmountMinor = v
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan into Money")
	}
}

// Value implements driver.Valuer
func (m Money) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Sum adds up multiple money values
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}

	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
