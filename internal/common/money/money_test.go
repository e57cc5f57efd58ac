package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSub(t *testing.T) {
	a := New(3798, USD)
	b := New(599, USD)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(4397), sum.AmountMinor)

	diff, err := sum.Sub(b)
	require.NoError(t, err)
	assert.True(t, diff.Equal(a))

	_, err = a.Add(New(100, EUR))
	assert.Error(t, err)
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name        string
		amountMinor int64
		basisPoints int64
		want        int64
	}{
		{"8.25% of 37.98", 3798, 825, 313},
		{"10% of 100.00", 10000, 1000, 1000},
		{"zero rate", 3798, 0, 0},
		{"rounds half up", 1000, 25, 3}, // 2.5 -> 3
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.amountMinor, USD).Percentage(tt.basisPoints)
			assert.Equal(t, tt.want, got.AmountMinor)
		})
	}
}

func TestFormatMajor(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		expected string
	}{
		{"two decimals", New(3798, USD), "37.98"},
		{"pads cents", New(500, USD), "5.00"},
		{"single cent", New(1, USD), "0.01"},
		{"zero-decimal currency", New(3798, JPY), "3798"},
		{"negative", New(-1050, USD), "-10.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.money.FormatMajor())
		})
	}
}

func TestParseMajor(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		currency Currency
		want     int64
		wantErr  bool
	}{
		{"plain", "37.98", USD, 3798, false},
		{"no fraction", "37", USD, 3700, false},
		{"short fraction", "37.9", USD, 3790, false},
		{"bare fraction", ".98", USD, 98, false},
		{"negative", "-5.00", USD, -500, false},
		{"zero-decimal currency", "3798", JPY, 3798, false},
		{"too many decimals", "37.985", USD, 0, true},
		{"garbage", "abc", USD, 0, true},
		{"empty", "", USD, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMajor(tt.input, tt.currency)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.AmountMinor)
			assert.Equal(t, tt.currency, got.Currency)
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, minor := range []int64{0, 1, 99, 100, 3798, 123456789} {
		m := New(minor, USD)
		parsed, err := ParseMajor(m.FormatMajor(), USD)
		require.NoError(t, err)
		assert.Equal(t, minor, parsed.AmountMinor)
	}
}

func TestComparisons(t *testing.T) {
	small := New(100, USD)
	big := New(200, USD)

	assert.True(t, big.GreaterThan(small))
	assert.True(t, small.LessThan(big))
	assert.False(t, small.GreaterThan(New(100, EUR))) // mismatched currency never compares
}

func TestSum(t *testing.T) {
	total, err := Sum(New(3798, USD), New(599, USD), New(313, USD))
	require.NoError(t, err)
	assert.Equal(t, int64(4710), total.AmountMinor)

	_, err = Sum(New(1, USD), New(1, GBP))
	assert.Error(t, err)
}
