package x402

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUsdcAmount(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		decimals int
		want     string
	}{
		{name: "dollar prefix", price: "$1.00", decimals: 6, want: "1000000"},
		{name: "ten cents", price: "$0.10", decimals: 6, want: "100000"},
		{name: "no prefix", price: "0.0001", decimals: 6, want: "100"},
		{name: "thousands separator", price: "$1,000.50", decimals: 6, want: "1000500000"},
		{name: "zero", price: "$0.00", decimals: 6, want: "0"},
		{name: "whitespace", price: "  $2.50 ", decimals: 6, want: "2500000"},
		{name: "18 decimals", price: "$0.01", decimals: 18, want: "10000000000000000"},
		{name: "sub-unit rounds", price: "0.0000001", decimals: 6, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUsdcAmount(tt.price, tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseUsdcAmountRejects(t *testing.T) {
	tests := []struct {
		name  string
		price string
	}{
		{name: "empty", price: ""},
		{name: "only symbols", price: "$,"},
		{name: "negative", price: "-$0.10"},
		{name: "not a number", price: "ten dollars"},
		{name: "NaN", price: "NaN"},
		{name: "Inf", price: "Inf"},
		{name: "overflows smallest units", price: "1e303"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUsdcAmount(tt.price, 6)
			assert.Error(t, err)
		})
	}
}

func TestFormatUsdcAmount(t *testing.T) {
	assert.Equal(t, "$1.00", FormatUsdcAmount(big.NewInt(1000000), 6))
	assert.Equal(t, "$0.10", FormatUsdcAmount(big.NewInt(100000), 6))
	assert.Equal(t, "$0.00", FormatUsdcAmount(big.NewInt(0), 6))
	assert.Equal(t, "$0.00", FormatUsdcAmount(nil, 6))
	assert.Equal(t, "$1234.56", FormatUsdcAmount(big.NewInt(1234560000), 6))
}
