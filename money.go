package x402

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// ParseUsdcAmount converts a dollar price string (e.g. "$1.00", "0.0001",
// "1,000.50") into smallest token units at the given decimals. The result is
// rounded to the nearest unit. Negative and unparsable prices are rejected.
func ParseUsdcAmount(price string, decimals int) (*big.Int, error) {
	cleaned := strings.TrimSpace(price)
	cleaned = strings.ReplaceAll(cleaned, "$", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")

	if cleaned == "" {
		return nil, fmt.Errorf("empty price")
	}

	dollars, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if math.IsNaN(dollars) || math.IsInf(dollars, 0) {
		return nil, fmt.Errorf("invalid price %q", price)
	}
	if dollars < 0 {
		return nil, fmt.Errorf("negative price %q", price)
	}

	units := math.Round(dollars * math.Pow10(decimals))
	if math.IsInf(units, 0) {
		return nil, fmt.Errorf("price %q too large for %d decimals", price, decimals)
	}
	result, _ := new(big.Float).SetFloat64(units).Int(nil)
	return result, nil
}

// FormatUsdcAmount renders smallest token units as a dollar string rounded to
// cents. Round-trips through ParseUsdcAmount only for whole-cent amounts.
func FormatUsdcAmount(units *big.Int, decimals int) string {
	if units == nil {
		return "$0.00"
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	dollars := new(big.Float).Quo(new(big.Float).SetInt(units), scale)
	value, _ := dollars.Float64()

	return fmt.Sprintf("$%.2f", value)
}
