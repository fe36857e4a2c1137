package scoring

import "github.com/shopspring/decimal"

// FormatAmount renders an engine amount in cents, rounding half away from
// zero. The engine itself never rounds.
func FormatAmount(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// RoundAmount is FormatAmount as a number.
func RoundAmount(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
