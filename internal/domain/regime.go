package domain

import "fmt"

// Regime is the routing class of a trip. Exactly one regime applies to any trip.
type Regime string

// Regimes in routing order. Normal is the default when no predicate matches.
const (
	RegimeHighIntensityStrict   Regime = "HighIntensityStrict"
	RegimeHighIntensity         Regime = "HighIntensity"
	RegimeLowMileageHighReceipt Regime = "LowMileageHighReceipt"
	RegimeNormal                Regime = "Normal"
)

// AllRegimes lists every regime.
func AllRegimes() []Regime {
	return []Regime{
		RegimeHighIntensityStrict,
		RegimeHighIntensity,
		RegimeLowMileageHighReceipt,
		RegimeNormal,
	}
}

// ParseRegime converts a string to a Regime.
func ParseRegime(s string) (Regime, error) {
	for _, r := range AllRegimes() {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown regime %q", s)
}

// Path records which calculator produced an amount.
type Path string

const (
	// PathFormula is a regime-specific closed-form formula.
	PathFormula Path = "formula"

	// PathFallback is the general-purpose rule calculator.
	PathFallback Path = "fallback"

	// PathEnsemble is the weighted model blend.
	PathEnsemble Path = "ensemble"
)

// ModelContribution shows how a single model contributed to a blended amount.
type ModelContribution struct {
	Model        string  `json:"model"`
	Prediction   float64 `json:"prediction"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"` // prediction * weight
}
