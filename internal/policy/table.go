// Package policy holds the versioned reimbursement policy table: regime
// routes, the fallback rule calculator and the regime formulas.
//
// Every ordered list in a table is first-match-wins unless documented
// otherwise. An empty "when" matches every trip.
package policy

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/perdiem/internal/domain"
)

// ErrInvalidTable is returned when a policy table fails validation.
var ErrInvalidTable = errors.New("invalid policy table")

//go:embed default.yaml
var defaultTable []byte

// Table is the declarative policy document.
type Table struct {
	Version     string                   `yaml:"version" json:"version"`
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Routes      []Route                  `yaml:"routes" json:"routes"`
	Fallback    Fallback                 `yaml:"fallback" json:"fallback"`
	Formulas    map[domain.Regime]Formula `yaml:"formulas" json:"formulas"`
	Normal      Normal                   `yaml:"normal" json:"normal"`
}

// Route assigns a regime when its predicate matches.
type Route struct {
	Regime domain.Regime `yaml:"regime" json:"regime"`
	When   string        `yaml:"when" json:"when"`
}

// Band computes min(Rate*x, CapPerDay*days) for an input x.
// With ExcessAbovePerDay set, x above ExcessAbovePerDay*days is paid at
// ExcessRate and the threshold itself at Rate.
type Band struct {
	Name              string  `yaml:"name,omitempty" json:"name,omitempty"`
	When              string  `yaml:"when,omitempty" json:"when,omitempty"`
	Rate              float64 `yaml:"rate" json:"rate"`
	CapPerDay         float64 `yaml:"capPerDay,omitempty" json:"capPerDay,omitempty"`
	ExcessAbovePerDay float64 `yaml:"excessAbovePerDay,omitempty" json:"excessAbovePerDay,omitempty"`
	ExcessRate        float64 `yaml:"excessRate,omitempty" json:"excessRate,omitempty"`
}

// Limit is Multiplier*(PerDay*days + PerMile*miles). Used for caps and floors.
type Limit struct {
	Name       string  `yaml:"name,omitempty" json:"name,omitempty"`
	When       string  `yaml:"when,omitempty" json:"when,omitempty"`
	Multiplier float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"` // 0 means 1
	PerDay     float64 `yaml:"perDay,omitempty" json:"perDay,omitempty"`
	PerMile    float64 `yaml:"perMile,omitempty" json:"perMile,omitempty"`
}

// Scale multiplies an amount by Factor.
type Scale struct {
	Name   string  `yaml:"name,omitempty" json:"name,omitempty"`
	When   string  `yaml:"when,omitempty" json:"when,omitempty"`
	Factor float64 `yaml:"factor" json:"factor"`
}

// Bonus multiplies an amount by 1 + min(Max, (miles_per_day-Pivot)/Span).
type Bonus struct {
	Name  string  `yaml:"name,omitempty" json:"name,omitempty"`
	When  string  `yaml:"when,omitempty" json:"when,omitempty"`
	Max   float64 `yaml:"max" json:"max"`
	Pivot float64 `yaml:"pivot" json:"pivot"`
	Span  float64 `yaml:"span" json:"span"`
}

// FloorCase short-circuits the fallback for very low mileage trips:
// PerDay*days plus the first matching allowance on receipts.
type FloorCase struct {
	When       string  `yaml:"when" json:"when"`
	PerDay     float64 `yaml:"perDay" json:"perDay"`
	Allowances []Band  `yaml:"allowances" json:"allowances"`
}

// PerDiem is Base + PerMilePerDay*miles_per_day, then the first matching scale.
type PerDiem struct {
	Base          float64 `yaml:"base" json:"base"`
	PerMilePerDay float64 `yaml:"perMilePerDay" json:"perMilePerDay"`
	Scales        []Scale `yaml:"scales,omitempty" json:"scales,omitempty"`
}

// Fallback is the general-purpose rule calculator.
type Fallback struct {
	Floor       FloorCase `yaml:"floor" json:"floor"`
	PerDiem     PerDiem   `yaml:"perDiem" json:"perDiem"`
	DailyScales []Scale   `yaml:"dailyScales,omitempty" json:"dailyScales,omitempty"`
	Mileage     []Band    `yaml:"mileage" json:"mileage"`
	Receipts    []Band    `yaml:"receipts" json:"receipts"`
	Caps        []Limit   `yaml:"caps,omitempty" json:"caps,omitempty"`
	Bonuses     []Bonus   `yaml:"bonuses,omitempty" json:"bonuses,omitempty"`
	HardCaps    []Limit   `yaml:"hardCaps,omitempty" json:"hardCaps,omitempty"`
	FloorShare  float64   `yaml:"floorShare" json:"floorShare"`
}

// Formula is a regime-specific closed form:
// BasePerDay*days + mileage band + receipt band, then the first matching cap.
type Formula struct {
	BasePerDay float64 `yaml:"basePerDay,omitempty" json:"basePerDay,omitempty"`
	Mileage    []Band  `yaml:"mileage" json:"mileage"`
	Receipts   []Band  `yaml:"receipts" json:"receipts"`
	Caps       []Limit `yaml:"caps,omitempty" json:"caps,omitempty"`
}

// Member is a weighted ensemble participant, identified by artifact name.
type Member struct {
	Model  string  `yaml:"model" json:"model"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Normal configures the ensemble path. Extreme predicates are any-of.
// Every matching cap and then every matching floor is applied to the blend.
type Normal struct {
	Extreme []string `yaml:"extreme" json:"extreme"`
	Members []Member `yaml:"members" json:"members"`
	Caps    []Limit  `yaml:"caps,omitempty" json:"caps,omitempty"`
	Floors  []Limit  `yaml:"floors,omitempty" json:"floors,omitempty"`
}

// Parse decodes and validates a YAML (or JSON) policy table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Default returns the embedded default table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded policy table is invalid: %v", err))
	}
	return t
}

// DefaultSource returns the embedded default table as YAML.
func DefaultSource() []byte {
	out := make([]byte, len(defaultTable))
	copy(out, defaultTable)
	return out
}

// Checksum returns the hex SHA-256 of a table source.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks structural constraints. Predicates are checked by Compile.
func (t *Table) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidTable)
	}

	for i, r := range t.Routes {
		if _, err := domain.ParseRegime(string(r.Regime)); err != nil {
			return fmt.Errorf("%w: route %d: %v", ErrInvalidTable, i, err)
		}
		if r.Regime == domain.RegimeNormal {
			return fmt.Errorf("%w: route %d: Normal is the default and cannot be routed explicitly", ErrInvalidTable, i)
		}
		if r.When == "" {
			return fmt.Errorf("%w: route %d (%s): predicate is required", ErrInvalidTable, i, r.Regime)
		}
		if _, ok := t.Formulas[r.Regime]; !ok {
			return fmt.Errorf("%w: route %d: no formula for regime %s", ErrInvalidTable, i, r.Regime)
		}
	}

	for regime := range t.Formulas {
		if _, err := domain.ParseRegime(string(regime)); err != nil {
			return fmt.Errorf("%w: formula: %v", ErrInvalidTable, err)
		}
		if regime == domain.RegimeNormal {
			return fmt.Errorf("%w: Normal is configured under normal, not formulas", ErrInvalidTable)
		}
	}

	if t.Fallback.FloorShare < 0 || t.Fallback.FloorShare > 1 {
		return fmt.Errorf("%w: fallback floorShare must be within [0, 1], got %v", ErrInvalidTable, t.Fallback.FloorShare)
	}
	if len(t.Fallback.Mileage) == 0 {
		return fmt.Errorf("%w: fallback mileage bands are required", ErrInvalidTable)
	}
	if len(t.Fallback.Receipts) == 0 {
		return fmt.Errorf("%w: fallback receipt bands are required", ErrInvalidTable)
	}
	for i, b := range t.Fallback.Bonuses {
		if b.Span <= 0 {
			return fmt.Errorf("%w: fallback bonus %d: span must be positive", ErrInvalidTable, i)
		}
	}

	seen := make(map[string]bool)
	for i, m := range t.Normal.Members {
		if m.Model == "" {
			return fmt.Errorf("%w: member %d: model is required", ErrInvalidTable, i)
		}
		if seen[m.Model] {
			return fmt.Errorf("%w: member %s listed twice", ErrInvalidTable, m.Model)
		}
		seen[m.Model] = true
		if m.Weight <= 0 {
			return fmt.Errorf("%w: member %s: weight must be positive", ErrInvalidTable, m.Model)
		}
	}

	return nil
}
