package rules

import (
	"math"

	"github.com/opensource-finance/perdiem/internal/domain"
)

// Reference constants shared by the router and the rule calculator.
const (
	ExpectedReceiptsPerMile = 1.5
	ReasonablePerMile       = 0.45
	ReasonablePerDay        = 80.0
)

// Measures are the derived quantities every policy predicate can see.
// Denominators are clamped to 1 day and 1 mile.
type Measures struct {
	Days                   float64
	Miles                  float64
	Receipts               float64
	MilesPerDay            float64
	ReceiptsPerDay         float64
	ReceiptToMile          float64
	BalanceScore           float64
	ExpectedReasonable     float64
	ReceiptToExpectedRatio float64
}

// Measure computes Measures for a trip.
func Measure(t domain.Trip) Measures {
	days := float64(t.Days)
	m := Measures{
		Days:     days,
		Miles:    t.Miles,
		Receipts: t.Receipts,
	}
	m.MilesPerDay = t.Miles / math.Max(days, 1)
	m.ReceiptsPerDay = t.Receipts / math.Max(days, 1)
	m.ReceiptToMile = t.Receipts / math.Max(t.Miles, 1)
	m.BalanceScore = math.Abs(m.ReceiptToMile-ExpectedReceiptsPerMile) / ExpectedReceiptsPerMile
	m.ExpectedReasonable = Reasonable(days, t.Miles)
	m.ReceiptToExpectedRatio = t.Receipts / math.Max(m.ExpectedReasonable, 1)
	return m
}

// Reasonable is the simple baseline reimbursement used by caps and routing.
func Reasonable(days, miles float64) float64 {
	return miles*ReasonablePerMile + days*ReasonablePerDay
}

// Activation is the CEL variable binding for a set of measures.
type Activation map[string]any

// Activation returns the CEL binding. Build it once per call and reuse it
// across every predicate evaluated for that trip.
func (m Measures) Activation() Activation {
	return Activation{
		"days":                      m.Days,
		"miles":                     m.Miles,
		"receipts":                  m.Receipts,
		"miles_per_day":             m.MilesPerDay,
		"receipts_per_day":          m.ReceiptsPerDay,
		"receipt_to_mile":           m.ReceiptToMile,
		"balance_score":             m.BalanceScore,
		"expected_reasonable":       m.ExpectedReasonable,
		"receipt_to_expected_ratio": m.ReceiptToExpectedRatio,
	}
}
