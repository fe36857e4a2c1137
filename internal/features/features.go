// Package features expands a trip into the derived scalar features consumed
// by the regression models.
package features

import (
	"fmt"
	"math"

	"github.com/opensource-finance/perdiem/internal/domain"
)

// Raw input feature names. Models see the trip itself under these names.
const (
	TripDurationDays    = "trip_duration_days"
	MilesTraveled       = "miles_traveled"
	TotalReceiptsAmount = "total_receipts_amount"
)

const (
	minDays  = 0.1
	softCap  = 1000.0
	peakMPD  = 200.0
	sigmaMPD = 50.0

	expectedReceiptsPerMile = 1.5
)

// Set maps feature name to value. A Set is built fresh for every call and
// is never shared between calls.
type Set map[string]float64

// names is the canonical feature order: raw inputs first, then derived
// features in the order they are computed.
var names = []string{
	TripDurationDays,
	MilesTraveled,
	TotalReceiptsAmount,
	"miles_per_day",
	"receipts_per_day",
	"log_miles_per_day",
	"log_receipts_per_day",
	"efficiency_score",
	"sweet_spot_5day",
	"low_receipt_score",
	"high_spending_penalty",
	"miles_per_day_soft_cap",
	"receipts_per_day_soft_cap",
	"miles_receipts_interaction",
	"receipts_to_miles_ratio",
	"sqrt_miles",
	"sqrt_receipts",
	"mileage_receipt_balance",
	"intensity_spending_score",
	"efficiency_cost_ratio",
	"high_miles_low_receipt",
	"low_miles_high_receipt",
	"proportional_spending",
	"extreme_receipt_pattern",
	"duration_miles_interaction",
	"duration_receipts_interaction",
	"miles_squared_per_receipt",
	"receipts_squared_per_mile",
	"trip_intensity",
	"high_miles_efficiency",
	"total_trip_score",
	"spending_category",
	"long_trip_receipt_penalty",
	"extreme_mileage_flag",
	"extreme_intensity",
	"high_spend_low_miles",
}

// Names returns the canonical feature order. The slice is a copy.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Expand computes every feature for a trip. It never returns a non-finite
// value for a valid trip: every denominator is clamped, and products of very
// large inputs saturate at math.MaxFloat64.
func Expand(t domain.Trip) Set {
	days := float64(t.Days)
	miles := t.Miles
	receipts := t.Receipts

	s := make(Set, len(names))
	s[TripDurationDays] = days
	s[MilesTraveled] = miles
	s[TotalReceiptsAmount] = receipts

	mpd := miles / math.Max(days, minDays)
	rpd := receipts / math.Max(days, minDays)
	s["miles_per_day"] = mpd
	s["receipts_per_day"] = rpd

	s["log_miles_per_day"] = math.Log1p(mpd)
	s["log_receipts_per_day"] = math.Log1p(rpd)

	// Gaussian centered on the efficient mileage band
	s["efficiency_score"] = math.Exp(-((mpd - peakMPD) * (mpd - peakMPD)) / (2 * sigmaMPD * sigmaMPD))
	s["sweet_spot_5day"] = indicator(t.Days == 5)

	if receipts < 50 {
		s["low_receipt_score"] = 1 - receipts/50
	} else {
		s["low_receipt_score"] = 0
	}
	s["high_spending_penalty"] = math.Max(0, (rpd-150)/100)

	mpdCapped := math.Min(mpd, softCap)
	rpdCapped := math.Min(rpd, softCap)
	s["miles_per_day_soft_cap"] = mpdCapped
	s["receipts_per_day_soft_cap"] = rpdCapped

	ratio := receipts / math.Max(miles, 0.1)
	s["miles_receipts_interaction"] = mpd * rpd
	s["receipts_to_miles_ratio"] = ratio
	s["sqrt_miles"] = math.Sqrt(miles)
	s["sqrt_receipts"] = math.Sqrt(receipts)

	s["mileage_receipt_balance"] = math.Abs(ratio-expectedReceiptsPerMile) / expectedReceiptsPerMile
	s["intensity_spending_score"] = mpd * math.Log1p(rpd)
	s["efficiency_cost_ratio"] = miles / math.Max(receipts, 1)

	s["high_miles_low_receipt"] = scaledIf(mpd > 400 && ratio < 2, mpd/100)
	s["low_miles_high_receipt"] = scaledIf(mpd < 100 && ratio > 5, ratio/10)
	s["proportional_spending"] = rpd * days / math.Max(miles, 1)
	s["extreme_receipt_pattern"] = scaledIf(ratio > 3 && mpd > 500, ratio*mpd/1000)

	s["duration_miles_interaction"] = days * mpd / 100
	s["duration_receipts_interaction"] = days * rpd / 100
	s["miles_squared_per_receipt"] = mpd * mpd / math.Max(rpd, 1)
	s["receipts_squared_per_mile"] = rpd * rpd / math.Max(mpd, 1)

	s["trip_intensity"] = miles * receipts / math.Max(days, minDays)
	s["high_miles_efficiency"] = mpdCapped
	s["total_trip_score"] = miles * days
	s["spending_category"] = SpendingCategory(rpdCapped)

	s["long_trip_receipt_penalty"] = scaledIf(t.Days > 7, rpd/1000)
	s["extreme_mileage_flag"] = indicator(mpd > 1000)
	s["extreme_intensity"] = scaledIf(mpd > 500, (mpd-500)/1000)
	s["high_spend_low_miles"] = scaledIf(rpd > 200 && mpd < 100, rpd/100)

	for name, v := range s {
		if math.IsInf(v, 0) {
			s[name] = math.Copysign(math.MaxFloat64, v)
		}
	}
	return s
}

// SpendingCategory bins receipts per day into 0 (<=75), 1 (<=120) or 2.
func SpendingCategory(rpd float64) float64 {
	switch {
	case rpd <= 75:
		return 0
	case rpd <= 120:
		return 1
	default:
		return 2
	}
}

// Vector returns the values of the named features in order.
// A missing feature is an error; models must not silently read zeros.
func (s Set) Vector(order []string) ([]float64, error) {
	out := make([]float64, len(order))
	for i, name := range order {
		v, ok := s[name]
		if !ok {
			return nil, fmt.Errorf("missing feature %q", name)
		}
		out[i] = v
	}
	return out, nil
}

// Get returns a feature value or an error if the feature is unknown.
func (s Set) Get(name string) (float64, error) {
	v, ok := s[name]
	if !ok {
		return 0, fmt.Errorf("missing feature %q", name)
	}
	return v, nil
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func scaledIf(cond bool, v float64) float64 {
	if cond {
		return v
	}
	return 0
}
