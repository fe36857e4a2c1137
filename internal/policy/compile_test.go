package policy

import (
	"math"
	"slices"
	"testing"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/rules"
)

func compileDefault(t *testing.T) *Compiled {
	t.Helper()
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	c, err := Compile(engine, Default())
	if err != nil {
		t.Fatalf("failed to compile default table: %v", err)
	}
	return c
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRegime(t *testing.T) {
	c := compileDefault(t)

	tests := []struct {
		name string
		trip domain.Trip
		want domain.Regime
	}{
		{"strict band", domain.Trip{Days: 1, Miles: 1082, Receipts: 1809.49}, domain.RegimeHighIntensityStrict},
		{"high intensity", domain.Trip{Days: 2, Miles: 1400, Receipts: 300}, domain.RegimeHighIntensity},
		{"high intensity short distance", domain.Trip{Days: 1, Miles: 700, Receipts: 2000}, domain.RegimeHighIntensity},
		{"low mileage high receipt", domain.Trip{Days: 1, Miles: 30, Receipts: 2500}, domain.RegimeLowMileageHighReceipt},
		{"normal", domain.Trip{Days: 3, Miles: 150, Receipts: 100}, domain.RegimeNormal},
		{"normal short", domain.Trip{Days: 1, Miles: 50, Receipts: 10}, domain.RegimeNormal},
		{"receipt ratio below 8 stays normal", domain.Trip{Days: 12, Miles: 398, Receipts: 2481.22}, domain.RegimeNormal},
		{"exactly 600 miles per day is not high intensity", domain.Trip{Days: 2, Miles: 1200, Receipts: 10}, domain.RegimeNormal},
		{"exactly 50 miles per day is not low mileage", domain.Trip{Days: 2, Miles: 100, Receipts: 1000}, domain.RegimeNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Bind(tt.trip).Regime(); got != tt.want {
				t.Errorf("Regime() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRegimeTotality(t *testing.T) {
	c := compileDefault(t)
	all := domain.AllRegimes()

	for days := 1; days <= 14; days += 3 {
		for miles := 0.0; miles <= 3000; miles += 250 {
			for receipts := 0.0; receipts <= 3000; receipts += 400 {
				r := c.Bind(domain.Trip{Days: days, Miles: miles, Receipts: receipts}).Regime()
				if !slices.Contains(all, r) {
					t.Fatalf("unknown regime %q for %d/%v/%v", r, days, miles, receipts)
				}
			}
		}
	}
}

func TestFallback(t *testing.T) {
	c := compileDefault(t)

	tests := []struct {
		name    string
		trip    domain.Trip
		want    float64
		applied string
	}{
		{"three day normal", domain.Trip{Days: 3, Miles: 150, Receipts: 100}, 395, "short_trip"},
		{"one day normal", domain.Trip{Days: 1, Miles: 50, Receipts: 10}, 127, "short_trip"},
		{"floor case imbalanced", domain.Trip{Days: 5, Miles: 100, Receipts: 500}, 415, "imbalanced"},
		{"floor case balanced", domain.Trip{Days: 4, Miles: 80, Receipts: 150}, 327.5, "balanced"},
		{"five day bonus", domain.Trip{Days: 5, Miles: 500, Receipts: 300}, 862.5, "five_day_bonus"},
		{"short intense bonus", domain.Trip{Days: 1, Miles: 600, Receipts: 100}, 506.25, "short_intense_low_receipt_bonus"},
		{"extreme mileage hard cap", domain.Trip{Days: 1, Miles: 1200, Receipts: 50}, 500, "extreme_mileage_cap"},
		{"excess receipts", domain.Trip{Days: 6, Miles: 1200, Receipts: 2400}, 2613, "excess"},
		{"receipt ratio cap", domain.Trip{Days: 2, Miles: 120, Receipts: 1500}, 321, "extreme_receipt_ratio_cap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := c.Bind(tt.trip).Fallback()
			if !near(calc.Amount, tt.want) {
				t.Errorf("Fallback() = %v, want %v", calc.Amount, tt.want)
			}
			if !slices.Contains(calc.Applied, tt.applied) {
				t.Errorf("expected %s in applied %v", tt.applied, calc.Applied)
			}
		})
	}
}

func TestFallbackFloorCase(t *testing.T) {
	c := compileDefault(t)

	for days := 1; days <= 20; days++ {
		for _, receipts := range []float64{0, 5, 49.99, 250, 1200, 4000} {
			miles := float64(days) * 24.9
			got := c.Bind(domain.Trip{Days: days, Miles: miles, Receipts: receipts}).Fallback().Amount
			if got < 80*float64(days) {
				t.Errorf("%d days, %v receipts: got %v, below floor %v", days, receipts, got, 80*float64(days))
			}
		}
	}
}

func TestFormula(t *testing.T) {
	c := compileDefault(t)

	tests := []struct {
		name   string
		regime domain.Regime
		trip   domain.Trip
		want   float64
	}{
		{"strict", domain.RegimeHighIntensityStrict, domain.Trip{Days: 1, Miles: 1082, Receipts: 1809.49}, 162.3 + 144.7592},
		{"strict daily cap", domain.RegimeHighIntensityStrict, domain.Trip{Days: 1, Miles: 3000, Receipts: 5000}, 450},
		{"high intensity", domain.RegimeHighIntensity, domain.Trip{Days: 2, Miles: 1400, Receipts: 300}, 1250},
		{"high intensity receipt cap", domain.RegimeHighIntensity, domain.Trip{Days: 1, Miles: 2000, Receipts: 1000}, 1100 + 650},
		{"low mileage single day ultra cap", domain.RegimeLowMileageHighReceipt, domain.Trip{Days: 1, Miles: 30, Receipts: 2500}, 102.85},
		{"low mileage long trip", domain.RegimeLowMileageHighReceipt, domain.Trip{Days: 12, Miles: 300, Receipts: 2481.22}, 1380 + 868.427 + 96},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc, ok := c.Bind(tt.trip).Formula(tt.regime)
			if !ok {
				t.Fatalf("no formula for %s", tt.regime)
			}
			if math.Abs(calc.Amount-tt.want) > 1e-6 {
				t.Errorf("Formula() = %v, want %v", calc.Amount, tt.want)
			}
		})
	}

	t.Run("normal has no formula", func(t *testing.T) {
		if _, ok := c.Bind(domain.Trip{Days: 1}).Formula(domain.RegimeNormal); ok {
			t.Error("expected no formula for Normal")
		}
	})
}

func TestExtreme(t *testing.T) {
	c := compileDefault(t)

	tests := []struct {
		trip domain.Trip
		want bool
	}{
		{domain.Trip{Days: 1, Miles: 10, Receipts: 5}, true},
		{domain.Trip{Days: 3, Miles: 150, Receipts: 100}, false},
		{domain.Trip{Days: 1, Miles: 900, Receipts: 10}, true},
		{domain.Trip{Days: 2, Miles: 500, Receipts: 1300}, true},
		{domain.Trip{Days: 2, Miles: 100, Receipts: 1100}, true},
	}

	for _, tt := range tests {
		if got := c.Bind(tt.trip).Extreme(); got != tt.want {
			t.Errorf("Extreme(%+v) = %v, want %v", tt.trip, got, tt.want)
		}
	}
}

func TestAdjust(t *testing.T) {
	c := compileDefault(t)

	t.Run("high intensity floor", func(t *testing.T) {
		calc := c.Bind(domain.Trip{Days: 2, Miles: 900, Receipts: 50}).Adjust(300)
		if !near(calc.Amount, 470) {
			t.Errorf("expected 470, got %v", calc.Amount)
		}
		if !slices.Contains(calc.Applied, "high_intensity_floor") {
			t.Errorf("expected floor in applied %v", calc.Applied)
		}
	})

	t.Run("short trip receipt cap", func(t *testing.T) {
		calc := c.Bind(domain.Trip{Days: 1, Miles: 20, Receipts: 400}).Adjust(500)
		if calc.Amount != 300 {
			t.Errorf("expected 300, got %v", calc.Amount)
		}
	})

	t.Run("no adjustment", func(t *testing.T) {
		calc := c.Bind(domain.Trip{Days: 3, Miles: 150, Receipts: 100}).Adjust(369)
		if calc.Amount != 369 || len(calc.Applied) != 0 {
			t.Errorf("expected untouched 369, got %v %v", calc.Amount, calc.Applied)
		}
	})
}

func TestCompileRejectsBadPredicate(t *testing.T) {
	engine, _ := rules.NewEngine()
	table := Default()
	table.Routes[0].When = "miles_per_day >"

	if _, err := Compile(engine, table); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestMembers(t *testing.T) {
	c := compileDefault(t)
	members := c.Members()

	want := []Member{
		{Model: "gradient-boosted-tree", Weight: 0.4},
		{Model: "random-forest", Weight: 0.5},
		{Model: "linear", Weight: 0.1},
	}
	if !slices.Equal(members, want) {
		t.Errorf("Members() = %v, want %v", members, want)
	}
}
