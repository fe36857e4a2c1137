package rules

import (
	"math"
	"sync"
	"testing"

	"github.com/opensource-finance/perdiem/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine == nil {
		t.Fatal("expected engine, got nil")
	}
}

func TestCompile(t *testing.T) {
	engine, _ := NewEngine()

	t.Run("valid predicate", func(t *testing.T) {
		p, err := engine.Compile("miles_per_day > 600.0 && miles > 1000.0")
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		if p.Expr() != "miles_per_day > 600.0 && miles > 1000.0" {
			t.Errorf("unexpected expr %q", p.Expr())
		}
	})

	t.Run("empty expression always matches", func(t *testing.T) {
		p, err := engine.Compile("")
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		if !p.Match(Measure(domain.Trip{Days: 1}).Activation()) {
			t.Error("expected empty predicate to match")
		}
	})

	t.Run("syntax error", func(t *testing.T) {
		if _, err := engine.Compile("this is not valid CEL !!!"); err == nil {
			t.Error("expected error for invalid CEL expression")
		}
	})

	t.Run("unknown variable", func(t *testing.T) {
		if _, err := engine.Compile("velocity_count > 3.0"); err == nil {
			t.Error("expected error for undeclared variable")
		}
	})

	t.Run("non boolean output", func(t *testing.T) {
		if _, err := engine.Compile("miles * 0.45"); err == nil {
			t.Error("expected error for double-valued expression")
		}
	})
}

func TestPredicateMatch(t *testing.T) {
	engine, _ := NewEngine()

	tests := []struct {
		name string
		expr string
		trip domain.Trip
		want bool
	}{
		{"high intensity", "miles_per_day > 600.0", domain.Trip{Days: 1, Miles: 1082, Receipts: 1809.49}, true},
		{"exactly 600 is not above", "miles_per_day > 600.0", domain.Trip{Days: 2, Miles: 1200, Receipts: 10}, false},
		{"low mileage high receipt", "miles_per_day < 50.0 && receipt_to_mile > 8.0", domain.Trip{Days: 3, Miles: 50, Receipts: 800}, true},
		{"receipt ratio below 8", "miles_per_day < 50.0 && receipt_to_mile > 8.0", domain.Trip{Days: 12, Miles: 398, Receipts: 2481.22}, false},
		{"five day indicator", "days == 5.0", domain.Trip{Days: 5, Miles: 100, Receipts: 10}, true},
		{"ratio band", "receipt_to_expected_ratio > 3.0 && receipt_to_expected_ratio < 3.3", domain.Trip{Days: 2, Miles: 1300, Receipts: 2300}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := engine.Compile(tt.expr)
			if err != nil {
				t.Fatalf("compile failed: %v", err)
			}
			if got := p.Match(Measure(tt.trip).Activation()); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMeasure(t *testing.T) {
	m := Measure(domain.Trip{Days: 3, Miles: 0, Receipts: 90})

	if m.MilesPerDay != 0 {
		t.Errorf("expected 0 miles/day, got %v", m.MilesPerDay)
	}
	if m.ReceiptToMile != 90 {
		t.Errorf("expected receipt/mile clamped to 1 mile (90), got %v", m.ReceiptToMile)
	}
	if m.ExpectedReasonable != 240 {
		t.Errorf("expected reasonable 240, got %v", m.ExpectedReasonable)
	}
	if math.Abs(m.ReceiptToExpectedRatio-0.375) > 1e-12 {
		t.Errorf("expected ratio 0.375, got %v", m.ReceiptToExpectedRatio)
	}
	if math.Abs(m.BalanceScore-59) > 1e-12 {
		t.Errorf("expected balance score 59, got %v", m.BalanceScore)
	}
}

func TestConcurrentMatch(t *testing.T) {
	engine, _ := NewEngine()
	p, err := engine.Compile("miles_per_day > 400.0")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	act := Measure(domain.Trip{Days: 1, Miles: 500, Receipts: 10}).Activation()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !p.Match(act) {
				t.Error("expected match")
			}
		}()
	}
	wg.Wait()
}
