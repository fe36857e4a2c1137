// Package dataset loads labelled reimbursement cases and measures how
// closely a predictor reproduces them.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/policy"
	"github.com/opensource-finance/perdiem/internal/predictor"
	"github.com/opensource-finance/perdiem/internal/scoring"
)

// Match tolerances, in dollars.
const (
	ExactTolerance = 0.01
	CloseTolerance = 1.00
)

// Input is a case's trip in the legacy field names.
type Input struct {
	TripDurationDays    int     `json:"trip_duration_days"`
	MilesTraveled       float64 `json:"miles_traveled"`
	TotalReceiptsAmount float64 `json:"total_receipts_amount"`
}

// Case is one labelled example.
type Case struct {
	Input          Input   `json:"input"`
	ExpectedOutput float64 `json:"expected_output"`
}

// Trip converts the case input.
func (c Case) Trip() domain.Trip {
	return domain.Trip{
		Days:     c.Input.TripDurationDays,
		Miles:    c.Input.MilesTraveled,
		Receipts: c.Input.TotalReceiptsAmount,
	}
}

// Load decodes a JSON array of cases.
func Load(r io.Reader) ([]Case, error) {
	var cases []Case
	if err := json.NewDecoder(r).Decode(&cases); err != nil {
		return nil, fmt.Errorf("failed to decode cases: %w", err)
	}
	return cases, nil
}

// LoadFile reads a cases file such as public_cases.json.
func LoadFile(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cases: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Result is the outcome for one case.
type Result struct {
	Index     int
	Case      Case
	Predicted float64 // rounded to cents
	Error     float64 // absolute
	Regime    domain.Regime
	Path      domain.Path
}

// Stats aggregates a set of results.
type Stats struct {
	Count    int
	Exact    int
	Close    int
	SumError float64
	MaxError float64
}

// MAE is the mean absolute error.
func (s Stats) MAE() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.SumError / float64(s.Count)
}

func (s *Stats) add(r Result) {
	s.Count++
	s.SumError += r.Error
	s.MaxError = math.Max(s.MaxError, r.Error)
	if r.Error <= ExactTolerance {
		s.Exact++
	}
	if r.Error <= CloseTolerance {
		s.Close++
	}
}

// Report is the evaluation of a predictor over a dataset.
type Report struct {
	Stats
	ByRegime map[domain.Regime]*Stats
	ByPath   map[domain.Path]*Stats
	Invalid  int
	Results  []Result
}

// Score is the legacy leaderboard score: mean error in cents plus ten cents
// per inexact case. Lower is better.
func (r *Report) Score() float64 {
	return r.MAE()*100 + float64(r.Count-r.Exact)*0.1
}

// Worst returns the n cases with the largest error.
func (r *Report) Worst(n int) []Result {
	out := append([]Result(nil), r.Results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Error > out[j].Error })
	if n < len(out) {
		out = out[:n]
	}
	return out
}

// Evaluate scores every case with p. Predictions are rounded to cents
// before comparison, as the legacy system reported them. Invalid inputs are
// counted and skipped.
func Evaluate(ctx context.Context, p *predictor.Predictor, cases []Case, workers int) (*Report, error) {
	trips := make([]domain.Trip, len(cases))
	for i, c := range cases {
		trips[i] = c.Trip()
	}

	items, err := p.PredictBatch(ctx, trips, workers)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ByRegime: make(map[domain.Regime]*Stats),
		ByPath:   make(map[domain.Path]*Stats),
		Results:  make([]Result, 0, len(items)),
	}

	for i, item := range items {
		if item.Err != nil {
			report.Invalid++
			continue
		}

		predicted := scoring.RoundAmount(item.Result.Amount)
		res := Result{
			Index:     i,
			Case:      cases[i],
			Predicted: predicted,
			Error:     scoring.RoundAmount(math.Abs(predicted - cases[i].ExpectedOutput)),
			Regime:    item.Result.Regime,
			Path:      item.Result.Path,
		}

		report.add(res)
		bucket(report.ByRegime, res.Regime).add(res)
		bucket(report.ByPath, res.Path).add(res)
		report.Results = append(report.Results, res)
	}

	return report, nil
}

func bucket[K comparable](m map[K]*Stats, k K) *Stats {
	s, ok := m[k]
	if !ok {
		s = &Stats{}
		m[k] = s
	}
	return s
}

// Routes counts the regime each case is routed to under c, along with how
// many Normal cases are extreme. Invalid inputs are skipped.
func Routes(c *policy.Compiled, cases []Case) (regimes map[domain.Regime]int, extreme int) {
	regimes = make(map[domain.Regime]int)
	for _, cs := range cases {
		trip := cs.Trip()
		if trip.Validate() != nil {
			continue
		}
		b := c.Bind(trip)
		regime := b.Regime()
		regimes[regime]++
		if regime == domain.RegimeNormal && b.Extreme() {
			extreme++
		}
	}
	return regimes, extreme
}
