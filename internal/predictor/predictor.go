// Package predictor orchestrates a single scoring call: route the trip,
// dispatch to a regime formula, the fallback calculator or the model blend,
// and apply the post-hoc adjustments.
package predictor

import (
	"math"
	"sync/atomic"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/ensemble"
	"github.com/opensource-finance/perdiem/internal/features"
	"github.com/opensource-finance/perdiem/internal/policy"
)

// Adjustment names recorded by the predictor itself.
const (
	AdjustExtremeCase   = "extreme_case"
	AdjustNoModels      = "no_models"
	AdjustNonFinite     = "non_finite_blend"
	AdjustClampedToZero = "clamped_to_zero"
)

// Predictor is immutable after construction and shared by reference across
// goroutines without locking.
type Predictor struct {
	policy   *policy.Compiled
	registry *ensemble.Registry
	blender  *ensemble.Blender
}

// Result is the unrounded outcome of a scoring call.
type Result struct {
	Amount           float64
	Regime           domain.Regime
	Path             domain.Path
	Contributions    []domain.ModelContribution
	Adjustments      []string
	PolicyVersion    string
	ModelFingerprint string
}

// New builds a predictor over a compiled policy and the loaded models.
// onFailure, if set, is told about every dropped model vote.
func New(p *policy.Compiled, reg *ensemble.Registry, onFailure ensemble.FailureFunc) *Predictor {
	weights := make([]ensemble.Weight, 0, len(p.Members()))
	for _, m := range p.Members() {
		weights = append(weights, ensemble.Weight{Model: m.Model, Weight: m.Weight})
	}
	return &Predictor{
		policy:   p,
		registry: reg,
		blender:  ensemble.NewBlender(reg, weights, onFailure),
	}
}

// Policy returns the compiled policy.
func (p *Predictor) Policy() *policy.Compiled {
	return p.policy
}

// Registry returns the model registry.
func (p *Predictor) Registry() *ensemble.Registry {
	return p.registry
}

// Weights returns the configured ensemble weights.
func (p *Predictor) Weights() []ensemble.Weight {
	members := p.policy.Members()
	out := make([]ensemble.Weight, len(members))
	for i, m := range members {
		out[i] = ensemble.Weight{Model: m.Model, Weight: m.Weight}
	}
	return out
}

// Amount is the call contract: a finite, nonnegative reimbursement.
func (p *Predictor) Amount(days int, miles, receipts float64) (float64, error) {
	t, err := domain.NewTrip(days, miles, receipts)
	if err != nil {
		return 0, err
	}
	r, err := p.Predict(t)
	if err != nil {
		return 0, err
	}
	return r.Amount, nil
}

// Predict scores a trip. The only error is domain.ErrInvalidInput.
func (p *Predictor) Predict(t domain.Trip) (Result, error) {
	if err := t.Validate(); err != nil {
		return Result{}, err
	}

	b := p.policy.Bind(t)
	res := Result{
		Regime:           b.Regime(),
		PolicyVersion:    p.policy.Version(),
		ModelFingerprint: p.registry.Fingerprint(),
	}

	if res.Regime == domain.RegimeNormal {
		p.normal(b, t, &res)
	} else if calc, ok := b.Formula(res.Regime); ok {
		res.Path = domain.PathFormula
		res.Amount = calc.Amount
		res.Adjustments = calc.Applied
	} else {
		useFallback(b, &res)
	}

	if !finite(res.Amount) {
		useFallback(b, &res)
	}
	if !finite(res.Amount) {
		res.Amount = 0
	}
	if res.Amount < 0 {
		res.Amount = 0
		res.Adjustments = append(res.Adjustments, AdjustClampedToZero)
	}
	return res, nil
}

func (p *Predictor) normal(b *policy.Binding, t domain.Trip, res *Result) {
	if b.Extreme() {
		useFallback(b, res)
		res.Adjustments = append([]string{AdjustExtremeCase}, res.Adjustments...)
		return
	}

	v, contributions, ok := p.blender.Blend(features.Expand(t))
	if !ok {
		useFallback(b, res)
		res.Adjustments = append([]string{AdjustNoModels}, res.Adjustments...)
		return
	}

	adj := b.Adjust(v)
	if !finite(adj.Amount) {
		useFallback(b, res)
		res.Adjustments = append([]string{AdjustNonFinite}, res.Adjustments...)
		return
	}

	res.Path = domain.PathEnsemble
	res.Amount = adj.Amount
	res.Contributions = contributions
	res.Adjustments = adj.Applied
}

func useFallback(b *policy.Binding, res *Result) {
	calc := b.Fallback()
	res.Path = domain.PathFallback
	res.Amount = calc.Amount
	res.Contributions = nil
	res.Adjustments = calc.Applied
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Handle holds the active predictor. Reloads swap in a new predictor;
// callers that already loaded the old one finish against their snapshot.
type Handle struct {
	ptr atomic.Pointer[Predictor]
}

// NewHandle creates a handle holding p.
func NewHandle(p *Predictor) *Handle {
	h := &Handle{}
	h.ptr.Store(p)
	return h
}

// Load returns the active predictor.
func (h *Handle) Load() *Predictor {
	return h.ptr.Load()
}

// Swap activates p and returns the previous predictor.
func (h *Handle) Swap(p *Predictor) *Predictor {
	return h.ptr.Swap(p)
}
