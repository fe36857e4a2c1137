package ensemble

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/features"
)

// Weight assigns a blend weight to a model name.
type Weight struct {
	Model  string
	Weight float64
}

// FailureFunc is notified when a model's vote is dropped for a call.
type FailureFunc func(model string, err error)

// Blender is an ordered fallback chain of weighted models. Each member is
// tried in rank order; a member that fails is dropped for that call only.
type Blender struct {
	members   []member
	onFailure FailureFunc
}

type member struct {
	name   string
	weight float64
	model  Model
}

// NewBlender keeps the weighted members that are present in the registry.
func NewBlender(reg *Registry, weights []Weight, onFailure FailureFunc) *Blender {
	b := &Blender{onFailure: onFailure}
	for _, w := range weights {
		m, ok := reg.Get(w.Model)
		if !ok {
			continue
		}
		b.members = append(b.members, member{name: w.Model, weight: w.Weight, model: m})
	}
	return b
}

// Size returns the number of members present.
func (b *Blender) Size() int {
	return len(b.members)
}

// Blend returns the weighted mean sum(w*p)/sum(w) taken over the members
// that produced a finite prediction, so the surviving weights always act as
// if normalized to 1. ok is false when no member survived.
func (b *Blender) Blend(fs features.Set) (value float64, contributions []domain.ModelContribution, ok bool) {
	var num, den float64
	for _, m := range b.members {
		p, err := safePredict(m.model, fs)
		if err != nil {
			slog.Debug("model vote dropped", "model", m.name, "error", err)
			if b.onFailure != nil {
				b.onFailure(m.name, err)
			}
			continue
		}
		num += m.weight * p
		den += m.weight
		contributions = append(contributions, domain.ModelContribution{
			Model:        m.name,
			Prediction:   p,
			Weight:       m.weight,
			Contribution: m.weight * p,
		})
	}

	if len(contributions) == 0 || den <= 0 {
		return 0, nil, false
	}
	return num / den, contributions, true
}

func safePredict(m Model, fs features.Set) (p float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()

	p, err = m.Predict(fs)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("non-finite prediction %v", p)
	}
	return p, nil
}
