// Package ensemble loads pre-trained regression models and blends their
// predictions with fixed weights.
package ensemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/opensource-finance/perdiem/internal/features"
)

// ErrArtifactNotFound is returned by a Source when an artifact does not exist.
var ErrArtifactNotFound = errors.New("model artifact not found")

// Model kinds understood by Decode.
const (
	KindLinear       = "linear"
	KindTreeEnsemble = "tree-ensemble"
)

// Model is a loaded regressor. Implementations are immutable and safe for
// concurrent use.
type Model interface {
	Kind() string
	Predict(fs features.Set) (float64, error)
}

// artifact is the on-disk envelope shared by every model kind.
type artifact struct {
	Kind string `json:"kind"`

	// linear
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`

	// tree-ensemble
	Aggregation  string  `json:"aggregation"` // mean or sum
	BaseScore    float64 `json:"baseScore"`
	LearningRate float64 `json:"learningRate"`
	Trees        []Tree  `json:"trees"`
}

// Decode parses a JSON model artifact.
func Decode(data []byte) (Model, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}

	switch a.Kind {
	case KindLinear:
		if len(a.Coefficients) == 0 {
			return nil, fmt.Errorf("linear artifact has no coefficients")
		}
		return newLinear(a.Intercept, a.Coefficients), nil

	case KindTreeEnsemble:
		return newTreeEnsemble(a.Aggregation, a.BaseScore, a.LearningRate, a.Trees)

	default:
		return nil, fmt.Errorf("unknown model kind %q", a.Kind)
	}
}

// Linear is intercept + sum(coefficient * feature).
type Linear struct {
	intercept float64
	names     []string
	coefs     []float64
}

func newLinear(intercept float64, coefficients map[string]float64) *Linear {
	names := make([]string, 0, len(coefficients))
	for _, name := range features.Names() {
		if _, ok := coefficients[name]; ok {
			names = append(names, name)
		}
	}
	// Coefficients on names outside the canonical list are kept so that
	// Predict fails loudly instead of silently ignoring them.
	for name := range coefficients {
		if !contains(names, name) {
			names = append(names, name)
		}
	}

	coefs := make([]float64, len(names))
	for i, name := range names {
		coefs[i] = coefficients[name]
	}
	return &Linear{intercept: intercept, names: names, coefs: coefs}
}

// Kind implements Model.
func (m *Linear) Kind() string { return KindLinear }

// Predict implements Model.
func (m *Linear) Predict(fs features.Set) (float64, error) {
	x, err := fs.Vector(m.names)
	if err != nil {
		return 0, err
	}
	sum := m.intercept
	for i, c := range m.coefs {
		sum += c * x[i]
	}
	return sum, nil
}

// Tree is a binary regression tree stored as a flat node list.
// Node 0 is the root. A node with Left < 0 is a leaf.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split (x[Feature] <= Threshold goes Left) or a leaf carrying Value.
type Node struct {
	Feature   string  `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value,omitempty"`
}

// TreeEnsemble is a random forest (mean of trees) or a gradient-boosted
// ensemble (base score + learning rate * sum of trees).
type TreeEnsemble struct {
	aggregation  string
	baseScore    float64
	learningRate float64
	trees        []Tree
}

func newTreeEnsemble(aggregation string, baseScore, learningRate float64, trees []Tree) (*TreeEnsemble, error) {
	if len(trees) == 0 {
		return nil, fmt.Errorf("tree ensemble has no trees")
	}
	switch aggregation {
	case "mean":
	case "sum":
		if learningRate == 0 {
			learningRate = 1
		}
	default:
		return nil, fmt.Errorf("unknown aggregation %q", aggregation)
	}

	for i, t := range trees {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}

	return &TreeEnsemble{
		aggregation:  aggregation,
		baseScore:    baseScore,
		learningRate: learningRate,
		trees:        trees,
	}, nil
}

// Kind implements Model.
func (m *TreeEnsemble) Kind() string { return KindTreeEnsemble }

// Predict implements Model.
func (m *TreeEnsemble) Predict(fs features.Set) (float64, error) {
	sum := 0.0
	for i := range m.trees {
		v, err := m.trees[i].eval(fs)
		if err != nil {
			return 0, err
		}
		sum += v
	}

	if m.aggregation == "mean" {
		return sum / float64(len(m.trees)), nil
	}
	return m.baseScore + m.learningRate*sum, nil
}

func (t *Tree) eval(fs features.Set) (float64, error) {
	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		n := &t.Nodes[i]
		if n.Left < 0 {
			return n.Value, nil
		}
		x, err := fs.Get(n.Feature)
		if err != nil {
			return 0, err
		}
		if x <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return 0, fmt.Errorf("tree walk did not reach a leaf")
}

func (t *Tree) validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Left < 0 {
			if math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
				return fmt.Errorf("node %d: non-finite leaf value", i)
			}
			continue
		}
		if n.Feature == "" {
			return fmt.Errorf("node %d: split without feature", i)
		}
		if n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: child index out of range", i)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
