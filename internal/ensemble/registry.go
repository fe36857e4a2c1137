package ensemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"

	"github.com/opensource-finance/perdiem/internal/domain"
)

// Registry is the set of models loaded at startup. It is populated once by
// Load and is read-only afterwards.
type Registry struct {
	models      map[string]Model
	artifacts   map[string]string
	fingerprint string
}

// NewRegistry builds a registry from already constructed models.
func NewRegistry(models map[string]Model) *Registry {
	r := &Registry{
		models:    make(map[string]Model, len(models)),
		artifacts: make(map[string]string, len(models)),
	}
	h := sha256.New()
	for _, name := range sortedKeys(models) {
		r.models[name] = models[name]
		r.artifacts[name] = name + ArtifactExt
		h.Write([]byte(name))
	}
	if len(models) > 0 {
		r.fingerprint = hex.EncodeToString(h.Sum(nil))[:16]
	}
	return r
}

// Load fetches "<name>.json" for every name from the source. A missing or
// undecodable artifact is logged and excluded; Load itself never fails.
func Load(ctx context.Context, src Source, names []string) *Registry {
	r := &Registry{
		models:    make(map[string]Model, len(names)),
		artifacts: make(map[string]string, len(names)),
	}
	h := sha256.New()

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	for _, name := range sorted {
		artifactName := name + ArtifactExt
		data, err := src.Open(ctx, artifactName)
		if err != nil {
			if errors.Is(err, ErrArtifactNotFound) {
				slog.Warn("model artifact missing, excluding from ensemble", "model", name, "source", src.String())
			} else {
				slog.Warn("model artifact unreadable, excluding from ensemble", "model", name, "source", src.String(), "error", err)
			}
			continue
		}

		m, err := Decode(data)
		if err != nil {
			slog.Warn("model artifact invalid, excluding from ensemble", "model", name, "error", err)
			continue
		}

		r.models[name] = m
		r.artifacts[name] = artifactName
		h.Write([]byte(name))
		h.Write(data)
		slog.Info("model loaded", "model", name, "kind", m.Kind())
	}

	if len(r.models) > 0 {
		r.fingerprint = hex.EncodeToString(h.Sum(nil))[:16]
	}
	return r
}

// Get returns a loaded model.
func (r *Registry) Get(name string) (Model, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.models[name]
	return m, ok
}

// Len returns the number of loaded models.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.models)
}

// Names returns the loaded model names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return sortedKeys(r.models)
}

// Fingerprint identifies the loaded artifact set. Empty when no model is loaded.
func (r *Registry) Fingerprint() string {
	if r == nil {
		return ""
	}
	return r.fingerprint
}

// Info describes the loaded models with their configured weights.
func (r *Registry) Info(weights []Weight) []domain.ModelInfo {
	out := make([]domain.ModelInfo, 0, len(weights))
	for _, w := range weights {
		m, ok := r.Get(w.Model)
		if !ok {
			continue
		}
		info := domain.ModelInfo{
			Name:     w.Model,
			Kind:     m.Kind(),
			Artifact: r.artifacts[w.Model],
			Weight:   w.Weight,
		}
		if lin, ok := m.(*Linear); ok {
			info.Features = len(lin.names)
		}
		out = append(out, info)
	}
	return out
}

func sortedKeys(m map[string]Model) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
