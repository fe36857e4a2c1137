// Package scoring turns trips into persisted estimates. It owns the active
// predictor and everything around a scoring call: the estimate cache,
// persistence, metrics and policy activation.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/perdiem/internal/bus"
	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/ensemble"
	"github.com/opensource-finance/perdiem/internal/policy"
	"github.com/opensource-finance/perdiem/internal/predictor"
	"github.com/opensource-finance/perdiem/internal/rules"
	"github.com/opensource-finance/perdiem/internal/telemetry"
)

// EngineVersion is stamped on every estimate.
const EngineVersion = "perdiem-1.0"

// SystemTenant publishes events that belong to no tenant.
const SystemTenant = "system"

// ErrBatchTooLarge is returned when a batch exceeds Options.MaxBatchSize.
var ErrBatchTooLarge = errors.New("batch too large")

// Options wires the optional collaborators. Every field may be left zero.
type Options struct {
	Repository   domain.Repository
	Cache        domain.Cache
	Bus          domain.EventBus
	Metrics      *telemetry.Metrics
	Source       ensemble.Source
	CacheTTL     time.Duration
	BatchWorkers int
	MaxBatchSize int
}

// Service scores trips against the active predictor.
type Service struct {
	engine *rules.Engine
	handle *predictor.Handle
	opts   Options

	// mu serializes activations; scoring never takes it.
	mu sync.Mutex
}

// New compiles table, loads its ensemble members from opts.Source and
// returns a service scoring against them.
func New(ctx context.Context, table *policy.Table, opts Options) (*Service, error) {
	engine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}

	compiled, err := policy.Compile(engine, table)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", table.Version, err)
	}

	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.BatchWorkers <= 0 {
		opts.BatchWorkers = 8
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 1000
	}

	s := &Service{engine: engine, opts: opts}
	s.handle = predictor.NewHandle(s.build(compiled, s.loadRegistry(ctx, compiled, nil)))
	return s, nil
}

func (s *Service) loadRegistry(ctx context.Context, c *policy.Compiled, current *ensemble.Registry) *ensemble.Registry {
	names := make([]string, 0, len(c.Members()))
	for _, m := range c.Members() {
		names = append(names, m.Model)
	}

	if current != nil && hasAll(current, names) {
		return current
	}
	if s.opts.Source == nil {
		if current != nil {
			return current
		}
		return ensemble.NewRegistry(nil)
	}
	return ensemble.Load(ctx, s.opts.Source, names)
}

func hasAll(reg *ensemble.Registry, names []string) bool {
	for _, name := range names {
		if _, ok := reg.Get(name); !ok {
			return false
		}
	}
	return true
}

func (s *Service) build(c *policy.Compiled, reg *ensemble.Registry) *predictor.Predictor {
	s.opts.Metrics.SetModelsLoaded(reg.Len())
	var onFailure ensemble.FailureFunc
	if s.opts.Metrics != nil {
		onFailure = s.opts.Metrics.ModelFailure
	}
	return predictor.New(c, reg, onFailure)
}

// Predictor returns the active predictor.
func (s *Service) Predictor() *predictor.Predictor {
	return s.handle.Load()
}

// Engine returns the predicate engine used to compile tables.
func (s *Service) Engine() *rules.Engine {
	return s.engine
}

// Models describes the loaded ensemble members of the active predictor.
func (s *Service) Models() []domain.ModelInfo {
	p := s.handle.Load()
	return p.Registry().Info(p.Weights())
}

// Score produces, persists and caches an estimate for one trip. The only
// errors are domain.ErrInvalidInput and context cancellation.
func (s *Service) Score(ctx context.Context, tenantID, traceID string, trip domain.Trip) (*domain.Estimate, error) {
	start := time.Now()
	if err := trip.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := s.handle.Load()
	key := domain.EstimateKey{
		PolicyVersion:    p.Policy().Version(),
		ModelFingerprint: p.Registry().Fingerprint(),
		Trip:             trip,
	}

	est := s.cached(ctx, tenantID, key)
	if est == nil {
		scoreStart := time.Now()
		res, err := p.Predict(trip)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(scoreStart)
		s.opts.Metrics.ObserveEstimate(string(res.Regime), string(res.Path), elapsed)

		est = newEstimate(trip, res, elapsed)
		if s.opts.Cache != nil {
			if err := s.opts.Cache.SetEstimate(ctx, tenantID, key, est, s.opts.CacheTTL); err != nil {
				slog.Warn("failed to cache estimate", "tenant_id", tenantID, "error", err)
			}
		}
	}

	est.TenantID = tenantID
	est.Metadata.TraceID = traceID
	est.Metadata.TotalMs = time.Since(start).Milliseconds()
	s.save(ctx, tenantID, est)

	slog.Debug("trip scored",
		"tenant_id", tenantID,
		"estimate_id", est.ID,
		"regime", est.Regime,
		"path", est.Path,
		"cached", est.Metadata.Cached,
	)
	return est, nil
}

// cached returns a fresh estimate record built from a cache hit, or nil.
func (s *Service) cached(ctx context.Context, tenantID string, key domain.EstimateKey) *domain.Estimate {
	if s.opts.Cache == nil {
		return nil
	}

	hit, err := s.opts.Cache.GetEstimate(ctx, tenantID, key)
	if err != nil {
		slog.Warn("estimate cache lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	s.opts.Metrics.CacheLookup(hit != nil)
	if hit == nil {
		return nil
	}

	hit.ID = uuid.New().String()
	hit.Timestamp = time.Now().UTC()
	hit.Metadata.ScoreMicros = 0
	hit.Metadata.Cached = true
	return hit
}

func (s *Service) save(ctx context.Context, tenantID string, est *domain.Estimate) {
	if s.opts.Repository == nil {
		return
	}
	if err := s.opts.Repository.SaveEstimate(ctx, tenantID, est); err != nil {
		slog.Error("failed to save estimate",
			"tenant_id", tenantID,
			"estimate_id", est.ID,
			"error", err,
		)
	}
}

func newEstimate(trip domain.Trip, res predictor.Result, elapsed time.Duration) *domain.Estimate {
	return &domain.Estimate{
		ID:            uuid.New().String(),
		Trip:          trip,
		Amount:        res.Amount,
		Regime:        res.Regime,
		Path:          res.Path,
		Timestamp:     time.Now().UTC(),
		Contributions: res.Contributions,
		Adjustments:   res.Adjustments,
		Metadata: domain.EstimateMetadata{
			PolicyVersion:    res.PolicyVersion,
			ModelFingerprint: res.ModelFingerprint,
			ScoreMicros:      elapsed.Microseconds(),
			EngineVersion:    EngineVersion,
		},
	}
}

// BatchResult is the outcome for one trip of a batch.
type BatchResult struct {
	Estimate *domain.Estimate
	Err      error
}

// ScoreBatch scores trips concurrently and persists every valid estimate.
// Results are in input order; an invalid trip fails only its own entry.
func (s *Service) ScoreBatch(ctx context.Context, tenantID, traceID string, trips []domain.Trip) ([]BatchResult, error) {
	if len(trips) > s.opts.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d trips exceeds the limit of %d", ErrBatchTooLarge, len(trips), s.opts.MaxBatchSize)
	}

	start := time.Now()
	p := s.handle.Load()
	items, err := p.PredictBatch(ctx, trips, s.opts.BatchWorkers)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	out := make([]BatchResult, len(items))
	for i, item := range items {
		if item.Err != nil {
			out[i] = BatchResult{Err: item.Err}
			continue
		}
		s.opts.Metrics.ObserveEstimate(string(item.Result.Regime), string(item.Result.Path), elapsed/time.Duration(len(items)))

		est := newEstimate(trips[i], item.Result, 0)
		est.TenantID = tenantID
		est.Metadata.TraceID = traceID
		est.Metadata.TotalMs = elapsed.Milliseconds()
		s.save(ctx, tenantID, est)
		out[i] = BatchResult{Estimate: est}
	}

	slog.Info("batch scored",
		"tenant_id", tenantID,
		"trips", len(trips),
		"duration_ms", elapsed.Milliseconds(),
	)
	return out, nil
}

// Activate compiles table and swaps it in. Scoring calls already running
// finish against the previous predictor. Ensemble members missing from the
// current registry are fetched from the artifact source.
func (s *Service) Activate(ctx context.Context, table *policy.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	compiled, err := policy.Compile(s.engine, table)
	if err != nil {
		s.opts.Metrics.PolicyReload(err)
		return err
	}

	current := s.handle.Load()
	reg := s.loadRegistry(ctx, compiled, current.Registry())
	next := s.build(compiled, reg)
	prev := s.handle.Swap(next)
	s.opts.Metrics.PolicyReload(nil)

	slog.Info("policy activated",
		"version", compiled.Version(),
		"previous_version", prev.Policy().Version(),
		"models_loaded", reg.Len(),
	)

	if s.opts.Bus != nil {
		event := domain.PolicyActivation{
			Version:          compiled.Version(),
			ModelFingerprint: reg.Fingerprint(),
			ModelsLoaded:     reg.Len(),
		}
		if err := bus.PublishJSON(ctx, s.opts.Bus, SystemTenant, domain.TopicPolicyActivated, event); err != nil {
			slog.Warn("failed to publish policy activation", "version", compiled.Version(), "error", err)
		}
	}
	return nil
}

// StorePolicy validates a YAML or JSON table source, compiles its
// predicates and stores it. It does not activate the table.
func (s *Service) StorePolicy(ctx context.Context, data []byte) (*domain.PolicyDocument, error) {
	table, err := policy.Parse(data)
	if err != nil {
		return nil, err
	}
	if _, err := policy.Compile(s.engine, table); err != nil {
		return nil, err
	}

	doc := &domain.PolicyDocument{
		Version:     table.Version,
		Description: table.Description,
		Body:        string(data),
		Checksum:    policy.Checksum(data),
	}
	if s.opts.Repository == nil {
		return doc, nil
	}
	if err := s.opts.Repository.SavePolicy(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ActivateVersion loads a stored table and activates it.
func (s *Service) ActivateVersion(ctx context.Context, version string) (*policy.Table, error) {
	if s.opts.Repository == nil {
		return nil, fmt.Errorf("no repository configured")
	}

	doc, err := s.opts.Repository.GetPolicy(ctx, version)
	if err != nil {
		return nil, err
	}
	table, err := policy.Parse([]byte(doc.Body))
	if err != nil {
		return nil, err
	}
	if err := s.Activate(ctx, table); err != nil {
		return nil, err
	}
	return table, nil
}
