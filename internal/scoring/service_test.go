package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/perdiem/internal/bus"
	"github.com/opensource-finance/perdiem/internal/cache"
	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/ensemble"
	"github.com/opensource-finance/perdiem/internal/policy"
	"github.com/opensource-finance/perdiem/internal/repository"
)

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "perdiem.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// constantSource serves a linear artifact predicting amount for each model.
func constantSource(t *testing.T, amounts map[string]float64) ensemble.Source {
	t.Helper()
	dir := t.TempDir()
	for name, amount := range amounts {
		data, _ := json.Marshal(map[string]any{
			"kind":         "linear",
			"intercept":    amount,
			"coefficients": map[string]float64{"trip_duration_days": 0},
		})
		if err := os.WriteFile(filepath.Join(dir, name+ensemble.ArtifactExt), data, 0o644); err != nil {
			t.Fatalf("failed to write artifact: %v", err)
		}
	}
	return ensemble.DirSource{Dir: dir}
}

func TestScore(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	svc, err := New(ctx, policy.Default(), Options{Repository: repo})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	est, err := svc.Score(ctx, "tenant-001", "trace-001", domain.Trip{Days: 3, Miles: 150, Receipts: 100})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if est.Amount != 395 {
		t.Errorf("expected 395, got %v", est.Amount)
	}
	if est.Path != domain.PathFallback {
		t.Errorf("expected fallback path without models, got %s", est.Path)
	}
	if est.ID == "" || est.TenantID != "tenant-001" {
		t.Errorf("unexpected identity: id=%q tenant=%q", est.ID, est.TenantID)
	}
	if est.Metadata.TraceID != "trace-001" || est.Metadata.EngineVersion != EngineVersion {
		t.Errorf("unexpected metadata: %+v", est.Metadata)
	}
	if est.Metadata.PolicyVersion != policy.Default().Version {
		t.Errorf("expected policy version %s, got %s", policy.Default().Version, est.Metadata.PolicyVersion)
	}

	stored, err := repo.GetEstimate(ctx, "tenant-001", est.ID)
	if err != nil {
		t.Fatalf("expected estimate to be persisted: %v", err)
	}
	if stored.Amount != est.Amount {
		t.Errorf("stored amount %v, want %v", stored.Amount, est.Amount)
	}
}

func TestScoreInvalidTrip(t *testing.T) {
	svc, err := New(context.Background(), policy.Default(), Options{})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	_, err = svc.Score(context.Background(), "tenant-001", "", domain.Trip{Days: 0, Miles: 10, Receipts: 10})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestScoreWithModels(t *testing.T) {
	ctx := context.Background()
	src := constantSource(t, map[string]float64{"random-forest": 420})

	svc, err := New(ctx, policy.Default(), Options{Source: src})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if models := svc.Models(); len(models) != 1 || models[0].Name != "random-forest" {
		t.Errorf("expected random-forest loaded, got %+v", models)
	}

	est, err := svc.Score(ctx, "tenant-001", "", domain.Trip{Days: 3, Miles: 150, Receipts: 100})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if est.Path != domain.PathEnsemble {
		t.Fatalf("expected ensemble path, got %s", est.Path)
	}
	if est.Amount != 420 {
		t.Errorf("expected 420, got %v", est.Amount)
	}
	if est.Metadata.ModelFingerprint == "" {
		t.Error("expected a model fingerprint")
	}
}

func TestScoreCached(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, policy.Default(), Options{
		Cache:    cache.NewLRUCache(100, time.Minute),
		CacheTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	trip := domain.Trip{Days: 1, Miles: 50, Receipts: 10}
	first, err := svc.Score(ctx, "tenant-001", "", trip)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if first.Metadata.Cached {
		t.Error("first call should not be cached")
	}

	second, err := svc.Score(ctx, "tenant-001", "", trip)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if !second.Metadata.Cached {
		t.Error("second call should be served from cache")
	}
	if second.ID == first.ID {
		t.Error("cached estimate should get its own ID")
	}
	if second.Amount != first.Amount || second.Regime != first.Regime {
		t.Errorf("cached result differs: %+v vs %+v", second, first)
	}

	t.Run("TenantIsolation", func(t *testing.T) {
		other, err := svc.Score(ctx, "tenant-002", "", trip)
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if other.Metadata.Cached {
			t.Error("cache must not leak across tenants")
		}
	})
}

func TestScoreBatch(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	svc, err := New(ctx, policy.Default(), Options{Repository: repo, MaxBatchSize: 3})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	trips := []domain.Trip{
		{Days: 3, Miles: 150, Receipts: 100},
		{Days: 0, Miles: 10, Receipts: 10},
		{Days: 1, Miles: 50, Receipts: 10},
	}

	results, err := svc.ScoreBatch(ctx, "tenant-001", "trace-batch", trips)
	if err != nil {
		t.Fatalf("ScoreBatch failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Estimate.Amount != 395 {
		t.Errorf("result 0: %+v", results[0])
	}
	if !errors.Is(results[1].Err, domain.ErrInvalidInput) {
		t.Errorf("result 1: expected ErrInvalidInput, got %v", results[1].Err)
	}
	if results[2].Err != nil || results[2].Estimate.Amount != 127 {
		t.Errorf("result 2: %+v", results[2])
	}

	list, err := repo.ListEstimates(ctx, "tenant-001", 10)
	if err != nil {
		t.Fatalf("ListEstimates failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 persisted estimates, got %d", len(list))
	}

	t.Run("TooLarge", func(t *testing.T) {
		_, err := svc.ScoreBatch(ctx, "tenant-001", "", append(trips, trips[0]))
		if !errors.Is(err, ErrBatchTooLarge) {
			t.Errorf("expected ErrBatchTooLarge, got %v", err)
		}
	})
}

func TestActivate(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(10)
	defer b.Close()

	events := make(chan domain.PolicyActivation, 1)
	_, err := b.Subscribe(ctx, SystemTenant, domain.TopicPolicyActivated, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.PolicyActivation
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	src := constantSource(t, map[string]float64{"random-forest": 420})
	svc, err := New(ctx, policy.Default(), Options{Bus: b})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	svc.opts.Source = src

	next := policy.Default()
	next.Version = "2025.07-test"
	if err := svc.Activate(ctx, next); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if got := svc.Predictor().Policy().Version(); got != "2025.07-test" {
		t.Errorf("expected active version 2025.07-test, got %s", got)
	}
	if svc.Predictor().Registry().Len() != 1 {
		t.Errorf("expected missing members to be loaded on activation")
	}

	select {
	case ev := <-events:
		if ev.Version != "2025.07-test" || ev.ModelsLoaded != 1 {
			t.Errorf("unexpected activation event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for activation event")
	}

	t.Run("InvalidTableKeepsCurrent", func(t *testing.T) {
		bad := policy.Default()
		bad.Version = "broken"
		bad.Routes[0].When = "miles_per_day >"
		if err := svc.Activate(ctx, bad); err == nil {
			t.Fatal("expected compile error")
		}
		if got := svc.Predictor().Policy().Version(); got != "2025.07-test" {
			t.Errorf("expected version to stay 2025.07-test, got %s", got)
		}
	})
}

func TestStoreAndActivateVersion(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	svc, err := New(ctx, policy.Default(), Options{Repository: repo})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	table := policy.Default()
	table.Version = "2025.08-stored"
	data, _ := json.Marshal(table)

	doc, err := svc.StorePolicy(ctx, data)
	if err != nil {
		t.Fatalf("StorePolicy failed: %v", err)
	}
	if doc.Version != "2025.08-stored" || doc.Checksum != policy.Checksum(data) {
		t.Errorf("unexpected document: %+v", doc)
	}
	if svc.Predictor().Policy().Version() == "2025.08-stored" {
		t.Error("storing must not activate")
	}

	if _, err := svc.ActivateVersion(ctx, "2025.08-stored"); err != nil {
		t.Fatalf("ActivateVersion failed: %v", err)
	}
	if got := svc.Predictor().Policy().Version(); got != "2025.08-stored" {
		t.Errorf("expected 2025.08-stored active, got %s", got)
	}

	t.Run("UnknownVersion", func(t *testing.T) {
		if _, err := svc.ActivateVersion(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("InvalidSource", func(t *testing.T) {
		if _, err := svc.StorePolicy(ctx, []byte("routes: [")); !errors.Is(err, policy.ErrInvalidTable) {
			t.Errorf("expected ErrInvalidTable, got %v", err)
		}
	})
}
