package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-finance/perdiem/internal/bus"
	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/policy"
	"github.com/opensource-finance/perdiem/internal/scoring"
)

func newService(t *testing.T) *scoring.Service {
	t.Helper()
	svc, err := scoring.New(context.Background(), policy.Default(), scoring.Options{})
	if err != nil {
		t.Fatalf("failed to create scoring service: %v", err)
	}
	return svc
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	svc := newService(t)

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTripSubmitted {
			t.Errorf("expected topic %s, got %s", domain.TopicTripSubmitted, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("EstimateComputed", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		w.Start(Config{TenantIDs: []string{"tenant-test"}})
		defer w.Stop()

		computed := make(chan *domain.Estimate, 1)
		eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicEstimateComputed, func(ctx context.Context, msg *domain.Message) error {
			var est domain.Estimate
			if err := json.Unmarshal(msg.Payload, &est); err != nil {
				return err
			}
			computed <- &est
			return nil
		})

		sub := domain.TripSubmission{RequestID: "req-001", Trip: domain.Trip{Days: 3, Miles: 150, Receipts: 100}}
		if err := bus.PublishJSON(context.Background(), eventBus, "tenant-test", domain.TopicTripSubmitted, sub); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case est := <-computed:
			if est.TenantID != "tenant-test" {
				t.Errorf("expected tenant-test, got %s", est.TenantID)
			}
			if est.Metadata.TraceID != "req-001" {
				t.Errorf("expected trace req-001, got %s", est.Metadata.TraceID)
			}
			if est.Amount != 395 {
				t.Errorf("expected 395, got %v", est.Amount)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for estimate")
		}
	})

	t.Run("EstimateFailed", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		w.Start(Config{TenantIDs: []string{"tenant-bad"}})
		defer w.Stop()

		failed := make(chan domain.EstimateFailure, 1)
		eventBus.Subscribe(context.Background(), "tenant-bad", domain.TopicEstimateFailed, func(ctx context.Context, msg *domain.Message) error {
			var f domain.EstimateFailure
			if err := json.Unmarshal(msg.Payload, &f); err != nil {
				return err
			}
			failed <- f
			return nil
		})

		sub := domain.TripSubmission{RequestID: "req-bad", Trip: domain.Trip{Days: 0, Miles: 10, Receipts: 10}}
		bus.PublishJSON(context.Background(), eventBus, "tenant-bad", domain.TopicTripSubmitted, sub)

		select {
		case f := <-failed:
			if f.RequestID != "req-bad" || f.Error == "" {
				t.Errorf("unexpected failure event: %+v", f)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for failure event")
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		w.Start(Config{})
		defer w.Stop()

		payload, _ := json.Marshal(domain.TripSubmission{RequestID: "req-sync", Trip: domain.Trip{Days: 1, Miles: 50, Receipts: 10}})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		data, err := eventBus.Request(ctx, "tenant-sync", domain.TopicTripSubmitted, payload)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var reply domain.EstimateReply
		if err := json.Unmarshal(data, &reply); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if reply.Error != "" || reply.Estimate == nil {
			t.Fatalf("unexpected reply: %+v", reply)
		}
		if reply.Estimate.Amount != 127 || reply.Estimate.TenantID != "tenant-sync" {
			t.Errorf("unexpected estimate: %+v", reply.Estimate)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		if got := w.GetStats().SubscriptionCount; got != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", got)
		}
	})
}

func TestMalformedSubmission(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	w := NewWorker(eventBus, newService(t))
	msg := &domain.Message{ID: "msg-1", TenantID: "tenant-001", Payload: []byte("{not json")}
	if err := w.processTrip(context.Background(), msg); err == nil {
		t.Error("expected error for malformed payload")
	}
}
