// Package worker scores trips submitted over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/perdiem/internal/bus"
	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/scoring"
)

// Worker consumes TopicTripSubmitted and publishes estimate events.
type Worker struct {
	bus     domain.EventBus
	scoring *scoring.Service

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all tenants)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(b domain.EventBus, svc *scoring.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     b,
		scoring: svc,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.subscribe(bus.AllTenants)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTripSubmitted, w.processTrip)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker subscribed",
		"tenant_id", tenantID,
		"topic", domain.TopicTripSubmitted,
	)
	return nil
}

// processTrip scores one submission. The estimate is persisted by the
// scoring service; the worker only reports the outcome.
func (w *Worker) processTrip(ctx context.Context, msg *domain.Message) error {
	start := time.Now()
	tenantID := msg.TenantID

	var sub domain.TripSubmission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		err = fmt.Errorf("%w: malformed trip submission: %v", domain.ErrInvalidInput, err)
		w.fail(ctx, msg, msg.ID, err)
		return err
	}

	requestID := sub.RequestID
	if requestID == "" {
		requestID = msg.ID
	}

	est, err := w.scoring.Score(ctx, tenantID, requestID, sub.Trip)
	if err != nil {
		w.fail(ctx, msg, requestID, err)
		return err
	}

	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicEstimateComputed, est); err != nil {
		slog.Error("failed to publish estimate",
			"estimate_id", est.ID,
			"error", err,
		)
	}
	w.reply(ctx, msg, domain.EstimateReply{RequestID: requestID, Estimate: est})

	slog.Info("trip processed",
		"request_id", requestID,
		"tenant_id", tenantID,
		"regime", est.Regime,
		"path", est.Path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) fail(ctx context.Context, msg *domain.Message, requestID string, cause error) {
	failure := domain.EstimateFailure{RequestID: requestID, Error: cause.Error()}
	if err := bus.PublishJSON(ctx, w.bus, msg.TenantID, domain.TopicEstimateFailed, failure); err != nil {
		slog.Error("failed to publish estimate failure",
			"request_id", requestID,
			"error", err,
		)
	}
	w.reply(ctx, msg, domain.EstimateReply{RequestID: requestID, Error: cause.Error()})
}

// reply answers a Request; plain publishes carry no reply topic.
func (w *Worker) reply(ctx context.Context, msg *domain.Message, reply domain.EstimateReply) {
	if msg.Metadata[bus.MetadataReply] == "" {
		return
	}
	r, ok := w.bus.(bus.Replier)
	if !ok {
		return
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		slog.Error("failed to marshal reply", "request_id", reply.RequestID, "error", err)
		return
	}
	if err := r.Reply(ctx, msg, payload); err != nil {
		slog.Error("failed to send reply",
			"request_id", reply.RequestID,
			"error", err,
		)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
