// Package bus carries trip submissions and estimate events between the API
// and the scoring workers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/perdiem/internal/domain"
)

// AllTenants subscribes to a topic for every tenant.
const AllTenants = "*"

// MetadataReply names the metadata key carrying a request's reply topic.
const MetadataReply = "reply"

const requestTimeout = 30 * time.Second

// Replier is implemented by buses that can answer a Request.
type Replier interface {
	Reply(ctx context.Context, req *domain.Message, payload []byte) error
}

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// validTenant reports whether tenantID can be used as a subject token.
func validTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	for _, r := range tenantID {
		if r == '.' || r == '>' || r == ' ' {
			return fmt.Errorf("tenantID %q contains %q", tenantID, r)
		}
	}
	return nil
}
