// Package bus provides event bus implementations for Claimscope.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/claimscope/internal/domain"
)

// MetadataReplyTo is the message metadata key naming the reply topic of a request.
const MetadataReplyTo = "reply_to"

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

// PublishEvent marshals v as JSON and publishes it.
func PublishEvent(ctx context.Context, b domain.EventBus, scope, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}
	return b.Publish(ctx, scope, topic, payload)
}

// DecodeSnapshotEvent unmarshals the payload of a snapshot pipeline message.
func DecodeSnapshotEvent(msg *domain.Message) (domain.SnapshotEvent, error) {
	var ev domain.SnapshotEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("invalid %s payload: %w", msg.Topic, err)
	}
	if ev.PortfolioID == "" {
		return ev, fmt.Errorf("invalid %s payload: portfolioId is required", msg.Topic)
	}
	return ev, nil
}

func newMessage(scope, topic string, payload []byte, metadata map[string]string) *domain.Message {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &domain.Message{
		ID:        uuid.New().String(),
		Scope:     scope,
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UnixNano(),
	}
}

func replyTopicFor(topic string) string {
	return topic + ".reply." + uuid.New().String()
}

// Reply publishes v as the JSON answer to a request message.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, v any) error {
	to := msg.Metadata[MetadataReplyTo]
	if to == "" {
		return fmt.Errorf("message %s has no %s metadata", msg.ID, MetadataReplyTo)
	}
	return PublishEvent(ctx, b, msg.Scope, to, v)
}

// RequestReport asks a report server on the bus for one report.
// A reply carrying an error is returned as an error.
func RequestReport(ctx context.Context, b domain.EventBus, req domain.ReportRequest) (*domain.ReportReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report request: %w", err)
	}
	raw, err := b.Request(ctx, domain.GlobalScope, domain.TopicReportRequest, payload)
	if err != nil {
		return nil, err
	}

	var reply domain.ReportReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("invalid report reply: %w", err)
	}
	if reply.Error != "" {
		return &reply, fmt.Errorf("report %s for %s: %s", req.Report, req.PortfolioID, reply.Error)
	}
	return &reply, nil
}
