package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require a scope (a portfolio ID or GlobalScope).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, scope string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, scope string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, scope string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// GlobalScope is the bus scope for events that concern every portfolio.
const GlobalScope = "_global"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Scope     string            `json:"scope"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup load-balances GlobalScope subscriptions across server
	// instances. Empty delivers every global message to every instance.
	NATSQueueGroup string

	// ServeReports answers TopicReportRequest messages.
	ServeReports bool
}

// Topic names for the snapshot pipeline.
const (
	TopicSnapshotLoaded = "claimscope.snapshot.loaded"
	TopicReportsWarmed  = "claimscope.reports.warmed"
	TopicReportRequest  = "claimscope.reports.request"
)

// SnapshotEvent is the payload of TopicSnapshotLoaded and TopicReportsWarmed.
type SnapshotEvent struct {
	PortfolioID string   `json:"portfolioId"`
	Revision    string   `json:"revision"`
	Customers   int      `json:"customers,omitempty"`
	Reports     []string `json:"reports,omitempty"`
}

// ReportRequest asks a report server for one report. It is sent on GlobalScope.
type ReportRequest struct {
	PortfolioID string            `json:"portfolioId"`
	Report      string            `json:"report"`
	Params      map[string]string `json:"params,omitempty"`
}

// ReportReply answers a ReportRequest. Error is set when no report was built.
type ReportReply struct {
	Report *CachedReport `json:"report,omitempty"`
	Cached bool          `json:"cached"`
	Error  string        `json:"error,omitempty"`
}
