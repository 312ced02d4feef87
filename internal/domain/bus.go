package domain

import (
	"context"
)

// EventBus carries recording and alert events between the ingest pipeline
// and its consumers. Delivery is at-most-once. Every message is scoped to
// the user it concerns.
type EventBus interface {
	// Publish delivers payload to the user's subscribers and to global ones.
	Publish(ctx context.Context, userID string, topic string, payload []byte) error

	// Subscribe registers handler for one user's topic, or for every user's
	// when userID is GlobalSubscriber.
	Subscribe(ctx context.Context, userID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error

	// Close stops delivery. Handlers already running are allowed to finish.
	Close() error
}

// MetadataTraceID carries the publisher's trace ID on a Message.
const MetadataTraceID = "trace_id"

// GlobalSubscriber is the pseudo user ID whose subscriptions see all users' messages.
const GlobalSubscriber = "_global"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
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
	Type string `koanf:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `koanf:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup load-balances global subscriptions across replicas so
	// each alert is handled once. Empty fans out to every replica.
	NATSQueueGroup string `koanf:"nats_queue_group"`
}

// Standard topic names for the recording pipeline.
const (
	TopicTransactionRecorded = "spendguard.transaction.recorded"
	TopicTransactionUpdated  = "spendguard.transaction.updated"
	TopicAnomalyAlert        = "spendguard.anomaly.alert"
	TopicAnomalyFailed       = "spendguard.anomaly.failed"
)
