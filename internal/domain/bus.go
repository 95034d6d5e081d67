package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels, NATS or Kafka.
type EventBus interface {
	// Publish sends a message to a topic. Key groups related messages
	// (the entity ID) so transports that partition keep per-entity order.
	Publish(ctx context.Context, topic string, key string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Key       string            `json:"key,omitempty"`
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
	// Type is the bus type: "channel", "nats", "kafka" or "none"
	Type string `yaml:"type" default:"channel" validate:"oneof=channel nats kafka none"`

	// Channel settings
	ChannelBufferSize int `yaml:"channel_buffer_size" default:"1000"`

	// NATS settings
	NATSUrl           string `yaml:"nats_url" default:"nats://localhost:4222"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects" default:"10"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait" default:"5"` // seconds

	// Kafka settings
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id" default:"merlin"`
}

// Standard topic names for the scoring pipeline.
const (
	TopicTransactionReceived = "merlin.transaction.received"
	TopicDecision            = "merlin.decision"
	TopicAlert               = "merlin.alert"
)

// DecisionPublisher receives finalized decisions. Like DecisionLog it is an
// external collaborator and its failures never alter a Decision.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, decision *Decision) error
}
