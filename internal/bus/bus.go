// Package bus provides event bus implementations for Merlin.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/domain"
)

// New creates a new event bus based on configuration.
// Returns nil with no error when the bus is disabled.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		b, err := NewNATSBus(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil

	case "kafka":
		b, err := NewKafkaBus(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil

	case "none", "":
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrConfiguration, cfg.Type)
	}
}

func newMessage(topic, key string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		Key:       key,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
