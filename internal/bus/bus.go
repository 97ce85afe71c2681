// Package bus provides the event bus implementations that carry ingested
// transactions and outbound sink requests.
package bus

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrTopicRequired is returned when a topic is empty.
	ErrTopicRequired = errors.New("topic is required")

	// ErrSubscriberFull is returned when a subscriber buffer could not take
	// the message.
	ErrSubscriberFull = errors.New("subscriber buffer full")
)

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

func newMessage(topic string, payload []byte, id string, ts int64) *domain.Message {
	return &domain.Message{
		ID:        id,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{"content-type": "application/json"},
		Timestamp: ts,
	}
}
