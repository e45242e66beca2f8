package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Producers lists the producer types that can be created with NewProducer.
var Producers = []string{}

// Producer publishes telemetry events to a message queue.
type Producer interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName, channel string, args map[string]interface{}) error
	Publish(ctx context.Context, eventType EventType, data []byte) error

	IsClosed() bool
	Close()
}

// NewProducer returns an unconnected producer of the given type.
func NewProducer(producerType string) (Producer, error) {
	switch strings.ToLower(producerType) {
	case "redis":
		return &RedisProducer{}, nil
	case "kafka":
		return &KafkaProducer{}, nil
	case "nats":
		return &NatsProducer{}, nil
	case "jetstream":
		return &JetStreamProducer{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrProducerMissing, producerType)
	}
}

// GetEntry returns the first value whose key matches case insensitively.
func GetEntry(m map[string]interface{}, key string) interface{} {
	key = strings.ToLower(key)

	for k, v := range m {
		if strings.ToLower(k) == key {
			return v
		}
	}

	return nil
}

// getStringEntry returns a string argument. Missing entries return "" unless
// required.
func getStringEntry(producer string, args map[string]interface{}, key string, required bool) (string, error) {
	value, ok := GetEntry(args, key).(string)
	if !ok && required {
		return "", fmt.Errorf("%s connect: string type assertion failed for %s", producer, key)
	}

	return value, nil
}

// EventForwarder publishes every telemetry event to a producer.
type EventForwarder struct {
	Logger zerolog.Logger

	producer Producer
	events   *EventBus
}

func NewEventForwarder(logger zerolog.Logger, producer Producer, events *EventBus) *EventForwarder {
	return &EventForwarder{
		Logger: logger.With().Str("component", "producer").Str("type", producer.String()).Logger(),

		producer: producer,
		events:   events,
	}
}

// Run forwards events until ctx is done or the event bus closes.
func (ef *EventForwarder) Run(ctx context.Context) {
	events, cancel := ef.events.Subscribe(EventBufferSize)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}

			ef.forward(ctx, event)
		}
	}
}

func (ef *EventForwarder) forward(ctx context.Context, event Event) {
	if ef.producer.IsClosed() {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		ef.Logger.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal event")

		return
	}

	if err = ef.producer.Publish(ctx, event.Type, data); err != nil {
		ef.Logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}
