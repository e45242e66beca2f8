package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProducer struct {
	mu        sync.Mutex
	published map[EventType][][]byte
}

func (rp *recordingProducer) String() string  { return "recording" }
func (rp *recordingProducer) Channel() string { return "panini" }

func (rp *recordingProducer) Connect(context.Context, string, string, map[string]interface{}) error {
	return nil
}

func (rp *recordingProducer) Publish(_ context.Context, eventType EventType, data []byte) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.published == nil {
		rp.published = make(map[EventType][][]byte)
	}

	rp.published[eventType] = append(rp.published[eventType], data)

	return nil
}

func (rp *recordingProducer) IsClosed() bool { return false }
func (rp *recordingProducer) Close()         {}

func (rp *recordingProducer) get(eventType EventType) [][]byte {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	return rp.published[eventType]
}

func TestGetEntry(t *testing.T) {
	args := map[string]interface{}{"Address": "localhost:6379", "db": 2}

	assert.Equal(t, "localhost:6379", GetEntry(args, "address"))
	assert.Equal(t, 2, GetEntry(args, "DB"))
	assert.Nil(t, GetEntry(args, "password"))
}

func TestNewProducer(t *testing.T) {
	for _, producerType := range []string{"redis", "kafka", "nats", "jetstream"} {
		producer, err := NewProducer(producerType)
		require.NoError(t, err)

		assert.Equal(t, producerType, producer.String())
		assert.True(t, producer.IsClosed())
		assert.Contains(t, Producers, producerType)
	}

	_, err := NewProducer("carrier-pigeon")
	assert.ErrorIs(t, err, ErrProducerMissing)
}

func TestProducerConnectRequiresAddress(t *testing.T) {
	for _, producerType := range []string{"redis", "kafka", "nats", "jetstream"} {
		producer, err := NewProducer(producerType)
		require.NoError(t, err)

		err = producer.Connect(context.Background(), "panini", "panini", map[string]interface{}{})
		assert.ErrorContains(t, err, "Address", producerType)
	}
}

func TestEventForwarder(t *testing.T) {
	events := NewEventBus()
	producer := &recordingProducer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forwarder := NewEventForwarder(zerolog.Nop(), producer, events)

	done := make(chan struct{})

	go func() {
		forwarder.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		events.Emit(EventGatewayStatus, "", &GatewayStatusEvent{From: GatewayStatusConnecting, To: GatewayStatusActive})

		return len(producer.get(EventGatewayStatus)) > 0
	}, time.Second, 5*time.Millisecond)

	var envelope struct {
		Data struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"data"`
		Type string `json:"type"`
	}

	require.NoError(t, json.Unmarshal(producer.get(EventGatewayStatus)[0], &envelope))

	assert.Equal(t, "GATEWAY_STATUS", envelope.Type)
	assert.Equal(t, "Connecting", envelope.Data.From)
	assert.Equal(t, "Active", envelope.Data.To)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}
