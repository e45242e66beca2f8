package internal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/atomic"
)

func init() {
	Producers = append(Producers, "jetstream")
}

// JetStreamProducer publishes events to a memory stream on the subject
// <channel>.<event type>.
type JetStreamProducer struct {
	JetStreamClient jetstream.JetStream `json:"-"`
	JetStreamStream jetstream.Stream    `json:"-"`

	conn *nats.Conn

	channel  string
	isClosed atomic.Bool
}

func (jetstreamMQ *JetStreamProducer) String() string {
	return "jetstream"
}

func (jetstreamMQ *JetStreamProducer) Channel() string {
	return jetstreamMQ.channel
}

func (jetstreamMQ *JetStreamProducer) Connect(ctx context.Context, clientName, channel string, args map[string]interface{}) error {
	address, err := getStringEntry("jetstream", args, "Address", true)
	if err != nil {
		return err
	}

	jetstreamMQ.channel = channel

	jetstreamMQ.conn, err = nats.Connect(address, nats.Name(clientName))
	if err != nil {
		return fmt.Errorf("jetstream connect nats: %w", err)
	}

	jetstreamMQ.JetStreamClient, err = jetstream.New(jetstreamMQ.conn)
	if err != nil {
		return fmt.Errorf("jetstream new: %w", err)
	}

	jetstreamMQ.JetStreamStream, err = jetstreamMQ.JetStreamClient.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              channel,
		Subjects:          []string{channel + ".*"},
		Retention:         jetstream.InterestPolicy,
		Discard:           jetstream.DiscardOld,
		MaxAge:            5 * time.Minute,
		Storage:           jetstream.MemoryStorage,
		MaxMsgsPerSubject: 1_000_000,
		MaxMsgSize:        math.MaxInt32,
		NoAck:             true,
	})
	if err != nil {
		return fmt.Errorf("jetstream create stream: %w", err)
	}

	jetstreamMQ.isClosed.Store(false)

	return nil
}

func (jetstreamMQ *JetStreamProducer) Publish(_ context.Context, eventType EventType, data []byte) error {
	_, err := jetstreamMQ.JetStreamClient.PublishAsync(jetstreamMQ.channel+"."+string(eventType), data)

	return err
}

func (jetstreamMQ *JetStreamProducer) IsClosed() bool {
	return jetstreamMQ.conn == nil || jetstreamMQ.isClosed.Load()
}

func (jetstreamMQ *JetStreamProducer) Close() {
	jetstreamMQ.isClosed.Store(true)

	if jetstreamMQ.conn != nil {
		jetstreamMQ.conn.Close()
	}
}
