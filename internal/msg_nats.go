package internal

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

func init() {
	Producers = append(Producers, "nats")
}

// NatsProducer publishes events on a core nats subject.
type NatsProducer struct {
	conn *nats.Conn

	channel string
}

func (natsMQ *NatsProducer) String() string {
	return "nats"
}

func (natsMQ *NatsProducer) Channel() string {
	return natsMQ.channel
}

func (natsMQ *NatsProducer) Connect(_ context.Context, clientName, channel string, args map[string]interface{}) error {
	address, err := getStringEntry("nats", args, "Address", true)
	if err != nil {
		return err
	}

	natsMQ.conn, err = nats.Connect(address, nats.Name(clientName))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	natsMQ.channel = channel

	return nil
}

func (natsMQ *NatsProducer) Publish(_ context.Context, _ EventType, data []byte) error {
	return natsMQ.conn.Publish(natsMQ.channel, data)
}

func (natsMQ *NatsProducer) IsClosed() bool {
	return natsMQ.conn == nil || natsMQ.conn.IsClosed()
}

func (natsMQ *NatsProducer) Close() {
	if natsMQ.conn != nil {
		natsMQ.conn.Close()
		natsMQ.conn = nil
	}
}
