package internal

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
)

func init() {
	Producers = append(Producers, "kafka")
}

// KafkaProducer writes events to a kafka topic named after the channel.
type KafkaProducer struct {
	KafkaClient *kafka.Writer

	channel string
}

func parseKafkaBalancer(balancer string) kafka.Balancer {
	switch balancer {
	case "crc32":
		return &kafka.CRC32Balancer{}
	case "hash":
		return &kafka.Hash{}
	case "murmur2":
		return &kafka.Murmur2Balancer{}
	case "roundrobin":
		return &kafka.RoundRobin{}
	case "leastbytes":
		return &kafka.LeastBytes{}
	default:
		return nil
	}
}

func (kafkaMQ *KafkaProducer) String() string {
	return "kafka"
}

func (kafkaMQ *KafkaProducer) Channel() string {
	return kafkaMQ.channel
}

func (kafkaMQ *KafkaProducer) Connect(_ context.Context, _, channel string, args map[string]interface{}) error {
	address, err := getStringEntry("kafka", args, "Address", true)
	if err != nil {
		return err
	}

	balancer, _ := getStringEntry("kafka", args, "Balancer", false)
	asyncStr, _ := getStringEntry("kafka", args, "Async", false)

	async, _ := strconv.ParseBool(asyncStr)

	kafkaMQ.channel = channel
	kafkaMQ.KafkaClient = &kafka.Writer{
		Addr:                   kafka.TCP(address),
		Topic:                  channel,
		Balancer:               parseKafkaBalancer(balancer),
		Async:                  async,
		AllowAutoTopicCreation: true,
	}

	return nil
}

func (kafkaMQ *KafkaProducer) Publish(ctx context.Context, eventType EventType, data []byte) error {
	return kafkaMQ.KafkaClient.WriteMessages(ctx, kafka.Message{
		Key:   []byte(eventType),
		Value: data,
	})
}

func (kafkaMQ *KafkaProducer) IsClosed() bool {
	return kafkaMQ.KafkaClient == nil
}

func (kafkaMQ *KafkaProducer) Close() {
	if kafkaMQ.KafkaClient != nil {
		_ = kafkaMQ.KafkaClient.Close()
		kafkaMQ.KafkaClient = nil
	}
}
