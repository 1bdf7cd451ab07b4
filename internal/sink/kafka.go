package sink

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"fleetwatch/gateway/internal/broadcast"
)

// Kafka writes events to a topic keyed by device id, so one device's
// events stay ordered within a partition.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a Kafka sink for a comma separated broker list
func NewKafka(brokers, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Name implements Sink
func (k *Kafka) Name() string { return "kafka" }

// Deliver implements Sink
func (k *Kafka) Deliver(ctx context.Context, e broadcast.Event) error {
	msg, err := kafkaMessage(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Close flushes pending writes
func (k *Kafka) Close() error { return k.writer.Close() }

func kafkaMessage(e broadcast.Event) (kafka.Message, error) {
	data, err := encode(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.DeviceID),
		Value: data,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}
