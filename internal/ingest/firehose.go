package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pulseboard/pulseboard/internal/domain"
)

// Firehose publishes every normalized event to a Kafka topic, keyed by
// persona so downstream consumers observe the same per-persona ordering as
// live connections.
type Firehose struct {
	writer *kafka.Writer
}

func NewFirehose(brokers []string, topic string) *Firehose {
	return &Firehose{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 100,
			Async:        true,
		},
	}
}

func (f *Firehose) Publish(ctx context.Context, ev domain.DashboardEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.PersonaID),
		Value: data,
	})
}

func (f *Firehose) Close() error {
	return f.writer.Close()
}
