package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const maxSignalBackoff = 30 * time.Second

// Consumer reads upstream monitor signals from Kafka and feeds them through
// the pipeline. The HTTP surface and this intake share the same pipeline,
// so both paths get identical validation, dedup, and ordering.
type Consumer struct {
	reader       *kafka.Reader
	pipeline     *Pipeline
	retryBackoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, pipeline *Pipeline) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1e3,  // 1KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return &Consumer{reader: reader, pipeline: pipeline, retryBackoff: time.Second}
}

// Start consumes until ctx is canceled. Malformed messages are committed
// and logged so they cannot wedge the partition. A persistence failure
// blocks on the failed message with backoff instead of fetching past it:
// group commits are cumulative per partition, so committing any later
// offset would mark the failed signal consumed and silently drop it.
func (c *Consumer) Start(ctx context.Context) {
	log.Info().
		Str("topic", c.reader.Config().Topic).
		Str("group", c.reader.Config().GroupID).
		Msg("Starting signal consumer")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Signal consumer stopped")
			return
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("Failed to fetch message")
				continue
			}

			var n Notification
			if err := json.Unmarshal(msg.Value, &n); err != nil {
				log.Error().Err(err).
					Str("value", string(msg.Value)).
					Msg("Failed to parse signal")
				c.commit(ctx, msg)
				continue
			}

			if !c.processSignal(ctx, n) {
				return
			}
			c.commit(ctx, msg)
		}
	}
}

// processSignal applies one signal, retrying retryable failures in place
// until it lands or ctx is canceled. Returns false only on cancellation;
// the caller commits on true.
func (c *Consumer) processSignal(ctx context.Context, n Notification) bool {
	backoff := c.retryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		_, err := c.pipeline.Submit(ctx, n)
		if err == nil {
			return true
		}
		var verr *ValidationError
		if errors.As(err, &verr) {
			log.Error().Err(err).
				Str("signal_type", string(n.Signal)).
				Str("variant_id", n.VariantID).
				Msg("Rejected malformed signal")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Error().Err(err).
			Str("signal_type", string(n.Signal)).
			Str("variant_id", n.VariantID).
			Dur("backoff", backoff).
			Msg("Failed to process signal, retrying in place")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff < maxSignalBackoff {
			backoff *= 2
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.Error().Err(err).Msg("Failed to commit message")
	}
}

func (c *Consumer) Close() error {
	log.Info().Msg("Closing signal consumer")
	return c.reader.Close()
}
