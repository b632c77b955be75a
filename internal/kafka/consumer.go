package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"faultwatch/internal/logger"
	"faultwatch/internal/metrics"
	"faultwatch/internal/models"
)

// IngestFunc receives one decoded telemetry payload. Returning a
// *models.ValidationError marks the message as invalid rather than failed.
type IngestFunc func(ctx context.Context, in *models.TelemetryInput) error

// Consumer reads telemetry payloads from a topic and hands them to an
// IngestFunc. Offsets are committed after each message is handled, whatever
// the outcome, so a malformed payload is never redelivered.
type Consumer struct {
	reader *kafka.Reader
	ingest IngestFunc

	// Metrics
	consumed atomic.Uint64
	invalid  atomic.Uint64
	failed   atomic.Uint64
}

// NewConsumer creates a consumer-group reader on topic
func NewConsumer(brokers []string, topic, groupID string, ingest IngestFunc) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if ingest == nil {
		return nil, errors.New("ingest func is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // synchronous commits
		StartOffset:    kafka.LastOffset,
	})

	return &Consumer{reader: reader, ingest: ingest}, nil
}

// Start consumes until ctx is cancelled or the reader is closed
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	cfg := c.reader.Config()
	log.Info().
		Str("topic", cfg.Topic).
		Str("group_id", cfg.GroupID).
		Msg("starting telemetry consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Error().Err(err).Msg("failed to fetch message")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit offset")
		}
	}
}

// handle decodes and ingests one message
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	log := logger.WithComponent("kafka_consumer")

	var in models.TelemetryInput
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		c.invalid.Add(1)
		metrics.KafkaMessagesConsumed.WithLabelValues("invalid").Inc()
		log.Warn().
			Err(err).
			Int64("offset", msg.Offset).
			Msg("dropping undecodable telemetry message")
		return
	}

	err := c.ingest(ctx, &in)
	var vErr *models.ValidationError
	switch {
	case err == nil:
		c.consumed.Add(1)
		metrics.KafkaMessagesConsumed.WithLabelValues("ingested").Inc()
	case errors.As(err, &vErr):
		c.invalid.Add(1)
		metrics.KafkaMessagesConsumed.WithLabelValues("invalid").Inc()
		log.Warn().
			Err(err).
			Str("field", vErr.Field).
			Int64("offset", msg.Offset).
			Msg("dropping invalid telemetry message")
	default:
		c.failed.Add(1)
		metrics.KafkaMessagesConsumed.WithLabelValues("failed").Inc()
		log.Error().
			Err(err).
			Str("machine_id", in.MachineID).
			Int64("offset", msg.Offset).
			Msg("failed to ingest telemetry message")
	}
}

// Stop closes the underlying reader
func (c *Consumer) Stop() error {
	return c.reader.Close()
}

// Stats returns consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed: c.consumed.Load(),
		Invalid:  c.invalid.Load(),
		Failed:   c.failed.Load(),
	}
}

// ConsumerStats holds consumer metrics
type ConsumerStats struct {
	Consumed uint64 `json:"consumed"`
	Invalid  uint64 `json:"invalid"`
	Failed   uint64 `json:"failed"`
}
