package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"faultwatch/internal/config"
	"faultwatch/internal/logger"
	"faultwatch/internal/metrics"
	"faultwatch/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// Producer writes to a single topic through a fixed pool of synchronous
// writers. Each write is retried with exponential backoff.
type Producer struct {
	cfg     config.ProducerConfig
	brokers []string
	topic   string
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	sent   atomic.Uint64
	failed atomic.Uint64
	bytes  atomic.Uint64
}

// NewProducer creates a producer for topic. Writers are lazy: no broker
// connection is made until the first write.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	p := &Producer{
		cfg:     cfg,
		brokers: brokers,
		topic:   topic,
		writers: make([]*kafka.Writer, 0, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}

	codec := compressionCodec(cfg.Compression)
	for i := 0; i < cfg.PoolSize; i++ {
		w := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // same machine, same partition
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  codec,
			// retries are ours
			MaxAttempts:            1,
			AllowAutoTopicCreation: true,
		}
		p.writers = append(p.writers, w)
		p.pool <- w
	}
	return p, nil
}

func compressionCodec(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// Topic returns the topic the producer writes to
func (p *Producer) Topic() string {
	return p.topic
}

// Publish writes one history envelope keyed by machine id
func (p *Producer) Publish(ctx context.Context, envelope *models.Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	msg, err := envelopeMessage(envelope)
	if err != nil {
		p.record(1, 0, err)
		return err
	}
	return p.send(ctx, msg)
}

// PublishBatch writes envelopes in one request. Envelopes that fail to
// serialize are counted and skipped.
func (p *Producer) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msgs := make([]kafka.Message, 0, len(envelopes))
	for _, env := range envelopes {
		msg, err := envelopeMessage(env)
		if err != nil {
			log := logger.WithMachine("kafka_producer", env.Reading.MachineID)
			log.Error().
				Err(err).
				Msg("dropping envelope that cannot be serialized")
			p.record(1, 0, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.send(ctx, msgs...)
}

// PublishMessage writes an arbitrary keyed payload, used for alert
// notifications.
func (p *Producer) PublishMessage(ctx context.Context, key string, value []byte, headers map[string]string) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.send(ctx, msg)
}

func envelopeMessage(env *models.Envelope) (kafka.Message, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return kafka.Message{
		Key:   []byte(env.PartitionKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "machine_id", Value: []byte(env.Reading.MachineID)},
			{Key: "ingest_node", Value: []byte(env.IngestNode)},
			{Key: "envelope_version", Value: []byte(strconv.Itoa(env.Version))},
		},
		Time: env.ReceivedAt,
	}, nil
}

// send borrows a writer and writes msgs with retry
func (p *Producer) send(ctx context.Context, msgs ...kafka.Message) error {
	start := time.Now()

	var size int
	for _, m := range msgs {
		size += len(m.Value)
	}

	var w *kafka.Writer
	select {
	case w = <-p.pool:
	case <-ctx.Done():
		p.record(len(msgs), 0, ctx.Err())
		return ctx.Err()
	}
	err := p.retry(ctx, len(msgs), func() error {
		return w.WriteMessages(ctx, msgs...)
	})
	p.pool <- w

	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	p.record(len(msgs), size, err)
	return err
}

// retry runs write up to MaxRetries+1 times, doubling the backoff after each
// failure. Context errors are not retried.
func (p *Producer) retry(ctx context.Context, batch int, write func() error) error {
	log := logger.WithComponent("kafka_producer")
	attempts := p.cfg.MaxRetries + 1
	backoff := p.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == attempts {
			break
		}

		log.Warn().
			Err(err).
			Str("topic", p.topic).
			Int("attempt", attempt).
			Int("batch_size", batch).
			Dur("backoff", backoff).
			Msg("kafka write failed, retrying")
		metrics.KafkaPublishRetries.Inc()

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		backoff *= 2
	}

	log.Error().
		Err(err).
		Str("topic", p.topic).
		Int("attempts", attempts).
		Int("batch_size", batch).
		Msg("kafka write failed")
	return fmt.Errorf("kafka write to %s failed after %d attempts: %w", p.topic, attempts, err)
}

// record updates counters for n messages of total size bytes
func (p *Producer) record(n, size int, err error) {
	if err != nil {
		p.failed.Add(uint64(n))
		metrics.KafkaPublishTotal.WithLabelValues(p.topic, "failed").Add(float64(n))
		return
	}
	p.sent.Add(uint64(n))
	p.bytes.Add(uint64(size))
	metrics.KafkaPublishTotal.WithLabelValues(p.topic, "success").Add(float64(n))
	metrics.KafkaBytesWritten.Add(float64(size))
}

// HealthCheck dials the first reachable broker
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no broker reachable: %w", lastErr)
}

// Close closes every writer. Later publishes return ErrProducerClosed.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// Stats returns producer counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.sent.Load(),
		MessagesFailed: p.failed.Load(),
		BytesWritten:   p.bytes.Load(),
	}
}
