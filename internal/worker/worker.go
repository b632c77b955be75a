// Package worker moves history envelopes off the ingest path: readings are
// queued in memory and published in batches by a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"faultwatch/internal/logger"
	"faultwatch/internal/metrics"
	"faultwatch/internal/models"
)

// Queue errors
var (
	ErrQueueFull  = errors.New("history queue is full")
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Publisher delivers envelopes, usually to Kafka
type Publisher interface {
	Publish(ctx context.Context, envelope *models.Envelope) error
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error
}

// Config holds worker pool configuration
type Config struct {
	Publisher      Publisher
	QueueSize      int
	Workers        int
	BatchSize      int
	BatchTimeout   time.Duration
	PublishTimeout time.Duration
}

// Pool drains a bounded queue with Workers goroutines. A batch is flushed
// when it reaches BatchSize or BatchTimeout elapses, whichever comes first.
type Pool struct {
	cfg   Config
	queue chan *models.Envelope

	// guards queue against send-after-close
	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewPool creates a pool. Zero config values take defaults.
func NewPool(cfg Config) *Pool {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	metrics.WorkerQueueCapacity.Set(float64(cfg.QueueSize))

	return &Pool{
		cfg:   cfg,
		queue: make(chan *models.Envelope, cfg.QueueSize),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.cfg.Workers).
		Int("batch_size", p.cfg.BatchSize).
		Dur("batch_timeout", p.cfg.BatchTimeout).
		Int("queue_size", p.cfg.QueueSize).
		Msg("starting worker pool")

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Enqueue hands an envelope to the workers without blocking
func (p *Pool) Enqueue(envelope *models.Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- envelope:
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits until everything queued is published.
// Safe to call more than once.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	log.Info().Int("pending", len(p.queue)).Msg("stopping worker pool")
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// run restarts the drain loop after a panic so the pool keeps its size
func (p *Pool) run(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	for !p.drain(log) {
	}
	log.Debug().Msg("worker stopped")
}

// drain batches envelopes until the queue is closed, then flushes and
// returns true. It returns false if a panic was recovered; the batch in
// hand at that point counts as failed.
func (p *Pool) drain(log zerolog.Logger) (done bool) {
	batch := make([]*models.Envelope, 0, p.cfg.BatchSize)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Int("lost", len(batch)).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			p.fail(len(batch))
			done = false
		}
	}()

	timer := time.NewTimer(p.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			p.flush(log, batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case env, ok := <-p.queue:
			if !ok {
				flush()
				return true
			}
			metrics.WorkerQueueSize.Set(float64(len(p.queue)))
			batch = append(batch, env)
			if len(batch) >= p.cfg.BatchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.BatchTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(p.cfg.BatchTimeout)
		}
	}
}

// flush publishes batch in one call, falling back to one call per envelope
// so a single bad record does not sink its neighbours
func (p *Pool) flush(log zerolog.Logger, batch []*models.Envelope) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	err := p.cfg.Publisher.PublishBatch(ctx, batch)
	cancel()

	elapsed := time.Since(start)
	metrics.WorkerBatchPublishDuration.Observe(elapsed.Seconds())

	if err == nil {
		log.Debug().Int("batch_size", len(batch)).Dur("duration", elapsed).Msg("history batch published")
		p.succeed(len(batch))
		return
	}

	log.Warn().
		Err(err).
		Int("batch_size", len(batch)).
		Dur("duration", elapsed).
		Msg("history batch failed, publishing individually")

	for _, env := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout/2)
		err := p.cfg.Publisher.Publish(ctx, env)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("machine_id", env.Reading.MachineID).
				Time("observed_at", env.Reading.ObservedAt).
				Msg("history envelope lost")
			p.fail(1)
			continue
		}
		p.succeed(1)
	}
}

func (p *Pool) succeed(n int) {
	p.processed.Add(uint64(n))
	metrics.WorkerProcessedTotal.Add(float64(n))
}

func (p *Pool) fail(n int) {
	if n == 0 {
		return
	}
	p.failed.Add(uint64(n))
	metrics.WorkerFailedTotal.Add(float64(n))
}

// Stats holds worker pool counters
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Stats returns worker pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}
