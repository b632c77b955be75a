package worker

import (
	"context"

	"faultwatch/internal/models"
)

// QueueLog is a history log that hands readings to a Pool. Append only
// enqueues, so delivery to the publisher happens after the call returns.
type QueueLog struct {
	pool *Pool
	node string
}

// NewQueueLog wraps pool. node is stamped on every envelope as its ingest node.
func NewQueueLog(pool *Pool, node string) *QueueLog {
	return &QueueLog{pool: pool, node: node}
}

// Append enqueues r, returning ErrQueueFull instead of blocking ingest.
func (q *QueueLog) Append(_ context.Context, r models.Reading) error {
	return q.pool.Enqueue(models.NewEnvelope(r, q.node))
}

// Close stops the pool after draining queued readings.
func (q *QueueLog) Close() error {
	q.pool.Stop()
	return nil
}

// Stats exposes the underlying pool statistics.
func (q *QueueLog) Stats() Stats {
	return q.pool.Stats()
}
