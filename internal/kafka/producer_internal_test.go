package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"faultwatch/internal/config"
	"faultwatch/internal/models"
)

func newTestProducer(t *testing.T, retries int) *Producer {
	t.Helper()
	p, err := NewProducer([]string{"localhost:9092"}, "test-topic", config.ProducerConfig{
		PoolSize:     1,
		MaxRetries:   retries,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := newTestProducer(t, 3)

	calls := 0
	err := p.retry(context.Background(), 1, func() error {
		calls++
		if calls < 3 {
			return errors.New("leader not available")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	p := newTestProducer(t, 2)

	boom := errors.New("broker down")
	calls := 0
	err := p.retry(context.Background(), 1, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestRetry_ContextErrorNotRetried(t *testing.T) {
	p := newTestProducer(t, 5)

	calls := 0
	err := p.retry(context.Background(), 1, func() error {
		calls++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) || calls != 1 {
		t.Errorf("got err=%v calls=%d, want DeadlineExceeded after 1 call", err, calls)
	}
}

func TestEnvelopeMessage(t *testing.T) {
	env := models.NewEnvelope(models.Reading{MachineID: "M-202", Temperature: 84, Vibration: 3.1}, "node-1")

	msg, err := envelopeMessage(env)
	if err != nil {
		t.Fatalf("envelopeMessage: %v", err)
	}
	if string(msg.Key) != "M-202" {
		t.Errorf("key: got %q, want M-202", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["machine_id"] != "M-202" || headers["ingest_node"] != "node-1" || headers["envelope_version"] != "1" {
		t.Errorf("headers: got %v", headers)
	}
}

func TestRecord(t *testing.T) {
	p := newTestProducer(t, 0)

	p.record(3, 120, nil)
	p.record(2, 0, errors.New("x"))

	s := p.Stats()
	if s.MessagesSent != 3 || s.MessagesFailed != 2 || s.BytesWritten != 120 {
		t.Errorf("stats: got %+v", s)
	}
}
