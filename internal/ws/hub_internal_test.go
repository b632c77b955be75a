package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"faultwatch/internal/models"
	"faultwatch/internal/state"
)

func hubWithMachine(t *testing.T) *Hub {
	t.Helper()
	st := state.NewMemoryStore()
	r := models.Reading{MachineID: "M-202", Temperature: 70, Vibration: 1.4, ObservedAt: time.Now()}
	if err := st.Put(context.Background(), models.PendingState(r, nil)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return New(st, time.Hour)
}

// clients registered without a connection; broadcast only touches their
// channels
func registerIdle(h *Hub, n int) []*client {
	cs := make([]*client, n)
	for i := range cs {
		cs[i] = newClient(nil)
		h.register(cs[i])
	}
	return cs
}

func TestHub_BroadcastWhileClientsDisconnect(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := hubWithMachine(t)
		clients := registerIdle(h, 2000)

		var wg sync.WaitGroup
		panics := make(chan interface{}, 1)

		wg.Add(2)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panics <- r
				}
			}()
			for i := 0; i < 5; i++ {
				h.broadcast(context.Background())
			}
		}()
		go func() {
			defer wg.Done()
			for _, c := range clients {
				h.unregister(c)
			}
		}()
		wg.Wait()

		select {
		case p := <-panics:
			t.Fatalf("round %d: broadcast panicked: %v", round, p)
		default:
		}
		if n := h.Count(); n != 0 {
			t.Fatalf("round %d: clients left: got %d, want 0", round, n)
		}
	}
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h := hubWithMachine(t)
	c := registerIdle(h, 1)[0]

	h.unregister(c)
	h.unregister(c)
	h.closeAll()

	select {
	case <-c.done:
	default:
		t.Fatal("done not closed after unregister")
	}
	if !c.offer([]byte("late")) {
		t.Error("offer to a stopped client should be a no-op, not a drop")
	}
}

func TestHub_DropsSlowConsumer(t *testing.T) {
	h := hubWithMachine(t)
	slow := registerIdle(h, 1)[0]
	for i := 0; i < sendBufSize; i++ {
		slow.send <- []byte(fmt.Sprintf("queued-%d", i))
	}
	fast := registerIdle(h, 1)[0]

	h.broadcast(context.Background())

	if h.Count() != 1 {
		t.Fatalf("clients: got %d, want 1", h.Count())
	}
	select {
	case <-slow.done:
	default:
		t.Error("slow client not stopped")
	}
	select {
	case msg := <-fast.send:
		if len(msg) == 0 {
			t.Error("empty snapshot")
		}
	default:
		t.Error("fast client got no snapshot")
	}
}
