package storage

import (
	"context"
	"sync"

	"faultwatch/internal/models"
)

// MemoryHistory keeps every reading per machine in memory, optionally
// capped to the newest retention readings.
type MemoryHistory struct {
	mu        sync.RWMutex
	retention int
	data      map[string][]models.Reading
}

// NewMemoryHistory creates a MemoryHistory that keeps at most retention
// readings per machine. A non-positive retention keeps everything.
func NewMemoryHistory(retention int) *MemoryHistory {
	if retention < 0 {
		retention = 0
	}
	return &MemoryHistory{
		retention: retention,
		data:      make(map[string][]models.Reading),
	}
}

func (h *MemoryHistory) Append(_ context.Context, r models.Reading) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rs := append(h.data[r.MachineID], r)
	if h.retention > 0 && len(rs) > h.retention {
		rs = rs[len(rs)-h.retention:]
	}
	h.data[r.MachineID] = rs
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, machineID string, limit int) ([]models.Reading, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rs := h.data[machineID]
	if limit <= 0 || limit > len(rs) {
		limit = len(rs)
	}
	out := make([]models.Reading, 0, limit)
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rs[i])
	}
	return out, nil
}

// Len returns the number of readings held for machineID.
func (h *MemoryHistory) Len(machineID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.data[machineID])
}

func (h *MemoryHistory) Close() error { return nil }
