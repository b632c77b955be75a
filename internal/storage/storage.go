// Package storage holds the append-only history of ingested readings and
// the shared SQLite handle used by the relational backends.
package storage

import (
	"context"

	"faultwatch/internal/models"
)

// HistoryLog records every ingested reading. Appends must not block ingest
// for long; implementations that forward to remote systems buffer.
type HistoryLog interface {
	Append(ctx context.Context, r models.Reading) error
	Close() error
}

// HistoryReader is implemented by logs that can serve recent readings back.
type HistoryReader interface {
	// Recent returns up to limit readings for machineID, newest first.
	Recent(ctx context.Context, machineID string, limit int) ([]models.Reading, error)
}

type nopHistory struct{}

// NewNopHistory returns a HistoryLog that discards every reading.
func NewNopHistory() HistoryLog { return nopHistory{} }

func (nopHistory) Append(context.Context, models.Reading) error { return nil }
func (nopHistory) Close() error                                 { return nil }
