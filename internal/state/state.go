// Package state holds the latest known state of every machine. Each machine
// has at most one record; writes are last-write-wins on the reading's
// observation time.
package state

import (
	"context"
	"errors"

	"faultwatch/internal/models"
)

var (
	// ErrNotFound is returned by Get when no record exists for the machine.
	ErrNotFound = errors.New("state: machine not found")

	// ErrStaleWrite is returned by Put when the stored record was observed
	// after the one being written. The stored record is left untouched.
	ErrStaleWrite = errors.New("state: stale write")
)

// Store is the latest-state store keyed by machine id.
type Store interface {
	// Get returns a copy of the record for machineID or ErrNotFound.
	Get(ctx context.Context, machineID string) (*models.MachineState, error)

	// Put replaces the record for st.MachineID unless the stored record
	// has a later ObservedAt, in which case it returns ErrStaleWrite.
	// LastAlertSentAt never moves backwards: a stored stamp later than the
	// incoming one (or an incoming nil) is kept.
	Put(ctx context.Context, st *models.MachineState) error

	// List returns copies of all records ordered by machine id.
	List(ctx context.Context) ([]*models.MachineState, error)

	Close() error
}
