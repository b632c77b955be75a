package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Classification is the discrete risk tier assigned to a reading
type Classification string

const (
	ClassificationPending   Classification = "PENDING"
	ClassificationNormal    Classification = "NORMAL"
	ClassificationWarning   Classification = "WARNING"
	ClassificationFaultSoon Classification = "FAULT_SOON"
)

// IsValid checks if the classification is one of the known tiers
func (c Classification) IsValid() bool {
	switch c {
	case ClassificationPending, ClassificationNormal, ClassificationWarning, ClassificationFaultSoon:
		return true
	default:
		return false
	}
}

// IsResolved reports whether the classification came out of the scorer
func (c Classification) IsResolved() bool {
	return c == ClassificationNormal || c == ClassificationWarning || c == ClassificationFaultSoon
}

// Reading is a single telemetry sample from a machine. Readings are never mutated.
type Reading struct {
	// Machine identifier, e.g. "M-202"
	MachineID string `json:"machine_id"`

	// Temperature in degrees Celsius
	Temperature float64 `json:"temperature"`

	// Vibration amplitude as reported by the sensor
	Vibration float64 `json:"vibration"`

	// Time the reading was ingested
	ObservedAt time.Time `json:"observed_at"`
}

// MachineState is the latest known reading of a machine plus its derived classification
type MachineState struct {
	MachineID      string         `json:"machine_id"`
	Temperature    float64        `json:"temperature"`
	Vibration      float64        `json:"vibration"`
	Classification Classification `json:"classification"`

	// Zero while Classification is PENDING
	Confidence float64 `json:"confidence"`

	ObservedAt      time.Time  `json:"observed_at"`
	LastAlertSentAt *time.Time `json:"last_alert_sent_at,omitempty"`
}

// Reading returns the reading the state was derived from
func (s *MachineState) Reading() Reading {
	return Reading{
		MachineID:   s.MachineID,
		Temperature: s.Temperature,
		Vibration:   s.Vibration,
		ObservedAt:  s.ObservedAt,
	}
}

// Clone returns a deep copy of the state
func (s *MachineState) Clone() *MachineState {
	cp := *s
	if s.LastAlertSentAt != nil {
		t := *s.LastAlertSentAt
		cp.LastAlertSentAt = &t
	}
	return &cp
}

// PendingState builds the state written on ingest. The alert stamp of the
// previous state (if any) carries over so suppression survives the reset.
func PendingState(r Reading, prev *MachineState) *MachineState {
	st := &MachineState{
		MachineID:      r.MachineID,
		Temperature:    r.Temperature,
		Vibration:      r.Vibration,
		Classification: ClassificationPending,
		ObservedAt:     r.ObservedAt,
	}
	if prev != nil && prev.LastAlertSentAt != nil {
		t := *prev.LastAlertSentAt
		st.LastAlertSentAt = &t
	}
	return st
}

// Validation errors
var (
	ErrEmptyMachineID     = errors.New("machine_id cannot be empty")
	ErrMachineIDTooLong   = errors.New("machine_id exceeds maximum length")
	ErrMissingTemperature = errors.New("temperature is required")
	ErrMissingVibration   = errors.New("vibration is required")
	ErrNonFinite          = errors.New("value must be a finite number")
)

const (
	MaxMachineIDLength = 128
)

// ValidationError describes a malformed field in an ingest payload
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks that the reading can be handed to the scorer
func (r *Reading) Validate() error {
	if r.MachineID == "" {
		return &ValidationError{Field: "machine_id", Err: ErrEmptyMachineID}
	}

	if len(r.MachineID) > MaxMachineIDLength {
		return &ValidationError{Field: "machine_id", Err: ErrMachineIDTooLong}
	}

	if !IsFinite(r.Temperature) {
		return &ValidationError{Field: "temperature", Err: ErrNonFinite}
	}

	if !IsFinite(r.Vibration) {
		return &ValidationError{Field: "vibration", Err: ErrNonFinite}
	}

	return nil
}

// IsFinite reports whether v is neither NaN nor an infinity
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// RoundConfidence rounds a confidence to two decimal places for presentation
func RoundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}
