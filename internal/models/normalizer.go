package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TelemetryInput is the wire format of an ingest payload. Numbers are kept raw
// so that missing fields and numeric strings can be told apart from zero.
type TelemetryInput struct {
	MachineID   string          `json:"machine_id"`
	Temperature json.RawMessage `json:"temperature"`
	Vibration   json.RawMessage `json:"vibration"`
}

// NormalizeMachineID trims surrounding whitespace from a machine identifier
func NormalizeMachineID(id string) string {
	return strings.TrimSpace(id)
}

// ToReading converts the input into a validated Reading. Numeric strings such as
// "71.5" are accepted.
func (in *TelemetryInput) ToReading() (Reading, error) {
	r := Reading{MachineID: NormalizeMachineID(in.MachineID)}

	temp, err := parseNumber(in.Temperature)
	if err != nil {
		if err == errMissing {
			err = ErrMissingTemperature
		}
		return Reading{}, &ValidationError{Field: "temperature", Err: err}
	}
	r.Temperature = temp

	vib, err := parseNumber(in.Vibration)
	if err != nil {
		if err == errMissing {
			err = ErrMissingVibration
		}
		return Reading{}, &ValidationError{Field: "vibration", Err: err}
	}
	r.Vibration = vib

	if err := r.Validate(); err != nil {
		return Reading{}, err
	}
	return r, nil
}

var errMissing = errors.New("missing")

func parseNumber(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errMissing
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, fmt.Errorf("invalid number: %w", err)
		}
		s = strings.TrimSpace(str)
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if !IsFinite(v) {
		return 0, ErrNonFinite
	}
	return v, nil
}
