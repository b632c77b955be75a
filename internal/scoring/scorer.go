// Package scoring turns a temperature/vibration pair into a risk classification
// and a confidence in [0,1]. It has no I/O and no shared state.
package scoring

import (
	"math"

	"faultwatch/internal/models"
)

// Thresholds are the tier boundaries of the decision ladder
type Thresholds struct {
	TempCritical float64 `yaml:"temp_critical"`
	VibCritical  float64 `yaml:"vib_critical"`
	TempWarn     float64 `yaml:"temp_warn"`
	VibWarn      float64 `yaml:"vib_warn"`
}

// DefaultThresholds are the boundaries the service ships with
var DefaultThresholds = Thresholds{
	TempCritical: 82.0,
	VibCritical:  3.0,
	TempWarn:     74.0,
	VibWarn:      2.3,
}

// Confidence bounds applied per tier
const (
	FaultSoonFloor = 0.85
	WarningFloor   = 0.45
	NormalCeiling  = 0.30
)

// Normalization and weights of the linear model
const (
	tempBaseline = 60.0
	tempSpan     = 30.0
	vibBaseline  = 1.0
	vibSpan      = 3.0

	tempWeight        = 2.5
	vibWeight         = 3.0
	interactionWeight = 0.8
	bias              = -1.2

	// exp() overflows past ~709; sigmoid is saturated long before 500
	sigmoidClamp = 500.0
)

// Scorer classifies readings against a fixed set of thresholds
type Scorer struct {
	thresholds Thresholds
}

// New returns a Scorer using t. Zero thresholds fall back to the defaults.
func New(t Thresholds) *Scorer {
	if t == (Thresholds{}) {
		t = DefaultThresholds
	}
	return &Scorer{thresholds: t}
}

// Thresholds returns the boundaries in use
func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}

// Score returns the classification and confidence for a reading.
// Inputs must be finite; callers validate upstream.
func (s *Scorer) Score(temperature, vibration float64) (models.Classification, float64) {
	confidence := RawConfidence(temperature, vibration)
	t := s.thresholds

	switch {
	case temperature >= t.TempCritical || vibration >= t.VibCritical:
		return models.ClassificationFaultSoon, math.Max(confidence, FaultSoonFloor)
	case temperature >= t.TempWarn || vibration >= t.VibWarn:
		return models.ClassificationWarning, math.Max(confidence, WarningFloor)
	default:
		return models.ClassificationNormal, math.Min(confidence, NormalCeiling)
	}
}

// Score classifies with the default thresholds
func Score(temperature, vibration float64) (models.Classification, float64) {
	return defaultScorer.Score(temperature, vibration)
}

var defaultScorer = New(DefaultThresholds)

// RawConfidence is the sigmoid of the weighted sensor scores, before any
// tier floor or ceiling is applied.
func RawConfidence(temperature, vibration float64) float64 {
	tempScore := (temperature - tempBaseline) / tempSpan
	vibScore := (vibration - vibBaseline) / vibSpan
	linear := tempWeight*tempScore + vibWeight*vibScore + bias
	interaction := interactionWeight * tempScore * vibScore
	z := linear + interaction
	if math.IsNaN(z) {
		// both terms overflowed with opposite signs; the quadratic term dominates
		z = interaction
	}
	return Sigmoid(z)
}

// Sigmoid is the logistic function with its argument clamped to avoid overflow
func Sigmoid(x float64) float64 {
	x = math.Max(-sigmoidClamp, math.Min(sigmoidClamp, x))
	return 1 / (1 + math.Exp(-x))
}
