package scoring

import (
	"math"
	"testing"

	"faultwatch/internal/models"
)

func TestScore_Boundaries(t *testing.T) {
	tests := []struct {
		name string
		temp float64
		vib  float64
		want models.Classification
	}{
		{"temp critical exactly", 82.0, 0.0, models.ClassificationFaultSoon},
		{"temp just below critical", 81.99, 0.0, models.ClassificationWarning},
		{"vib critical exactly", 60.0, 3.0, models.ClassificationFaultSoon},
		{"vib just below critical", 60.0, 2.99, models.ClassificationWarning},
		{"temp warn exactly", 74.0, 0.0, models.ClassificationWarning},
		{"vib warn exactly", 60.0, 2.3, models.ClassificationWarning},
		{"below both warn", 73.99, 1.5, models.ClassificationNormal},
		{"cold idle", 20.0, 0.1, models.ClassificationNormal},
		{"simulated fault", 84.0, 3.1, models.ClassificationFaultSoon},
		{"simulated warning", 76.0, 2.5, models.ClassificationWarning},
		{"simulated normal", 65.0, 1.4, models.ClassificationNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Score(tt.temp, tt.vib)
			if got != tt.want {
				t.Errorf("Score(%v, %v) = %s, want %s", tt.temp, tt.vib, got, tt.want)
			}
		})
	}
}

func TestScore_TierBounds(t *testing.T) {
	temps := []float64{-1e6, -40, 0, 30, 59.9, 60, 65, 73.99, 74, 78, 81.99, 82, 90, 150, 1e6}
	vibs := []float64{-1e3, -1, 0, 0.5, 1, 1.4, 2.29, 2.3, 2.7, 2.99, 3, 5, 10, 1e3}

	for _, temp := range temps {
		for _, vib := range vibs {
			class, conf := Score(temp, vib)
			if conf < 0 || conf > 1 || math.IsNaN(conf) {
				t.Fatalf("Score(%v, %v): confidence %v outside [0,1]", temp, vib, conf)
			}
			switch class {
			case models.ClassificationFaultSoon:
				if conf < FaultSoonFloor {
					t.Errorf("Score(%v, %v): FAULT_SOON confidence %v below floor", temp, vib, conf)
				}
			case models.ClassificationWarning:
				if conf < WarningFloor {
					t.Errorf("Score(%v, %v): WARNING confidence %v below floor", temp, vib, conf)
				}
			case models.ClassificationNormal:
				if conf > NormalCeiling {
					t.Errorf("Score(%v, %v): NORMAL confidence %v above ceiling", temp, vib, conf)
				}
			default:
				t.Errorf("Score(%v, %v): unexpected classification %s", temp, vib, class)
			}
		}
	}
}

func TestScore_ExtremeFiniteInputs(t *testing.T) {
	pairs := [][2]float64{
		{math.MaxFloat64, math.MaxFloat64},
		{-math.MaxFloat64, math.MaxFloat64},
		{math.MaxFloat64, -math.MaxFloat64},
		{-math.MaxFloat64, -math.MaxFloat64},
		{math.SmallestNonzeroFloat64, 0},
	}
	for _, p := range pairs {
		class, conf := Score(p[0], p[1])
		if !class.IsResolved() {
			t.Errorf("Score(%v, %v): unresolved classification %s", p[0], p[1], class)
		}
		if math.IsNaN(conf) || conf < 0 || conf > 1 {
			t.Errorf("Score(%v, %v): confidence %v outside [0,1]", p[0], p[1], conf)
		}
	}
}

func TestScore_FloorPreservesHighConfidence(t *testing.T) {
	// 95C / 4.0 gives a raw sigmoid well above the 0.85 floor
	raw := RawConfidence(95, 4.0)
	if raw <= FaultSoonFloor {
		t.Fatalf("expected raw confidence above floor, got %v", raw)
	}
	_, conf := Score(95, 4.0)
	if conf != raw {
		t.Errorf("floor must not override a higher raw confidence: got %v, want %v", conf, raw)
	}
}

func TestScore_NormalCeiling(t *testing.T) {
	// just under both warn thresholds the raw score is already high
	raw := RawConfidence(73.9, 2.29)
	if raw <= NormalCeiling {
		t.Fatalf("expected raw confidence above ceiling, got %v", raw)
	}
	class, conf := Score(73.9, 2.29)
	if class != models.ClassificationNormal || conf != NormalCeiling {
		t.Errorf("got %s/%v, want NORMAL/%v", class, conf, NormalCeiling)
	}
}

func TestSigmoid(t *testing.T) {
	if got := Sigmoid(0); got != 0.5 {
		t.Errorf("Sigmoid(0) = %v, want 0.5", got)
	}
	if got := Sigmoid(1e9); got != 1 {
		t.Errorf("Sigmoid(1e9) = %v, want 1", got)
	}
	if got := Sigmoid(-1e9); got < 0 || got > 1e-200 {
		t.Errorf("Sigmoid(-1e9) = %v, want ~0", got)
	}
	if got := Sigmoid(math.Inf(1)); got != 1 {
		t.Errorf("Sigmoid(+Inf) = %v, want 1", got)
	}
}

func TestNew_CustomThresholds(t *testing.T) {
	s := New(Thresholds{TempCritical: 90, VibCritical: 5, TempWarn: 80, VibWarn: 4})
	if class, _ := s.Score(85, 1); class != models.ClassificationWarning {
		t.Errorf("custom thresholds: got %s, want WARNING", class)
	}
	if got := New(Thresholds{}).Thresholds(); got != DefaultThresholds {
		t.Errorf("zero thresholds: got %+v, want defaults", got)
	}
}

func TestScore_Deterministic(t *testing.T) {
	c1, p1 := Score(79.3, 2.1)
	c2, p2 := Score(79.3, 2.1)
	if c1 != c2 || p1 != p2 {
		t.Errorf("Score not deterministic: %s/%v vs %s/%v", c1, p1, c2, p2)
	}
}
