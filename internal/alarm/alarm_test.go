package alarm

import (
	"testing"

	"github.com/opsgrid/tagdvr/internal/tag"
)

func f(v float64) *float64 { return &v }

func standardThresholds() tag.Thresholds {
	return tag.Thresholds{
		AlarmLow:    f(10),
		WarningLow:  f(20),
		WarningHigh: f(80),
		AlarmHigh:   f(90),
	}
}

func TestEvaluate(t *testing.T) {
	th := standardThresholds()

	tests := []struct {
		name  string
		value float64
		want  State
	}{
		{"at alarm low", 10, StateAlarm},
		{"below alarm low", 5, StateAlarm},
		{"at warning low", 15, StateWarning},
		{"warning low boundary", 20, StateWarning},
		{"normal", 50, StateNormal},
		{"just below warning high", 79.9, StateNormal},
		{"at warning high", 80, StateWarning},
		{"at alarm high", 90, StateAlarm},
		{"above alarm high", 120, StateAlarm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(th, tt.value); got != tt.want {
				t.Errorf("Evaluate(%f) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestEvaluate_AlarmOutranksWarning(t *testing.T) {
	// Overlapping limits: a value at or below alarmLow must classify as
	// alarm even though it is also below warningLow.
	th := tag.Thresholds{
		AlarmLow:   f(30),
		WarningLow: f(30),
	}
	if got := Evaluate(th, 30); got != StateAlarm {
		t.Errorf("alarm must outrank warning, got %s", got)
	}
}

func TestEvaluate_UnconfiguredThresholds(t *testing.T) {
	if got := Evaluate(tag.Thresholds{}, 1e9); got != StateNormal {
		t.Errorf("no thresholds should never trigger, got %s", got)
	}

	th := tag.Thresholds{AlarmHigh: f(100)}
	if got := Evaluate(th, -1e9); got != StateNormal {
		t.Errorf("unconfigured low limits should not trigger, got %s", got)
	}
}

func TestTrendOf(t *testing.T) {
	tests := []struct {
		name   string
		window []float64
		want   Trend
	}{
		{"too few samples", []float64{1, 100}, TrendStable},
		{"empty", nil, TrendStable},
		{"flat", []float64{50, 50, 50, 50}, TrendStable},
		{"rising", []float64{50, 50, 50, 60}, TrendUp},
		{"falling", []float64{50, 50, 50, 40}, TrendDown},
		{"within 2 percent band", []float64{100, 100, 101}, TrendStable},
		{"just outside band up", []float64{100, 100, 103}, TrendUp},
		{"just outside band down", []float64{100, 100, 97}, TrendDown},
		// Only the preceding 5 samples count: the early outliers are
		// ignored by the window.
		{"window limited to 5", []float64{1000, 1000, 50, 50, 50, 50, 50, 50}, TrendStable},
		{"negative mean", []float64{-100, -100, -100, -90}, TrendUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrendOf(tt.window); got != tt.want {
				t.Errorf("TrendOf(%v) = %s, want %s", tt.window, got, tt.want)
			}
		})
	}
}

func TestProject(t *testing.T) {
	th := standardThresholds()

	recent := []tag.Value{
		{Numeric: 50, Quality: tag.QualityGood},
		{Numeric: 50, Quality: tag.QualityGood},
		{Numeric: 50, Quality: tag.QualityGood},
		{Numeric: 85, Quality: tag.QualityGood},
	}

	p := Project(th, recent)
	if p.State != StateWarning {
		t.Errorf("expected warning state, got %s", p.State)
	}
	if p.Trend != TrendUp {
		t.Errorf("expected up trend, got %s", p.Trend)
	}
}

func TestProject_SkipsUnusableQuality(t *testing.T) {
	th := standardThresholds()

	recent := []tag.Value{
		{Numeric: 50, Quality: tag.QualityGood},
		{Numeric: 50, Quality: tag.QualityGood},
		{Numeric: 50, Quality: tag.QualityGood},
		// The bad-quality spike must not drive the alarm state.
		{Numeric: 9999, Quality: tag.QualityBad},
	}

	p := Project(th, recent)
	if p.State != StateNormal {
		t.Errorf("bad-quality value drove alarm state: %s", p.State)
	}
	if p.Trend != TrendStable {
		t.Errorf("bad-quality value drove trend: %s", p.Trend)
	}
}

func TestProject_NoUsableValues(t *testing.T) {
	recent := []tag.Value{
		{Numeric: 1, Quality: tag.QualityNoConnection},
	}
	p := Project(standardThresholds(), recent)
	if p.State != StateNormal || p.Trend != TrendStable {
		t.Errorf("no usable values should project normal/stable, got %+v", p)
	}
}
