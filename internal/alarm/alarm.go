// Package alarm derives display state from a tag's thresholds and recent
// history. It is a pure projection: no owned state, no side effects.
package alarm

import (
	"math"

	"github.com/opsgrid/tagdvr/internal/tag"
)

// State is the alarm classification of a value.
type State int

const (
	StateNormal State = iota
	StateWarning
	StateAlarm
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateWarning:
		return "warning"
	case StateAlarm:
		return "alarm"
	default:
		return "normal"
	}
}

// Trend is the short-term direction of a tag's recent values.
type Trend int

const (
	TrendStable Trend = iota
	TrendUp
	TrendDown
)

// String returns the string representation of the trend.
func (t Trend) String() string {
	switch t {
	case TrendUp:
		return "up"
	case TrendDown:
		return "down"
	default:
		return "stable"
	}
}

// trendWindow is the max number of preceding samples averaged for trend.
const trendWindow = 5

// TrendWindow is how many recent samples a projection considers: the
// latest value plus the preceding samples averaged for trend.
const TrendWindow = trendWindow + 1

// trendBand is the relative deviation beyond which a trend is reported.
const trendBand = 0.02

// Evaluate classifies a value against thresholds. Alarm thresholds outrank
// warning thresholds; exactly one state results. Unconfigured (nil)
// thresholds never trigger.
func Evaluate(th tag.Thresholds, value float64) State {
	if th.AlarmLow != nil && value <= *th.AlarmLow {
		return StateAlarm
	}
	if th.AlarmHigh != nil && value >= *th.AlarmHigh {
		return StateAlarm
	}
	if th.WarningLow != nil && value <= *th.WarningLow {
		return StateWarning
	}
	if th.WarningHigh != nil && value >= *th.WarningHigh {
		return StateWarning
	}
	return StateNormal
}

// TrendOf computes the trend of a numeric window, oldest first. It needs at
// least 3 samples; the latest sample is compared against the mean of up to
// the preceding 5, and a deviation beyond 2% of that mean's magnitude
// reports up/down.
func TrendOf(window []float64) Trend {
	if len(window) < 3 {
		return TrendStable
	}

	latest := window[len(window)-1]
	prior := window[:len(window)-1]
	if len(prior) > trendWindow {
		prior = prior[len(prior)-trendWindow:]
	}

	var sum float64
	for _, v := range prior {
		sum += v
	}
	mean := sum / float64(len(prior))

	band := trendBand * math.Abs(mean)
	switch {
	case latest > mean+band:
		return TrendUp
	case latest < mean-band:
		return TrendDown
	default:
		return TrendStable
	}
}

// Projection is the derived display state for one tag.
type Projection struct {
	State State `json:"alarmState"`
	Trend Trend `json:"trend"`
}

// Project derives alarm state and trend from a tag's thresholds and its
// recent values (oldest first). Values with unusable quality are excluded
// from the trend window; the alarm state reflects the latest usable value.
// No usable values yields a normal/stable projection.
func Project(th tag.Thresholds, recent []tag.Value) Projection {
	window := make([]float64, 0, len(recent))
	for _, v := range recent {
		if v.Quality.Usable() {
			window = append(window, v.Numeric)
		}
	}

	p := Projection{State: StateNormal, Trend: TrendStable}
	if len(window) == 0 {
		return p
	}

	p.State = Evaluate(th, window[len(window)-1])
	p.Trend = TrendOf(window)
	return p
}
