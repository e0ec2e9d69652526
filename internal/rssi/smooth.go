// Package rssi conditions raw received-signal-strength samples and turns
// them into a rough distance estimate.
package rssi

import "math"

// Alpha bounds applied by ClampAlpha.
const (
	MinAlpha = 0.05
	MaxAlpha = 0.95
)

// SmoothingParams controls the exponential moving average.
type SmoothingParams struct {
	// Alpha is the weight of the new sample in (0,1).
	Alpha float64
	// OutlierDB limits how far a single sample may pull the average.
	OutlierDB float64
}

// DefaultSmoothing returns the production smoothing parameters.
func DefaultSmoothing() SmoothingParams {
	return SmoothingParams{Alpha: 0.35, OutlierDB: 12}
}

// ClampAlpha restricts a to [MinAlpha, MaxAlpha]. NaN maps to the default.
func ClampAlpha(a float64) float64 {
	if math.IsNaN(a) {
		return DefaultSmoothing().Alpha
	}
	return math.Max(MinAlpha, math.Min(MaxAlpha, a))
}

// Smooth blends raw into the running average prev. With no previous value
// the raw sample is returned unchanged. A sample further than OutlierDB from
// prev is pulled back to prev±OutlierDB before blending.
func Smooth(raw int, prev *float64, p SmoothingParams) float64 {
	x := float64(raw)
	if prev == nil {
		return x
	}
	s := *prev
	if p.OutlierDB > 0 && math.Abs(x-s) > p.OutlierDB {
		if x > s {
			x = s + p.OutlierDB
		} else {
			x = s - p.OutlierDB
		}
	}
	return p.Alpha*x + (1-p.Alpha)*s
}
