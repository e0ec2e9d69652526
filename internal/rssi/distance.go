package rssi

import "math"

// DistanceParams configures the log-distance path loss model.
type DistanceParams struct {
	PathLossN     float64 // path-loss exponent n
	FallbackPower int     // reference power at 1 m when none is advertised
	MinPower      int     // plausible advertised range, inclusive
	MaxPower      int
	MinDistance   float64
	MaxDistance   float64
}

// DefaultDistance returns free-space defaults tuned for phones.
func DefaultDistance() DistanceParams {
	return DistanceParams{
		PathLossN:     2.0,
		FallbackPower: -59,
		MinPower:      -80,
		MaxPower:      -30,
		MinDistance:   0.1,
		MaxDistance:   100.0,
	}
}

// ReferencePower picks the advertised calibration value when it is plausible
// and the fallback otherwise.
func ReferencePower(calibrated *int, p DistanceParams) int {
	if calibrated != nil && *calibrated >= p.MinPower && *calibrated <= p.MaxPower {
		return *calibrated
	}
	return p.FallbackPower
}

// EstimateDistance converts a signal strength to metres using
// d = 10^((ref - rssi) / (10n)), clamped to [MinDistance, MaxDistance].
// It returns nil when signal is nil.
func EstimateDistance(signal *int, calibrated *int, p DistanceParams) *float64 {
	if signal == nil {
		return nil
	}
	n := p.PathLossN
	if n <= 0 {
		n = 2.0
	}
	ref := ReferencePower(calibrated, p)
	d := math.Pow(10, float64(ref-*signal)/(10*n))
	d = math.Max(p.MinDistance, math.Min(p.MaxDistance, d))
	return &d
}
