package rssi

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ErrTooFewSamples is returned by Calibrate when fewer than MinCalibrationSamples
// readings are supplied.
var ErrTooFewSamples = errors.New("rssi: too few calibration samples")

// MinCalibrationSamples is the smallest sample set Calibrate accepts.
const MinCalibrationSamples = 3

// Calibration summarises RSSI samples taken with the device held at 1 m.
type Calibration struct {
	Samples        int
	Mean           float64
	StdDev         float64
	Median         float64
	ReferencePower int // rounded median, suitable as FallbackPower
}

// Calibrate derives a 1 m reference power from raw samples. The median is
// used so a few reflections do not skew the result.
func Calibrate(samples []int) (Calibration, error) {
	if len(samples) < MinCalibrationSamples {
		return Calibration{}, fmt.Errorf("%w: got %d, need %d", ErrTooFewSamples, len(samples), MinCalibrationSamples)
	}
	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s)
	}
	sort.Float64s(xs)

	mean, std := stat.MeanStdDev(xs, nil)
	median := stat.Quantile(0.5, stat.Empirical, xs, nil)
	return Calibration{
		Samples:        len(xs),
		Mean:           mean,
		StdDev:         std,
		Median:         median,
		ReferencePower: int(math.Round(median)),
	}, nil
}
