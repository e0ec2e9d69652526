package rssi

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestSmooth_FirstSample(t *testing.T) {
	got := Smooth(-70, nil, DefaultSmoothing())
	assert.Equal(t, -70.0, got)
}

func TestSmooth_Blend(t *testing.T) {
	p := SmoothingParams{Alpha: 0.5, OutlierDB: 12}
	got := Smooth(-60, floatPtr(-70), p)
	assert.InDelta(t, -65.0, got, 1e-9)
}

func TestSmooth_OutlierClamp(t *testing.T) {
	p := SmoothingParams{Alpha: 0.5, OutlierDB: 12}

	tests := []struct {
		name string
		raw  int
		prev float64
		want float64
	}{
		{"spike up clamped", -40, -70, 0.5*(-58) + 0.5*(-70)},
		{"drop clamped", -95, -70, 0.5*(-82) + 0.5*(-70)},
		{"at threshold not clamped", -58, -70, 0.5*(-58) + 0.5*(-70)},
		{"fractional prev", -40, -70.5, 0.5*(-58.5) + 0.5*(-70.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Smooth(tt.raw, floatPtr(tt.prev), p)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSmooth_Sequence(t *testing.T) {
	p := DefaultSmoothing()
	samples := []int{-60, -62, -90, -61}
	var s *float64
	var want float64
	for i, r := range samples {
		if i == 0 {
			want = float64(r)
		} else {
			x := float64(r)
			if math.Abs(x-want) > p.OutlierDB {
				if x > want {
					x = want + p.OutlierDB
				} else {
					x = want - p.OutlierDB
				}
			}
			want = p.Alpha*x + (1-p.Alpha)*want
		}
		v := Smooth(r, s, p)
		s = &v
		assert.InDelta(t, want, v, 1e-9, "sample %d", i)
	}
}

func TestClampAlpha(t *testing.T) {
	assert.Equal(t, MinAlpha, ClampAlpha(0))
	assert.Equal(t, MaxAlpha, ClampAlpha(1.5))
	assert.Equal(t, 0.35, ClampAlpha(0.35))
	assert.Equal(t, 0.35, ClampAlpha(math.NaN()))
}

func TestEstimateDistance(t *testing.T) {
	p := DefaultDistance()

	d := EstimateDistance(intPtr(-65), nil, p)
	require.NotNil(t, d)
	assert.InDelta(t, 1.995, *d, 0.001)

	assert.Nil(t, EstimateDistance(nil, nil, p))

	// pathological values are clamped
	assert.Equal(t, 0.1, *EstimateDistance(intPtr(0), nil, p))
	assert.Equal(t, 100.0, *EstimateDistance(intPtr(-200), nil, p))
}

func TestReferencePower(t *testing.T) {
	p := DefaultDistance()
	tests := []struct {
		name string
		in   *int
		want int
	}{
		{"nil uses fallback", nil, -59},
		{"plausible", intPtr(-65), -65},
		{"lower bound", intPtr(-80), -80},
		{"upper bound", intPtr(-30), -30},
		{"too weak", intPtr(-81), -59},
		{"too strong", intPtr(-12), -59},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReferencePower(tt.in, p))
		})
	}
}

func TestEstimateDistance_UsesCalibratedPower(t *testing.T) {
	p := DefaultDistance()
	d := EstimateDistance(intPtr(-65), intPtr(-65), p)
	require.NotNil(t, d)
	assert.InDelta(t, 1.0, *d, 1e-9)
}

func TestCalibrate(t *testing.T) {
	c, err := Calibrate([]int{-60, -58, -61, -59, -90})
	require.NoError(t, err)
	assert.Equal(t, 5, c.Samples)
	assert.Equal(t, -60.0, c.Median)
	assert.Equal(t, -60, c.ReferencePower)
	assert.InDelta(t, -65.6, c.Mean, 1e-9)
	assert.Greater(t, c.StdDev, 0.0)

	_, err = Calibrate([]int{-60, -61})
	assert.True(t, errors.Is(err, ErrTooFewSamples))
}
