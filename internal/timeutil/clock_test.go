package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, clock.Since(before), time.Duration(0))

	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestMockClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, clock.Since(start))

	clock.Set(start)
	assert.True(t, clock.Now().Equal(start))
}

func pending(tk Ticker) (time.Time, bool) {
	select {
	case v := <-tk.C():
		return v, true
	default:
		return time.Time{}, false
	}
}

func TestMockTicker_FiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	_, ok := pending(ticker)
	assert.False(t, ok, "fired before its interval")

	clock.Advance(500 * time.Millisecond)
	got, ok := pending(ticker)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Unix(1, 0)))
}

func TestMockTicker_SlowReaderSeesOneTick(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
	}
	got, ok := pending(ticker)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Unix(1, 0)), "first tick is kept")
	_, ok = pending(ticker)
	assert.False(t, ok)
}

func TestMockTicker_Stop(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	a := clock.NewTicker(time.Second)
	b := clock.NewTicker(time.Second)
	assert.Equal(t, 2, clock.Tickers())

	a.Stop()
	a.Stop()
	assert.Equal(t, 1, clock.Tickers())

	clock.Advance(2 * time.Second)
	_, ok := pending(a)
	assert.False(t, ok, "stopped ticker fired")
	_, ok = pending(b)
	assert.True(t, ok)
}

func TestMockClock_NewTickerRejectsZero(t *testing.T) {
	assert.Panics(t, func() { NewMockClock(time.Unix(0, 0)).NewTicker(0) })
}
