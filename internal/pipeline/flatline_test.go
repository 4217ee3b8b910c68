package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testFlatlineConfig = FlatlineConfig{
	ThresholdDB:   -55.0,
	MinDurationMs: 5000,
	RecoveryMs:    2000,
}

func TestFlatlineConfirmsAfterMinDuration(t *testing.T) {
	d := NewFlatlineDetector()
	base := time.Now()

	event := d.Update(-60, testFlatlineConfig, base)
	assert.False(t, event.InFlatline)
	assert.False(t, event.JustEntered)

	event = d.Update(-60, testFlatlineConfig, base.Add(3*time.Second))
	assert.False(t, event.InFlatline)

	event = d.Update(-60, testFlatlineConfig, base.Add(5*time.Second))
	assert.True(t, event.InFlatline)
	assert.True(t, event.JustEntered)
	assert.Equal(t, int64(5000), event.DurationMs)

	// Subsequent flat windows report duration without re-entering
	event = d.Update(-60, testFlatlineConfig, base.Add(6*time.Second))
	assert.True(t, event.InFlatline)
	assert.False(t, event.JustEntered)
	assert.Equal(t, int64(6000), event.DurationMs)
}

func TestFlatlineRecoveryNeedsSustainedSignal(t *testing.T) {
	d := NewFlatlineDetector()
	base := time.Now()

	d.Update(-60, testFlatlineConfig, base)
	d.Update(-60, testFlatlineConfig, base.Add(5*time.Second))

	// Signal returns but has not held long enough yet
	event := d.Update(-10, testFlatlineConfig, base.Add(6*time.Second))
	assert.True(t, event.InFlatline)
	assert.False(t, event.JustRecovered)

	// A dip back below threshold resets the recovery clock
	d.Update(-60, testFlatlineConfig, base.Add(7*time.Second))
	event = d.Update(-10, testFlatlineConfig, base.Add(8*time.Second))
	assert.True(t, event.InFlatline)
	assert.False(t, event.JustRecovered)

	// Sustained signal completes the recovery
	event = d.Update(-10, testFlatlineConfig, base.Add(10*time.Second))
	assert.True(t, event.JustRecovered)
	assert.False(t, event.InFlatline)
	assert.Equal(t, int64(7000), event.TotalDurationMs)
	assert.Equal(t, int64(2000), event.RecoveryMs)

	// Fully recovered: flat clock starts fresh
	event = d.Update(-60, testFlatlineConfig, base.Add(11*time.Second))
	assert.False(t, event.InFlatline)
}

func TestFlatlineShortDipDoesNotTrigger(t *testing.T) {
	d := NewFlatlineDetector()
	base := time.Now()

	d.Update(-60, testFlatlineConfig, base)
	event := d.Update(-10, testFlatlineConfig, base.Add(2*time.Second))
	assert.False(t, event.InFlatline)

	// The earlier dip must not count toward a later one
	event = d.Update(-60, testFlatlineConfig, base.Add(3*time.Second))
	assert.False(t, event.InFlatline)
	event = d.Update(-60, testFlatlineConfig, base.Add(7*time.Second))
	assert.False(t, event.InFlatline)
	event = d.Update(-60, testFlatlineConfig, base.Add(8*time.Second))
	assert.True(t, event.JustEntered)
}

func TestFlatlineReset(t *testing.T) {
	d := NewFlatlineDetector()
	base := time.Now()

	d.Update(-60, testFlatlineConfig, base)
	d.Update(-60, testFlatlineConfig, base.Add(5*time.Second))
	d.Reset()

	event := d.Update(-60, testFlatlineConfig, base.Add(6*time.Second))
	assert.False(t, event.InFlatline)
}

func TestCalculateLevels(t *testing.T) {
	data := &LevelData{}
	AccumulateSamples([]float64{0.5, -0.5, 0.5, -0.5}, data)

	levels := CalculateLevels(data)
	assert.InDelta(t, -6.02, levels.RMS, 0.01)
	assert.InDelta(t, -6.02, levels.Peak, 0.01)

	data.Reset()
	levels = CalculateLevels(data)
	assert.Equal(t, MinDB, levels.RMS)
	assert.Equal(t, MinDB, levels.Peak)

	// Dead signal clamps to the floor instead of -Inf
	AccumulateSamples(make([]float64, 50), data)
	levels = CalculateLevels(data)
	assert.Equal(t, MinDB, levels.RMS)
}

func TestPeakHold(t *testing.T) {
	p := NewPeakHolder()
	p.SetHoldDuration(time.Second)
	base := time.Now()

	assert.Equal(t, -3.0, p.Update(-3.0, base))
	// Lower peak within the hold window keeps the held value
	assert.Equal(t, -3.0, p.Update(-20.0, base.Add(500*time.Millisecond)))
	// After the hold expires the lower value takes over
	assert.Equal(t, -20.0, p.Update(-20.0, base.Add(2*time.Second)))

	p.Reset()
	assert.Equal(t, -12.0, p.Update(-12.0, base.Add(3*time.Second)))
}
