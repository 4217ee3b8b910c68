package pipeline

import "math"

const (
	// MinDB is the metering floor in dB relative to full scale.
	MinDB = -60.0
	// FullScale is the reference amplitude for dB conversion. Transport frames
	// carry normalized samples, so full scale is 1.0.
	FullScale = 1.0
)

// LevelData accumulates sample statistics for one metering window.
type LevelData struct {
	SumSquares  float64
	Peak        float64
	SampleCount int
}

// AccumulateSamples folds a slice of normalized samples into the accumulator.
func AccumulateSamples(samples []float64, data *LevelData) {
	for _, s := range samples {
		data.SumSquares += s * s
		if abs := math.Abs(s); abs > data.Peak {
			data.Peak = abs
		}
		data.SampleCount++
	}
}

// Levels contains calculated channel levels in dB relative to full scale.
type Levels struct {
	RMS  float64
	Peak float64
}

// CalculateLevels computes RMS and peak levels from accumulated sample data.
func CalculateLevels(data *LevelData) Levels {
	if data.SampleCount == 0 {
		return Levels{RMS: MinDB, Peak: MinDB}
	}

	rms := math.Sqrt(data.SumSquares / float64(data.SampleCount))

	db := 20 * math.Log10(rms/FullScale)
	peakDB := 20 * math.Log10(data.Peak/FullScale)

	return Levels{
		RMS:  max(db, MinDB),
		Peak: max(peakDB, MinDB),
	}
}

// Reset resets accumulators for the next metering window.
func (d *LevelData) Reset() {
	d.SumSquares = 0
	d.Peak = 0
	d.SampleCount = 0
}
