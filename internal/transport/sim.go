package transport

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// simDevice is one entry in the simulated fleet.
type simDevice struct {
	ID       string // Advertised identifier
	Name     string // Display name
	Firmware string // Advertised firmware version
	baseRSSI int    // Mean signal strength in dBm
}

// defaultFleet returns the simulated devices visible to Scan.
func defaultFleet() []simDevice {
	return []simDevice{
		{ID: "BL100-4F2A", Name: "BioLink BL-100", Firmware: "2.4.1", baseRSSI: -52},
		{ID: "BL100-9C31", Name: "BioLink BL-100", Firmware: "2.3.0", baseRSSI: -67},
		{ID: "BL200-0D7E", Name: "BioLink BL-200 Pro", Firmware: "3.1.2", baseRSSI: -74},
	}
}

// descriptor builds a scan result with per-scan RSSI jitter.
func (d *simDevice) descriptor() types.DeviceDescriptor {
	return types.DeviceDescriptor{
		ID:       d.ID,
		Name:     d.Name,
		Firmware: d.Firmware,
		RSSI:     d.baseRSSI + rand.IntN(9) - 4,
	}
}

// measuredRate applies ±0.5% measurement jitter to a nominal rate.
func measuredRate(nominal float64) float64 {
	return nominal * (1 + (rand.Float64()-0.5)*0.01)
}

// Waveform parameters for the synthetic biosignal.
const (
	biosignalFreqHz    = 10.0 // Dominant oscillation of the synthetic signal
	biosignalAmplitude = 0.8
	biosignalNoise     = 0.05
	motionAmplitude    = 0.3
	ambientBase        = 33.0 // Skin temperature baseline in °C
)

// synthesizeFrames builds the frames for one 40 ms frame interval: biosignal
// every interval, motion every interval, ambient once per second.
func synthesizeFrames(tick uint64, phase *float64, now time.Time) []types.Frame {
	interval := types.FrameInterval.Seconds()

	biosignalCount := int(types.BiosignalRate * interval)
	biosignal := make([]float64, biosignalCount)
	step := 2 * math.Pi * biosignalFreqHz / types.BiosignalRate
	for i := range biosignal {
		*phase += step
		biosignal[i] = biosignalAmplitude*math.Sin(*phase) + (rand.Float64()-0.5)*2*biosignalNoise
	}
	if *phase > 2*math.Pi {
		*phase -= 2 * math.Pi
	}

	motionCount := int(types.MotionRate * interval)
	motion := make([]float64, motionCount)
	for i := range motion {
		motion[i] = motionAmplitude * math.Sin(float64(tick)/25+float64(i)/10)
	}

	frames := []types.Frame{
		{Class: types.ChannelBiosignal, Samples: biosignal, Rate: types.BiosignalRate, Timestamp: now},
		{Class: types.ChannelMotion, Samples: motion, Rate: types.MotionRate, Timestamp: now},
	}

	// Ambient emits one sample per second
	if tick%uint64(time.Second/types.FrameInterval) == 0 {
		ambient := []float64{ambientBase + (rand.Float64()-0.5)}
		frames = append(frames, types.Frame{
			Class: types.ChannelAmbient, Samples: ambient, Rate: types.AmbientRate, Timestamp: now,
		})
	}

	return frames
}
