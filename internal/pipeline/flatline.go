package pipeline

import (
	"sync"
	"time"
)

// FlatlineConfig holds the configurable thresholds for dropout detection.
type FlatlineConfig struct {
	ThresholdDB   float64 // dB level below which the channel is considered flat
	MinDurationMs int64   // milliseconds below threshold before triggering
	RecoveryMs    int64   // milliseconds of signal before considering recovered
}

// FlatlineEvent represents the result of a dropout detection update.
type FlatlineEvent struct {
	// Current state
	InFlatline bool  // Currently in confirmed flatline state
	DurationMs int64 // Current flatline duration in ms (0 if signal present)

	// Level that produced this update (for notifications)
	CurrentLevelDB float64

	// State transitions (for triggering notifications and dumps)
	JustEntered     bool  // True on the window when flatline is first confirmed
	JustRecovered   bool  // True on the window when recovery completes
	TotalDurationMs int64 // Total flatline duration in ms (only set when JustRecovered)
	RecoveryMs      int64 // Elapsed recovery window in ms (only set when JustRecovered)
}

// FlatlineDetector tracks biosignal dropout state and generates detection events.
// It is safe for concurrent use.
type FlatlineDetector struct {
	mu             sync.Mutex
	flatStart      time.Time // when the current flat period started
	recoveryStart  time.Time // when signal returned after a flat period
	inFlatline     bool      // currently in confirmed flatline state
	flatDurationMs int64     // tracks duration in ms for recovery reporting
}

// NewFlatlineDetector creates a new dropout detector.
func NewFlatlineDetector() *FlatlineDetector {
	return &FlatlineDetector{}
}

// Update updates the dropout state with a new level and returns the current state.
func (d *FlatlineDetector) Update(db float64, cfg FlatlineConfig, now time.Time) FlatlineEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	signalIsFlat := db < cfg.ThresholdDB

	event := FlatlineEvent{CurrentLevelDB: db}

	if signalIsFlat {
		d.recoveryStart = time.Time{}

		if d.flatStart.IsZero() {
			d.flatStart = now
		}

		flatDurationMs := now.Sub(d.flatStart).Milliseconds()
		d.flatDurationMs = flatDurationMs

		if d.inFlatline {
			// Already in confirmed flatline state
			event.InFlatline = true
			event.DurationMs = flatDurationMs
		} else if flatDurationMs >= cfg.MinDurationMs {
			// Just crossed the duration threshold - enter flatline state
			d.inFlatline = true
			event.InFlatline = true
			event.DurationMs = flatDurationMs
			event.JustEntered = true
		}
	} else {
		// Signal is above threshold - preserve flat start during recovery.
		if !d.inFlatline {
			d.flatStart = time.Time{}
		}

		if d.inFlatline {
			// Was flat, now have signal - check recovery
			if d.recoveryStart.IsZero() {
				d.recoveryStart = now
			}

			recoveryDurationMs := now.Sub(d.recoveryStart).Milliseconds()

			if recoveryDurationMs >= cfg.RecoveryMs {
				event.JustRecovered = true
				event.TotalDurationMs = d.flatDurationMs
				event.RecoveryMs = recoveryDurationMs

				d.inFlatline = false
				d.flatDurationMs = 0
				d.flatStart = time.Time{}
				d.recoveryStart = time.Time{}
			} else {
				// Still in recovery period - remain in flatline state
				event.InFlatline = true
			}
		}
	}

	return event
}

// Reset clears the dropout detection state.
func (d *FlatlineDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flatStart = time.Time{}
	d.recoveryStart = time.Time{}
	d.inFlatline = false
	d.flatDurationMs = 0
}
