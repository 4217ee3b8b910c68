// Package pipeline turns the raw transport frame stream into timed
// per-channel batches, metering each window and watching the biosignal
// channel for dropouts.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/orchestrator"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// Flatline defaults applied when no config provider is installed.
const (
	defaultFlatlineThresholdDB = -55.0
	defaultFlatlineMinMs       = 5000
	defaultFlatlineRecoveryMs  = 2000
)

// Sentinel errors for pipeline operations.
var (
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrNotAttached    = errors.New("no transport attached")
	ErrNoFrameSource  = errors.New("transport does not expose a frame feed")
)

// FrameSource is the capability the router needs from a transport: a raw
// frame feed with an unsubscribe handle. It is discovered by type assertion
// so attachment works with any transport implementation that can feed frames.
type FrameSource interface {
	SubscribeFrames(fn func(types.Frame)) func()
}

// DropoutCapture receives the biosignal stream and dropout transitions for
// diagnostic dump capture. Flush is called when the stream ends so a dropout
// straddling the cut still produces a dump.
type DropoutCapture interface {
	WriteBatch(batch *types.ChannelBatch)
	HandleFlatlineEvent(event FlatlineEvent)
	Flush()
}

// FlatlineHandler is invoked on dropout state transitions (JustEntered or
// JustRecovered) on the biosignal channel.
type FlatlineHandler func(event FlatlineEvent)

// batcher accumulates frames of one channel class into the current window.
type batcher struct {
	samples  []float64
	rate     float64
	started  time.Time
	sequence uint64
	levels   LevelData
	peaks    *PeakHolder
}

// Router subscribes to the transport frame feed and repackages frames into
// per-channel batches for the session writer and live displays.
type Router struct {
	mu     sync.RWMutex
	source FrameSource

	callbacks   types.PipelineCallbacks
	flatlineCfg func() FlatlineConfig
	onFlatline  FlatlineHandler
	capture     DropoutCapture

	running     bool
	unsubscribe func()

	batchers   map[types.ChannelClass]*batcher
	flatline   *FlatlineDetector
	levelCache map[types.ChannelClass]types.ChannelLevels
}

// NewRouter creates a router with empty batchers for every channel class.
func NewRouter() *Router {
	r := &Router{
		flatline:   NewFlatlineDetector(),
		batchers:   make(map[types.ChannelClass]*batcher, len(types.ChannelClasses)),
		levelCache: make(map[types.ChannelClass]types.ChannelLevels, len(types.ChannelClasses)),
	}
	for _, class := range types.ChannelClasses {
		r.batchers[class] = &batcher{peaks: NewPeakHolder()}
		r.levelCache[class] = types.ChannelLevels{RMS: MinDB, Peak: MinDB}
	}
	return r
}

// SetCallbacks registers the batch consumer.
func (r *Router) SetCallbacks(cb types.PipelineCallbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
}

// SetFlatlineConfigFunc installs the provider consulted at each metering
// window, so threshold changes apply without a restart.
func (r *Router) SetFlatlineConfigFunc(fn func() FlatlineConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flatlineCfg = fn
}

// SetFlatlineHandler registers the receiver for dropout transitions.
func (r *Router) SetFlatlineHandler(fn FlatlineHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFlatline = fn
}

// SetDropoutCapture registers the diagnostic dump capturer.
func (r *Router) SetDropoutCapture(c DropoutCapture) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture = c
}

// SetTransport attaches the frame-producing transport. Returns
// ErrNoFrameSource when the transport cannot feed frames.
func (r *Router) SetTransport(transport orchestrator.Transport) error {
	source, ok := transport.(FrameSource)
	if !ok {
		return ErrNoFrameSource
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = source
	return nil
}

// Start subscribes to the transport frame feed and begins batching.
func (r *Router) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyStarted
	}
	if r.source == nil {
		return ErrNotAttached
	}

	r.resetLocked()
	r.unsubscribe = r.source.SubscribeFrames(r.handleFrame)
	r.running = true

	slog.Info("signal pipeline started")
	return nil
}

// Stop detaches from the frame feed. Stopping an idle router is a no-op.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	capture := r.capture
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	// A dropout in progress at the cut would otherwise never finalize: no
	// further batches arrive to fill its trailing context.
	if capture != nil {
		capture.Flush()
	}

	slog.Info("signal pipeline stopped")
	return ctx.Err()
}

// Cleanup stops the router and clears callbacks and cached levels.
func (r *Router) Cleanup(ctx context.Context) error {
	err := r.Stop(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = types.PipelineCallbacks{}
	r.resetLocked()

	return err
}

// IsRunning reports whether the router is consuming frames.
func (r *Router) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Levels returns the most recent per-channel levels. An idle router reports
// every channel at the metering floor.
func (r *Router) Levels() map[types.ChannelClass]types.ChannelLevels {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.running {
		floor := make(map[types.ChannelClass]types.ChannelLevels, len(types.ChannelClasses))
		for _, class := range types.ChannelClasses {
			floor[class] = types.ChannelLevels{RMS: MinDB, Peak: MinDB}
		}
		return floor
	}
	return maps.Clone(r.levelCache)
}

// handleFrame folds one transport frame into its class batcher, flushing the
// window once it holds a full batch of samples.
func (r *Router) handleFrame(frame types.Frame) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}

	b, ok := r.batchers[frame.Class]
	if !ok {
		r.mu.Unlock()
		return
	}

	if b.started.IsZero() {
		b.started = frame.Timestamp
	}
	b.samples = append(b.samples, frame.Samples...)
	b.rate = frame.Rate
	AccumulateSamples(frame.Samples, &b.levels)

	if len(b.samples) < batchTarget(frame.Class) {
		r.mu.Unlock()
		return
	}

	batch, event := r.flushLocked(frame.Class, b, time.Now())
	callbacks := r.callbacks
	onFlatline := r.onFlatline
	capture := r.capture
	r.mu.Unlock()

	// Deliver outside the lock so consumers cannot stall frame handling.
	if callbacks.OnChannelBatch != nil {
		callbacks.OnChannelBatch(frame.Class, batch)
	}
	if frame.Class == types.ChannelBiosignal && capture != nil {
		capture.WriteBatch(batch)
		capture.HandleFlatlineEvent(event)
	}
	if (event.JustEntered || event.JustRecovered) && onFlatline != nil {
		onFlatline(event)
	}
}

// flushLocked closes the current window for one class: builds the outgoing
// batch, computes levels, and runs dropout detection on the biosignal channel.
func (r *Router) flushLocked(class types.ChannelClass, b *batcher, now time.Time) (*types.ChannelBatch, FlatlineEvent) {
	batch := &types.ChannelBatch{
		Class:     class,
		Samples:   b.samples,
		Rate:      b.rate,
		StartedAt: b.started,
		Sequence:  b.sequence,
	}
	b.sequence++
	b.samples = nil
	b.started = time.Time{}

	levels := CalculateLevels(&b.levels)
	b.levels.Reset()

	heldPeak := b.peaks.Update(levels.Peak, now)
	channelLevels := types.ChannelLevels{RMS: levels.RMS, Peak: heldPeak}

	var event FlatlineEvent
	if class == types.ChannelBiosignal {
		event = r.flatline.Update(levels.RMS, r.flatlineConfigLocked(), now)
		channelLevels.Flatline = event.InFlatline
		channelLevels.FlatlineDurationMs = event.DurationMs
	}

	r.levelCache[class] = channelLevels
	return batch, event
}

// flatlineConfigLocked snapshots the dropout thresholds for one window.
func (r *Router) flatlineConfigLocked() FlatlineConfig {
	if r.flatlineCfg != nil {
		return r.flatlineCfg()
	}
	return FlatlineConfig{
		ThresholdDB:   defaultFlatlineThresholdDB,
		MinDurationMs: defaultFlatlineMinMs,
		RecoveryMs:    defaultFlatlineRecoveryMs,
	}
}

// resetLocked clears all batching and detection state.
func (r *Router) resetLocked() {
	for class, b := range r.batchers {
		b.samples = nil
		b.rate = 0
		b.started = time.Time{}
		b.sequence = 0
		b.levels.Reset()
		b.peaks.Reset()
		r.levelCache[class] = types.ChannelLevels{RMS: MinDB, Peak: MinDB}
	}
	r.flatline.Reset()
}

// batchTarget returns the number of samples that fills one batch window for
// the given class. Slow channels flush every frame.
func batchTarget(class types.ChannelClass) int {
	switch class {
	case types.ChannelBiosignal:
		return int(types.BiosignalRate * types.BatchWindow.Seconds())
	case types.ChannelMotion:
		return int(types.MotionRate * types.BatchWindow.Seconds())
	default:
		return 1
	}
}
