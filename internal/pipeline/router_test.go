package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonbio/biolink-gateway/internal/orchestrator"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// fakeSource is a transport that can feed frames by hand.
type fakeSource struct {
	orchestrator.Transport

	mu       sync.Mutex
	handler  func(types.Frame)
	unsubbed bool
}

func (f *fakeSource) SubscribeFrames(fn func(types.Frame)) func() {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.unsubbed = true
		f.mu.Unlock()
	}
}

func (f *fakeSource) push(frame types.Frame) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// plainTransport has no frame feed.
type plainTransport struct {
	orchestrator.Transport
}

type capturedBatches struct {
	mu      sync.Mutex
	batches []*types.ChannelBatch
}

func (c *capturedBatches) add(b *types.ChannelBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *capturedBatches) all() []*types.ChannelBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func makeFrame(class types.ChannelClass, n int, value float64, ts time.Time) types.Frame {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = value
	}
	rate := types.BiosignalRate
	switch class {
	case types.ChannelMotion:
		rate = types.MotionRate
	case types.ChannelAmbient:
		rate = types.AmbientRate
	}
	return types.Frame{Class: class, Samples: samples, Rate: rate, Timestamp: ts}
}

func startedRouter(t *testing.T) (*Router, *fakeSource) {
	t.Helper()
	r := NewRouter()
	src := &fakeSource{}
	require.NoError(t, r.SetTransport(src))
	require.NoError(t, r.Start(context.Background()))
	return r, src
}

func TestSetTransportRequiresFrameSource(t *testing.T) {
	r := NewRouter()
	err := r.SetTransport(&plainTransport{})
	assert.ErrorIs(t, err, ErrNoFrameSource)

	require.NoError(t, r.SetTransport(&fakeSource{}))
}

func TestStartStopLifecycle(t *testing.T) {
	r := NewRouter()
	err := r.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotAttached)

	src := &fakeSource{}
	require.NoError(t, r.SetTransport(src))
	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.IsRunning())

	err = r.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, r.Stop(context.Background()))
	assert.False(t, r.IsRunning())
	assert.True(t, src.unsubbed)

	// Stopping an idle router is a no-op
	require.NoError(t, r.Stop(context.Background()))
}

func TestBatchingFillsWindows(t *testing.T) {
	r, src := startedRouter(t)
	got := &capturedBatches{}
	r.SetCallbacks(types.PipelineCallbacks{OnChannelBatch: func(_ types.ChannelClass, b *types.ChannelBatch) {
		got.add(b)
	}})

	base := time.Now()
	// 10 biosignal frames of 10 samples: two full 50-sample windows
	for i := range 10 {
		src.push(makeFrame(types.ChannelBiosignal, 10, 0.5, base.Add(time.Duration(i)*types.FrameInterval)))
	}

	batches := got.all()
	require.Len(t, batches, 2)
	assert.Equal(t, types.ChannelBiosignal, batches[0].Class)
	assert.Len(t, batches[0].Samples, 50)
	assert.Equal(t, uint64(0), batches[0].Sequence)
	assert.Equal(t, uint64(1), batches[1].Sequence)
	assert.Equal(t, base, batches[0].StartedAt)
	assert.InDelta(t, types.BiosignalRate, batches[0].Rate, 0.01)
}

func TestSlowChannelsFlushEveryFrame(t *testing.T) {
	r, src := startedRouter(t)
	got := &capturedBatches{}
	r.SetCallbacks(types.PipelineCallbacks{OnChannelBatch: func(_ types.ChannelClass, b *types.ChannelBatch) {
		got.add(b)
	}})

	base := time.Now()
	src.push(makeFrame(types.ChannelAmbient, 1, 33.0, base))
	src.push(makeFrame(types.ChannelAmbient, 1, 33.1, base.Add(time.Second)))

	batches := got.all()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Samples, 1)
	assert.Equal(t, uint64(1), batches[1].Sequence)
}

func TestLevelsTrackSignal(t *testing.T) {
	r, src := startedRouter(t)

	base := time.Now()
	for i := range 5 {
		src.push(makeFrame(types.ChannelBiosignal, 10, 0.5, base.Add(time.Duration(i)*types.FrameInterval)))
	}

	levels := r.Levels()
	// Constant 0.5 amplitude: RMS and peak both at -6.02 dB
	assert.InDelta(t, -6.02, levels[types.ChannelBiosignal].RMS, 0.1)
	assert.InDelta(t, -6.02, levels[types.ChannelBiosignal].Peak, 0.1)
	assert.False(t, levels[types.ChannelBiosignal].Flatline)

	// Untouched channels stay at the floor
	assert.Equal(t, MinDB, levels[types.ChannelMotion].RMS)

	require.NoError(t, r.Stop(context.Background()))
	idle := r.Levels()
	assert.Equal(t, MinDB, idle[types.ChannelBiosignal].RMS)
}

func TestFlatlineTransitionsReachHandler(t *testing.T) {
	r, src := startedRouter(t)
	r.SetFlatlineConfigFunc(func() FlatlineConfig {
		return FlatlineConfig{ThresholdDB: -55.0, MinDurationMs: 0, RecoveryMs: 0}
	})

	var mu sync.Mutex
	var events []FlatlineEvent
	r.SetFlatlineHandler(func(event FlatlineEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	base := time.Now()
	// One full window of dead signal confirms the flatline immediately
	for i := range 5 {
		src.push(makeFrame(types.ChannelBiosignal, 10, 0, base.Add(time.Duration(i)*types.FrameInterval)))
	}
	// One live window recovers it
	for i := range 5 {
		src.push(makeFrame(types.ChannelBiosignal, 10, 0.5, base.Add(time.Duration(5+i)*types.FrameInterval)))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.True(t, events[0].JustEntered)
	assert.True(t, events[1].JustRecovered)
}

func TestDropoutCaptureReceivesBiosignal(t *testing.T) {
	r, src := startedRouter(t)

	fake := &fakeCapture{}
	r.SetDropoutCapture(fake)

	base := time.Now()
	for i := range 5 {
		src.push(makeFrame(types.ChannelBiosignal, 10, 0.5, base.Add(time.Duration(i)*types.FrameInterval)))
	}
	src.push(makeFrame(types.ChannelAmbient, 1, 33.0, base))

	assert.Equal(t, 1, fake.writes())
	assert.Equal(t, 1, fake.eventCount())
}

func TestStopFlushesDropoutCapture(t *testing.T) {
	r, _ := startedRouter(t)

	fake := &fakeCapture{}
	r.SetDropoutCapture(fake)

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, 1, fake.flushes())

	// Stopping an idle router does not flush again.
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, 1, fake.flushes())
}

func TestCleanupDetachesEverything(t *testing.T) {
	r, src := startedRouter(t)
	got := &capturedBatches{}
	r.SetCallbacks(types.PipelineCallbacks{OnChannelBatch: func(_ types.ChannelClass, b *types.ChannelBatch) {
		got.add(b)
	}})

	require.NoError(t, r.Cleanup(context.Background()))
	assert.False(t, r.IsRunning())
	assert.True(t, src.unsubbed)

	base := time.Now()
	for i := range 5 {
		src.push(makeFrame(types.ChannelBiosignal, 10, 0.5, base.Add(time.Duration(i)*types.FrameInterval)))
	}
	assert.Empty(t, got.all())
}

type fakeCapture struct {
	mu      sync.Mutex
	batches int
	events  int
	flushed int
}

func (f *fakeCapture) WriteBatch(*types.ChannelBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
}

func (f *fakeCapture) HandleFlatlineEvent(FlatlineEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events++
}

func (f *fakeCapture) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
}

func (f *fakeCapture) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *fakeCapture) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeCapture) flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushed
}
