package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// callLog records collaborator calls across all fakes in invocation order so
// tests can assert teardown ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == name {
			n++
		}
	}
	return n
}

func (l *callLog) indexOf(name string) int {
	return slices.Index(l.snapshot(), name)
}

type fakeTransport struct {
	mu            sync.Mutex
	log           *callLog
	connected     bool
	deviceID      string
	battery       int
	rates         map[types.ChannelClass]float64
	callbacks     types.SystemCallbacks
	connectedAt   time.Time
	scanResult    []types.DeviceDescriptor
	scanErr       error
	connectErr    error
	disconnectErr error
	clearErr      error
	ratesErr      error
}

func (f *fakeTransport) Scan(_ context.Context) ([]types.DeviceDescriptor, error) {
	f.log.add("transport.Scan")
	return f.scanResult, f.scanErr
}

func (f *fakeTransport) Connect(_ context.Context, id string) error {
	f.log.add("transport.Connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.deviceID = id
	f.connectedAt = time.Now()
	return nil
}

func (f *fakeTransport) Disconnect(_ context.Context) error {
	f.log.add("transport.Disconnect")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return f.disconnectErr
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID
}

func (f *fakeTransport) DeviceName() string { return "BioLink Sensor" }

func (f *fakeTransport) BatteryLevel() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.battery
}

func (f *fakeTransport) CurrentSamplingRates() (map[types.ChannelClass]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ratesErr != nil {
		return nil, f.ratesErr
	}
	return maps.Clone(f.rates), nil
}

func (f *fakeTransport) ConnectionDuration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.connectedAt)
}

func (f *fakeTransport) ConnectionStartTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectedAt
}

func (f *fakeTransport) SetSystemCallbacks(cb types.SystemCallbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = cb
}

func (f *fakeTransport) ClearDeviceCache() error {
	f.log.add("transport.ClearDeviceCache")
	return f.clearErr
}

// drop simulates the link dying without a disconnect call.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) batteryCallback() func(int, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks.OnBatteryUpdate
}

type fakePipeline struct {
	mu         sync.Mutex
	log        *callLog
	running    bool
	callbacks  types.PipelineCallbacks
	transport  Transport
	attachErr  error
	startErr   error
	stopErr    error
	cleanupErr error
}

func (f *fakePipeline) SetCallbacks(cb types.PipelineCallbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = cb
}

func (f *fakePipeline) SetTransport(t Transport) error {
	f.log.add("pipeline.SetTransport")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	f.transport = t
	return nil
}

func (f *fakePipeline) Start(_ context.Context) error {
	f.log.add("pipeline.Start")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakePipeline) Stop(_ context.Context) error {
	f.log.add("pipeline.Stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return f.stopErr
}

func (f *fakePipeline) Cleanup(_ context.Context) error {
	f.log.add("pipeline.Cleanup")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.callbacks = types.PipelineCallbacks{}
	return f.cleanupErr
}

func (f *fakePipeline) batchCallback() func(types.ChannelClass, *types.ChannelBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks.OnChannelBatch
}

type fakeStore struct {
	mu          sync.Mutex
	log         *callLog
	destination string
	nextID      int
	lastCfg     types.SessionConfig
	current     *types.SessionInfo
	batches     []types.ChannelClass
	setDestErr  error
	startErr    error
	endErr      error
}

func (f *fakeStore) StorageDestination() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destination
}

func (f *fakeStore) SetStorageDestination(dest string) error {
	f.log.add("store.SetStorageDestination")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setDestErr != nil {
		return f.setDestErr
	}
	f.destination = dest
	return nil
}

func (f *fakeStore) StartSession(_ context.Context, cfg types.SessionConfig) (string, error) {
	f.log.add("store.StartSession")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	f.lastCfg = cfg
	id := fmt.Sprintf("session-%04d", f.nextID)
	f.current = &types.SessionInfo{ID: id, Name: cfg.Name, DeviceID: cfg.DeviceID}
	return id, nil
}

func (f *fakeStore) WriteBatch(class types.ChannelClass, _ *types.ChannelBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, class)
	return nil
}

func (f *fakeStore) EndSession(_ context.Context) error {
	f.log.add("store.EndSession")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = nil
	return f.endErr
}

func (f *fakeStore) CurrentSession() *types.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type recordingEvent struct {
	active    bool
	sessionID string
}

type batteryEvent struct {
	level   int
	voltage float64
}

type fakePublisher struct {
	mu         sync.Mutex
	log        *callLog
	snapshots  []types.ConnectionSnapshot
	streaming  []bool
	recordings []recordingEvent
	battery    []batteryEvent
	rates      []map[types.ChannelClass]float64
	resets     int
}

func (f *fakePublisher) ConnectionChanged(snap types.ConnectionSnapshot) {
	f.log.add("publisher.ConnectionChanged")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
}

func (f *fakePublisher) StreamingChanged(active bool) {
	f.log.add(fmt.Sprintf("publisher.StreamingChanged:%t", active))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = append(f.streaming, active)
}

func (f *fakePublisher) RecordingChanged(active bool, sessionID string) {
	f.log.add(fmt.Sprintf("publisher.RecordingChanged:%t", active))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings = append(f.recordings, recordingEvent{active: active, sessionID: sessionID})
}

func (f *fakePublisher) BatteryUpdated(level int, voltage float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.battery = append(f.battery, batteryEvent{level: level, voltage: voltage})
}

func (f *fakePublisher) SamplingRatesUpdated(avg map[types.ChannelClass]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = append(f.rates, avg)
}

func (f *fakePublisher) Reset() {
	f.log.add("publisher.Reset")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakePublisher) lastSnapshot() types.ConnectionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return types.ConnectionSnapshot{}
	}
	return f.snapshots[len(f.snapshots)-1]
}

func (f *fakePublisher) ratesCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rates)
}

func (f *fakePublisher) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakeNotifier struct {
	mu      sync.Mutex
	lost    []string
	battery []int
	resets  int
}

func (f *fakeNotifier) NotifyDeviceLost(deviceID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, deviceID)
}

func (f *fakeNotifier) NotifyBatteryLevel(_ string, level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.battery = append(f.battery, level)
}

func (f *fakeNotifier) ResetConnectionAlerts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeNotifier) lostDevices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.lost)
}

type rig struct {
	log       *callLog
	transport *fakeTransport
	pipeline  *fakePipeline
	store     *fakeStore
	pub       *fakePublisher
	notify    *fakeNotifier
	orch      *Orchestrator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := &callLog{}
	r := &rig{
		log: log,
		transport: &fakeTransport{
			log:     log,
			battery: 91,
			rates: map[types.ChannelClass]float64{
				types.ChannelBiosignal: 250.0,
				types.ChannelMotion:    100.0,
			},
			scanResult: []types.DeviceDescriptor{{ID: "BL100-4F2A", Name: "BioLink Sensor"}},
		},
		pipeline: &fakePipeline{log: log},
		store:    &fakeStore{log: log},
		pub:      &fakePublisher{log: log},
		notify:   &fakeNotifier{},
	}
	r.orch = New(r.transport, r.pipeline, r.store, r.pub)
	r.orch.SetNotifier(r.notify)
	t.Cleanup(func() { _ = r.orch.Cleanup(context.Background()) })
	return r
}

func (r *rig) phase() types.Phase {
	r.orch.mu.RLock()
	defer r.orch.mu.RUnlock()
	return r.orch.phase
}

func (r *rig) monitorRunning() bool {
	r.orch.mu.RLock()
	defer r.orch.mu.RUnlock()
	return r.orch.monitor != nil
}

// streamingRig returns a rig connected to BL100-4F2A with streaming active.
func streamingRig(t *testing.T) *rig {
	t.Helper()
	r := newRig(t)
	require.NoError(t, r.orch.ConnectDevice(context.Background(), "BL100-4F2A"))
	require.Equal(t, types.PhaseStreaming, r.phase())
	return r
}

// recordingRig returns a streaming rig with an active recording session.
func recordingRig(t *testing.T) (*rig, string) {
	t.Helper()
	r := streamingRig(t)
	r.orch.SetStorageResolver(func() string { return "local:/tmp/biolink-test" })
	id, err := r.orch.StartRecording(context.Background(), "", nil)
	require.NoError(t, err)
	require.Equal(t, types.PhaseRecording, r.phase())
	return r, id
}

func TestInitializeIsIdempotent(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.orch.Initialize())
	require.NoError(t, r.orch.Initialize())

	assert.Equal(t, types.PhaseInitialized, r.phase())
	assert.Equal(t, 1, r.log.count("pipeline.SetTransport"))
	assert.True(t, r.orch.Status().Initialized)
}

func TestInitializeRollsBackOnWiringFailure(t *testing.T) {
	r := newRig(t)
	r.pipeline.attachErr = errors.New("router rejected transport")

	err := r.orch.Initialize()
	require.Error(t, err)
	assert.Equal(t, types.PhaseUninitialized, r.phase())
	assert.Nil(t, r.transport.batteryCallback(), "callbacks must be detached after a failed init")

	// A later attempt starts from scratch
	r.pipeline.attachErr = nil
	require.NoError(t, r.orch.Initialize())
	assert.Equal(t, types.PhaseInitialized, r.phase())
}

func TestScanInitializesLazily(t *testing.T) {
	r := newRig(t)

	devices, err := r.orch.ScanDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "BL100-4F2A", devices[0].ID)
	assert.True(t, r.orch.Status().Initialized)
}

func TestScanPropagatesTransportErrors(t *testing.T) {
	r := newRig(t)
	r.transport.scanErr = errors.New("radio busy")

	_, err := r.orch.ScanDevices(context.Background())
	assert.ErrorContains(t, err, "radio busy")
}

func TestConnectActivatesStreamingAutomatically(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.orch.ConnectDevice(context.Background(), "BL100-4F2A"))

	assert.Equal(t, types.PhaseStreaming, r.phase())
	assert.True(t, r.monitorRunning())

	snap := r.pub.lastSnapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, "BL100-4F2A", snap.DeviceID)
	assert.Equal(t, "BioLink Sensor", snap.DeviceName)
	assert.Equal(t, 91, snap.Battery)
	assert.Equal(t, []bool{true}, r.pub.streaming)

	// Connection published before streaming came up
	assert.Less(t, r.log.indexOf("publisher.ConnectionChanged"), r.log.indexOf("publisher.StreamingChanged:true"))
}

func TestConnectRejectsSecondDevice(t *testing.T) {
	r := streamingRig(t)

	err := r.orch.ConnectDevice(context.Background(), "BL100-9Z01")
	require.ErrorIs(t, err, ErrAlreadyConnected)
	assert.ErrorContains(t, err, "BL100-4F2A")
	assert.Equal(t, 1, r.log.count("transport.Connect"), "second device must never reach the transport")
	assert.Equal(t, "BL100-4F2A", r.orch.Status().DeviceID)
}

func TestConnectFailureRollsBack(t *testing.T) {
	r := newRig(t)
	cause := errors.New("pairing refused")
	r.transport.connectErr = cause

	err := r.orch.ConnectDevice(context.Background(), "BL100-4F2A")
	require.ErrorIs(t, err, cause)

	status := r.orch.Status()
	assert.True(t, status.Initialized)
	assert.False(t, status.Connected)
	assert.Empty(t, status.DeviceID)
	assert.False(t, r.monitorRunning())
	assert.Empty(t, r.pub.snapshots)
}

func TestAutoStreamFailureKeepsConnection(t *testing.T) {
	r := newRig(t)
	r.pipeline.startErr = errors.New("router wedged")

	err := r.orch.ConnectDevice(context.Background(), "BL100-4F2A")
	require.NoError(t, err, "a streaming failure must not fail the connect")

	status := r.orch.Status()
	assert.True(t, status.Connected)
	assert.False(t, status.Streaming)
	assert.Empty(t, r.pub.streaming)

	// Streaming can be brought up manually once the pipeline recovers
	r.pipeline.startErr = nil
	require.NoError(t, r.orch.StartStreaming(context.Background()))
	assert.Equal(t, types.PhaseStreaming, r.phase())
}

func TestDisconnectOrderingAndReset(t *testing.T) {
	r, sessionID := recordingRig(t)

	start := time.Now()
	require.NoError(t, r.orch.DisconnectDevice(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), types.DisconnectSettleDelay)

	// Session end, pipeline stop, transport disconnect, cache clear, in order
	endIdx := r.log.indexOf("store.EndSession")
	stopIdx := r.log.indexOf("pipeline.Stop")
	discIdx := r.log.indexOf("transport.Disconnect")
	cacheIdx := r.log.indexOf("transport.ClearDeviceCache")
	require.NotEqual(t, -1, endIdx)
	require.NotEqual(t, -1, stopIdx)
	require.NotEqual(t, -1, discIdx)
	require.NotEqual(t, -1, cacheIdx)
	assert.Less(t, endIdx, stopIdx)
	assert.Less(t, stopIdx, discIdx)
	assert.Less(t, discIdx, cacheIdx)

	status := r.orch.Status()
	assert.True(t, status.Initialized)
	assert.False(t, status.Connected)
	assert.Empty(t, status.DeviceID)
	assert.False(t, r.monitorRunning())
	assert.Empty(t, r.orch.SamplingRateAverages())
	assert.False(t, r.pub.lastSnapshot().Connected)
	assert.Contains(t, r.pub.recordings, recordingEvent{active: false, sessionID: sessionID})
}

func TestDisconnectWhenIdleIsNoop(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.orch.Initialize())

	require.NoError(t, r.orch.DisconnectDevice(context.Background()))
	assert.Equal(t, 0, r.log.count("transport.Disconnect"))
}

func TestDisconnectContinuesPastFailures(t *testing.T) {
	r, _ := recordingRig(t)
	endErr := errors.New("spool flush failed")
	discErr := errors.New("link jammed")
	clearErr := errors.New("cache locked")
	r.store.endErr = endErr
	r.transport.disconnectErr = discErr
	r.transport.clearErr = clearErr

	err := r.orch.DisconnectDevice(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, endErr)
	assert.ErrorIs(t, err, discErr)
	assert.ErrorIs(t, err, clearErr)

	// Every step ran despite the failures and the baseline was still forced
	assert.Equal(t, 1, r.log.count("pipeline.Stop"))
	assert.Equal(t, 1, r.log.count("transport.ClearDeviceCache"))
	status := r.orch.Status()
	assert.True(t, status.Initialized)
	assert.False(t, status.Connected)
	assert.False(t, status.Recording)
}

func TestStartStreamingRequiresConnection(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.orch.Initialize())

	err := r.orch.StartStreaming(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStartStreamingIsNoopWhileActive(t *testing.T) {
	r := streamingRig(t)

	require.NoError(t, r.orch.StartStreaming(context.Background()))
	assert.Equal(t, 1, r.log.count("pipeline.Start"))
}

func TestStartStreamingRollsBackOnPipelineFailure(t *testing.T) {
	r := newRig(t)
	r.pipeline.startErr = errors.New("router wedged")
	require.NoError(t, r.orch.ConnectDevice(context.Background(), "BL100-4F2A"))
	require.Equal(t, types.PhaseConnected, r.phase())

	err := r.orch.StartStreaming(context.Background())
	require.ErrorContains(t, err, "router wedged")
	status := r.orch.Status()
	assert.True(t, status.Connected)
	assert.False(t, status.Streaming)
}

func TestStopStreamingRefusedWhileRecording(t *testing.T) {
	r, _ := recordingRig(t)

	err := r.orch.StopStreaming(context.Background())
	require.ErrorIs(t, err, ErrRecordingActive)
	assert.Equal(t, types.PhaseRecording, r.phase())
	assert.Equal(t, 0, r.log.count("pipeline.Stop"))
}

func TestStopStreamingWhenIdleIsNoop(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.orch.Initialize())

	require.NoError(t, r.orch.StopStreaming(context.Background()))
	assert.Equal(t, 0, r.log.count("pipeline.Stop"))
}

func TestStopStreamingForcesPhaseOnFailure(t *testing.T) {
	r := streamingRig(t)
	r.pipeline.stopErr = errors.New("router stuck")

	err := r.orch.StopStreaming(context.Background())
	require.ErrorContains(t, err, "router stuck")

	status := r.orch.Status()
	assert.True(t, status.Connected)
	assert.False(t, status.Streaming, "phase must drop to connected even when the stop failed")
}

func TestStartRecordingIsIdempotent(t *testing.T) {
	r, id := recordingRig(t)

	again, err := r.orch.StartRecording(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, r.log.count("store.StartSession"))
}

func TestStartRecordingEnsuresStreaming(t *testing.T) {
	r := newRig(t)
	r.pipeline.startErr = errors.New("router wedged")
	require.NoError(t, r.orch.ConnectDevice(context.Background(), "BL100-4F2A"))
	require.Equal(t, types.PhaseConnected, r.phase())
	r.pipeline.startErr = nil
	r.orch.SetStorageResolver(func() string { return "local:/tmp/biolink-test" })

	id, err := r.orch.StartRecording(context.Background(), "warmup", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, types.PhaseRecording, r.phase())
	assert.Equal(t, 1, r.log.count("pipeline.Start"), "recording from connected brings streaming up first")
	assert.Equal(t, "warmup", r.store.lastCfg.Name)
	assert.Equal(t, "BL100-4F2A", r.store.lastCfg.DeviceID)
}

func TestStartRecordingStreamingFailureStaysConnected(t *testing.T) {
	r := newRig(t)
	r.pipeline.startErr = errors.New("router wedged")
	require.NoError(t, r.orch.ConnectDevice(context.Background(), "BL100-4F2A"))

	_, err := r.orch.StartRecording(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, types.PhaseConnected, r.phase())
	assert.Equal(t, 0, r.log.count("store.StartSession"))
}

func TestStartRecordingResolvesDestinationOnce(t *testing.T) {
	r := streamingRig(t)
	calls := 0
	r.orch.SetStorageResolver(func() string {
		calls++
		return "local:/tmp/biolink-test"
	})

	_, err := r.orch.StartRecording(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "local:/tmp/biolink-test", r.store.StorageDestination())

	// Once the store holds a destination the resolver is left alone
	require.NoError(t, r.orch.StopRecording(context.Background()))
	_, err = r.orch.StartRecording(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestStartRecordingFailsWithoutDestination(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *rig)
	}{
		{"no resolver installed", func(r *rig) {}},
		{"resolver returns empty", func(r *rig) {
			r.orch.SetStorageResolver(func() string { return "" })
		}},
		{"store rejects handle", func(r *rig) {
			r.orch.SetStorageResolver(func() string { return "local:/tmp/biolink-test" })
			r.store.setDestErr = errors.New("read-only filesystem")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := streamingRig(t)
			tt.setup(r)

			_, err := r.orch.StartRecording(context.Background(), "", nil)
			require.ErrorIs(t, err, ErrNoStorageDestination)
			assert.Equal(t, types.PhaseStreaming, r.phase(), "a storage failure must not take the stream down")
			assert.Equal(t, 0, r.log.count("store.StartSession"))
		})
	}
}

func TestStartRecordingSessionFailureStaysStreaming(t *testing.T) {
	r := streamingRig(t)
	r.orch.SetStorageResolver(func() string { return "local:/tmp/biolink-test" })
	r.store.startErr = errors.New("spool dir missing")

	_, err := r.orch.StartRecording(context.Background(), "", nil)
	require.ErrorContains(t, err, "spool dir missing")
	assert.Equal(t, types.PhaseStreaming, r.phase())
	assert.Empty(t, r.pub.recordings)
}

func TestStartRecordingRequiresConnection(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.orch.Initialize())

	_, err := r.orch.StartRecording(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStopRecordingWhenIdleTouchesNothing(t *testing.T) {
	r := streamingRig(t)
	before := len(r.log.snapshot())

	require.NoError(t, r.orch.StopRecording(context.Background()))
	assert.Len(t, r.log.snapshot(), before, "a no-op stop must not reach any collaborator")
}

func TestStopRecordingClearsStateDespiteStoreFailure(t *testing.T) {
	r, id := recordingRig(t)
	r.store.endErr = errors.New("metadata write failed")

	err := r.orch.StopRecording(context.Background())
	require.ErrorContains(t, err, "metadata write failed")

	status := r.orch.Status()
	assert.False(t, status.Recording)
	assert.True(t, status.Streaming)
	assert.Contains(t, r.pub.recordings, recordingEvent{active: false, sessionID: id})

	// The next recording starts cleanly
	r.store.endErr = nil
	next, err := r.orch.StartRecording(context.Background(), "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}

func TestBatchRoutingFollowsRecordingState(t *testing.T) {
	r := streamingRig(t)
	onBatch := r.pipeline.batchCallback()
	require.NotNil(t, onBatch)
	batch := &types.ChannelBatch{Class: types.ChannelBiosignal, Samples: make([]float64, 50)}

	onBatch(types.ChannelBiosignal, batch)
	assert.Zero(t, r.store.batchCount(), "batches must not be persisted before recording starts")

	r.orch.SetStorageResolver(func() string { return "local:/tmp/biolink-test" })
	_, err := r.orch.StartRecording(context.Background(), "", nil)
	require.NoError(t, err)
	onBatch(types.ChannelBiosignal, batch)
	assert.Equal(t, 1, r.store.batchCount())

	require.NoError(t, r.orch.StopRecording(context.Background()))
	onBatch(types.ChannelBiosignal, batch)
	assert.Equal(t, 1, r.store.batchCount())
}

func TestBatteryPushRepublishes(t *testing.T) {
	r := streamingRig(t)
	cb := r.transport.batteryCallback()
	require.NotNil(t, cb)

	cb(42, 3.87)

	r.pub.mu.Lock()
	battery := slices.Clone(r.pub.battery)
	r.pub.mu.Unlock()
	assert.Contains(t, battery, batteryEvent{level: 42, voltage: 3.87})

	r.notify.mu.Lock()
	levels := slices.Clone(r.notify.battery)
	r.notify.mu.Unlock()
	assert.Contains(t, levels, 42)
}

func TestMonitorPublishesTelemetry(t *testing.T) {
	r := streamingRig(t)

	assert.Eventually(t, func() bool { return r.pub.ratesCount() > 0 }, 3*time.Second, 50*time.Millisecond)

	avg := r.orch.SamplingRateAverages()
	require.Contains(t, avg, types.ChannelBiosignal)
	assert.InDelta(t, 250.0, avg[types.ChannelBiosignal], 0.001)
}

func TestMonitorSwallowsTelemetryErrors(t *testing.T) {
	r := streamingRig(t)
	r.transport.mu.Lock()
	r.transport.ratesErr = errors.New("telemetry timeout")
	r.transport.mu.Unlock()

	time.Sleep(2500 * time.Millisecond)

	status := r.orch.Status()
	assert.True(t, status.Connected, "telemetry failures must never drop the connection")
	assert.True(t, status.Streaming)
	assert.Zero(t, r.pub.ratesCount())
}

func TestMonitorCollapsesOnDeviceLoss(t *testing.T) {
	r, sessionID := recordingRig(t)

	r.transport.drop()

	assert.Eventually(t, func() bool { return !r.orch.Status().Connected }, 3*time.Second, 50*time.Millisecond)

	// The same teardown as a disconnect, minus the transport call the dead
	// link cannot serve anymore
	assert.Equal(t, 1, r.log.count("store.EndSession"))
	assert.Equal(t, 1, r.log.count("pipeline.Stop"))
	assert.Equal(t, 1, r.log.count("transport.ClearDeviceCache"))
	assert.Equal(t, 0, r.log.count("transport.Disconnect"))

	status := r.orch.Status()
	assert.True(t, status.Initialized)
	assert.False(t, status.Recording)
	assert.Empty(t, status.DeviceID)
	assert.False(t, r.monitorRunning())
	assert.Empty(t, r.orch.SamplingRateAverages())
	assert.Contains(t, r.pub.recordings, recordingEvent{active: false, sessionID: sessionID})
	assert.Contains(t, r.notify.lostDevices(), "BL100-4F2A")
}

func TestCleanupResetsFromAnyPhase(t *testing.T) {
	r, _ := recordingRig(t)

	require.NoError(t, r.orch.Cleanup(context.Background()))

	status := r.orch.Status()
	assert.False(t, status.Initialized)
	assert.False(t, status.Connected)
	assert.False(t, status.Recording)
	assert.False(t, r.monitorRunning())
	assert.Equal(t, 1, r.pub.resetCount())
	assert.GreaterOrEqual(t, r.log.count("pipeline.Cleanup"), 1)

	// Idempotent, and a fresh run behaves like a first one
	require.NoError(t, r.orch.Cleanup(context.Background()))
	assert.Equal(t, 2, r.pub.resetCount())

	require.NoError(t, r.orch.ConnectDevice(context.Background(), "BL100-4F2A"))
	assert.Equal(t, types.PhaseStreaming, r.phase())
}

func TestCleanupSwallowsCollaboratorFailures(t *testing.T) {
	r := streamingRig(t)
	r.pipeline.stopErr = errors.New("router stuck")
	r.pipeline.cleanupErr = errors.New("router broken")
	r.transport.disconnectErr = errors.New("link jammed")

	require.NoError(t, r.orch.Cleanup(context.Background()))
	assert.False(t, r.orch.Status().Initialized)
	assert.Equal(t, 1, r.pub.resetCount())
}

func TestLazyInitializeOnConnect(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.orch.ConnectDevice(context.Background(), "BL100-4F2A"))
	status := r.orch.Status()
	assert.True(t, status.Initialized)
	assert.True(t, status.Connected)
}

func TestStatusFlagsPerPhase(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, types.OrchestratorStatus{}, r.orch.Status())

	require.NoError(t, r.orch.Initialize())
	assert.Equal(t, types.OrchestratorStatus{Initialized: true}, r.orch.Status())

	require.NoError(t, r.orch.ConnectDevice(context.Background(), "BL100-4F2A"))
	r.orch.SetStorageResolver(func() string { return "local:/tmp/biolink-test" })
	id, err := r.orch.StartRecording(context.Background(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, types.OrchestratorStatus{
		Initialized: true,
		Connected:   true,
		Streaming:   true,
		Recording:   true,
		DeviceID:    "BL100-4F2A",
	}, r.orch.Status())
	assert.NotEmpty(t, id)

	info := r.orch.ConnectedDeviceInfo()
	require.NotNil(t, info)
	assert.Equal(t, "BL100-4F2A", info.ID)
	assert.Equal(t, 91, info.Battery)
}

func TestConnectedDeviceInfoNilWhenDisconnected(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.orch.Initialize())
	assert.Nil(t, r.orch.ConnectedDeviceInfo())
}
