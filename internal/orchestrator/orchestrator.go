// Package orchestrator implements the device session lifecycle: scanning for
// devices, connecting to one, activating the sample pipeline, and layering
// recording sessions on top. It owns the phase state machine and the
// 1-second connection health monitor; the device link, pipeline, and session
// store are consumed behind interfaces so hardware links and storage backends
// stay pluggable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/journal"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// Precondition errors. All are returned wrapped with call context.
var (
	ErrNotInitialized       = errors.New("orchestrator not initialized")
	ErrAlreadyConnected     = errors.New("device already connected")
	ErrNotConnected         = errors.New("no device connected")
	ErrNotStreaming         = errors.New("streaming not active")
	ErrRecordingActive      = errors.New("recording in progress")
	ErrNoStorageDestination = errors.New("no storage destination configured")
)

// Transport is the device link consumed by the orchestrator.
type Transport interface {
	Scan(ctx context.Context) ([]types.DeviceDescriptor, error)
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	DeviceID() string
	DeviceName() string
	BatteryLevel() int
	CurrentSamplingRates() (map[types.ChannelClass]float64, error)
	ConnectionDuration() time.Duration
	ConnectionStartTime() time.Time
	SetSystemCallbacks(cb types.SystemCallbacks)
	ClearDeviceCache() error
}

// Pipeline is the sample router sitting between the transport and the
// orchestrator's batch callback.
type Pipeline interface {
	SetCallbacks(cb types.PipelineCallbacks)
	SetTransport(t Transport) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// SessionStore persists recording sessions and owns the authoritative
// session identifiers.
type SessionStore interface {
	StorageDestination() string
	SetStorageDestination(dest string) error
	StartSession(ctx context.Context, cfg types.SessionConfig) (string, error)
	WriteBatch(class types.ChannelClass, batch *types.ChannelBatch) error
	EndSession(ctx context.Context) error
	CurrentSession() *types.SessionInfo
}

// Publisher receives state-change notifications. Calls are fire-and-forget;
// the orchestrator never reads anything back from it.
type Publisher interface {
	ConnectionChanged(snap types.ConnectionSnapshot)
	StreamingChanged(active bool)
	RecordingChanged(active bool, sessionID string)
	BatteryUpdated(level int, voltage float64)
	SamplingRatesUpdated(avg map[types.ChannelClass]float64)
	Reset()
}

// Notifier raises device-health alerts. Implementations must not block; the
// notify package dispatches deliveries in the background.
type Notifier interface {
	NotifyDeviceLost(deviceID, deviceName string)
	NotifyBatteryLevel(deviceID string, level int)
	ResetConnectionAlerts()
}

// StorageResolver supplies the externally configured storage destination
// handle when the session store has none yet. Consulted at most once per
// recording start; an empty return means unconfigured.
type StorageResolver func() string

// Orchestrator supervises the connect/stream/record lifecycle of a single
// device. Public methods are safe for concurrent use: phase guards and state
// commits run under the mutex, collaborator I/O happens outside it, and
// commits after I/O re-validate the phase where a concurrent teardown could
// have moved it.
type Orchestrator struct {
	mu sync.RWMutex

	transport Transport
	pipeline  Pipeline
	store     SessionStore
	publisher Publisher

	resolveStorage StorageResolver
	journal        *journal.Logger
	notifier       Notifier

	phase           types.Phase
	deviceID        string
	deviceName      string
	activeSessionID string
	monitor         *monitorHandle
	rateHistory     map[types.ChannelClass][]float64
	lastVoltage     float64
}

// New creates an orchestrator over the given collaborators. The collaborators
// are not wired to each other until Initialize.
func New(transport Transport, pipeline Pipeline, store SessionStore, publisher Publisher) *Orchestrator {
	return &Orchestrator{
		transport:   transport,
		pipeline:    pipeline,
		store:       store,
		publisher:   publisher,
		phase:       types.PhaseUninitialized,
		rateHistory: make(map[types.ChannelClass][]float64),
	}
}

// SetStorageResolver installs the config lookup used when a recording starts
// without a resolved storage destination.
func (o *Orchestrator) SetStorageResolver(r StorageResolver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolveStorage = r
}

// SetJournal attaches the lifecycle event journal. A nil journal disables
// journaling.
func (o *Orchestrator) SetJournal(j *journal.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.journal = j
}

// SetNotifier attaches the alert dispatcher. A nil notifier disables alerts.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifier = n
}

// Initialize wires the callbacks between the collaborators and moves the
// orchestrator to its idle baseline. Idempotent: a second call is a no-op.
func (o *Orchestrator) Initialize() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initializeLocked()
}

func (o *Orchestrator) initializeLocked() error {
	if o.phase != types.PhaseUninitialized {
		return nil
	}

	o.transport.SetSystemCallbacks(types.SystemCallbacks{
		OnBatteryUpdate: o.handleBatteryUpdate,
	})
	o.pipeline.SetCallbacks(types.PipelineCallbacks{
		OnChannelBatch: o.handleChannelBatch,
	})
	if err := o.pipeline.SetTransport(o.transport); err != nil {
		// All or nothing: detach what was already registered
		o.transport.SetSystemCallbacks(types.SystemCallbacks{})
		o.pipeline.SetCallbacks(types.PipelineCallbacks{})
		return fmt.Errorf("failed to attach transport to pipeline: %w", err)
	}

	o.phase = types.PhaseInitialized
	slog.Info("orchestrator initialized")
	return nil
}

// ScanDevices lists advertising devices, wiring the collaborators first if
// this is the first call.
func (o *Orchestrator) ScanDevices(ctx context.Context) ([]types.DeviceDescriptor, error) {
	o.mu.Lock()
	err := o.initializeLocked()
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return o.transport.Scan(ctx)
}

// ConnectDevice connects to the given device and starts the health monitor.
// Only one device is tracked: a connect while one is already connected (or
// connecting) fails fast and is never queued. After the connection commits,
// streaming is started automatically; a streaming failure at that point is
// reported through the journal but does not take the connection down again.
func (o *Orchestrator) ConnectDevice(ctx context.Context, deviceID string) error {
	o.mu.Lock()
	if err := o.initializeLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.phase != types.PhaseInitialized {
		current := o.deviceID
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, current)
	}
	o.phase = types.PhaseConnecting
	o.deviceID = deviceID
	o.mu.Unlock()

	slog.Info("connecting to device", "device_id", deviceID)

	if err := o.transport.Connect(ctx, deviceID); err != nil {
		o.mu.Lock()
		if o.phase == types.PhaseConnecting {
			o.phase = types.PhaseInitialized
			o.deviceID = ""
		}
		o.mu.Unlock()
		return fmt.Errorf("failed to connect to device %s: %w", deviceID, err)
	}

	name := o.transport.DeviceName()
	battery := o.transport.BatteryLevel()

	o.mu.Lock()
	if o.phase != types.PhaseConnecting || o.deviceID != deviceID {
		// Cleanup raced the connect and reset the state; drop the link again
		o.mu.Unlock()
		_ = o.transport.Disconnect(ctx)
		return fmt.Errorf("connect to device %s aborted: %w", deviceID, ErrNotInitialized)
	}
	o.phase = types.PhaseConnected
	o.deviceName = name
	o.startMonitorLocked()
	o.mu.Unlock()

	o.publisher.ConnectionChanged(types.ConnectionSnapshot{
		Connected:  true,
		DeviceID:   deviceID,
		DeviceName: name,
		Battery:    battery,
	})
	if o.notifier != nil {
		o.notifier.ResetConnectionAlerts()
	}
	if o.journal != nil {
		_ = o.journal.LogDevice(journal.DeviceConnected, deviceID, name, battery, "")
	}
	slog.Info("device connected", "device_id", deviceID, "name", name, "battery", battery)

	// Streaming comes up automatically with the connection. If it fails the
	// connection stays usable and the caller can retry via StartStreaming.
	if err := o.StartStreaming(ctx); err != nil {
		slog.Error("automatic streaming start failed", "device_id", deviceID, "error", err)
		if o.journal != nil {
			_ = o.journal.LogStream(journal.StreamError, deviceID, "automatic start failed: "+err.Error())
		}
	}
	return nil
}

// DisconnectDevice tears the connection down in a fixed order: monitor,
// recording, streaming, transport, settling delay, device cache. Every step
// runs even when earlier ones fail; the disconnected baseline is always
// reached and the collected errors are returned afterwards.
func (o *Orchestrator) DisconnectDevice(ctx context.Context) error {
	o.mu.Lock()
	switch o.phase {
	case types.PhaseConnected, types.PhaseStreaming, types.PhaseRecording:
	default:
		o.mu.Unlock()
		return nil
	}
	deviceID := o.deviceID
	deviceName := o.deviceName
	sessionID := o.activeSessionID
	streaming := o.phase == types.PhaseStreaming || o.phase == types.PhaseRecording
	recording := o.phase == types.PhaseRecording
	monitor := o.monitor
	o.monitor = nil
	o.mu.Unlock()

	slog.Info("disconnecting device", "device_id", deviceID)

	var errs []error

	// The monitor goes first so its collapse path cannot race the teardown
	if monitor != nil {
		monitor.stop()
	}

	if recording {
		if err := o.store.EndSession(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to end session %s: %w", sessionID, err))
		}
		o.publisher.RecordingChanged(false, sessionID)
		if o.journal != nil {
			_ = o.journal.LogRecording(journal.RecordingStopped, sessionID, nil)
		}
	}

	if streaming {
		if err := o.pipeline.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop streaming: %w", err))
		}
		o.publisher.StreamingChanged(false)
		if o.journal != nil {
			_ = o.journal.LogStream(journal.StreamStopped, deviceID, "")
		}
	}

	if err := o.transport.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to disconnect transport: %w", err))
	}

	// The link tears down asynchronously on the device side; give it a moment
	// before touching the cache
	select {
	case <-time.After(types.DisconnectSettleDelay):
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := o.transport.ClearDeviceCache(); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear device cache: %w", err))
	}

	// State repair always wins: force the disconnected baseline no matter
	// which steps failed, then report the failures
	joined := errors.Join(errs...)
	o.resetToInitialized()

	o.publisher.ConnectionChanged(types.ConnectionSnapshot{})
	if o.journal != nil {
		errMsg := ""
		if joined != nil {
			errMsg = joined.Error()
		}
		_ = o.journal.LogDevice(journal.DeviceDisconnected, deviceID, deviceName, 0, errMsg)
	}
	slog.Info("device disconnected", "device_id", deviceID)
	return joined
}

// StartStreaming activates the sample pipeline. It requires a live
// connection, is a no-op while streaming or recording, and rolls back to
// connected when the pipeline fails to start.
func (o *Orchestrator) StartStreaming(ctx context.Context) error {
	o.mu.Lock()
	switch o.phase {
	case types.PhaseStreaming, types.PhaseRecording:
		o.mu.Unlock()
		return nil
	case types.PhaseConnected:
	default:
		o.mu.Unlock()
		return fmt.Errorf("cannot start streaming: %w", ErrNotConnected)
	}
	deviceID := o.deviceID
	o.mu.Unlock()

	if !o.transport.IsConnected() {
		return fmt.Errorf("cannot start streaming, transport reports down: %w", ErrNotConnected)
	}

	if err := o.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}

	o.mu.Lock()
	if o.phase != types.PhaseConnected {
		// A disconnect raced the start; undo the pipeline activation
		o.mu.Unlock()
		_ = o.pipeline.Stop(ctx)
		return fmt.Errorf("cannot start streaming: %w", ErrNotConnected)
	}
	o.phase = types.PhaseStreaming
	o.mu.Unlock()

	o.publisher.StreamingChanged(true)
	if o.journal != nil {
		_ = o.journal.LogStream(journal.StreamStarted, deviceID, "")
	}
	slog.Info("streaming started", "device_id", deviceID)
	return nil
}

// StopStreaming deactivates the sample pipeline and drops back to connected.
// While recording it refuses with ErrRecordingActive; the recording has to
// be stopped first. Pipeline stop failures are surfaced but never leave the
// phase stuck at streaming.
func (o *Orchestrator) StopStreaming(ctx context.Context) error {
	o.mu.Lock()
	switch o.phase {
	case types.PhaseRecording:
		o.mu.Unlock()
		return fmt.Errorf("cannot stop streaming: %w", ErrRecordingActive)
	case types.PhaseStreaming:
	default:
		o.mu.Unlock()
		return nil
	}
	deviceID := o.deviceID
	o.mu.Unlock()

	err := o.pipeline.Stop(ctx)

	o.mu.Lock()
	if o.phase == types.PhaseStreaming {
		o.phase = types.PhaseConnected
	}
	o.mu.Unlock()

	o.publisher.StreamingChanged(false)
	if o.journal != nil {
		_ = o.journal.LogStream(journal.StreamStopped, deviceID, "")
	}
	slog.Info("streaming stopped", "device_id", deviceID)
	if err != nil {
		return fmt.Errorf("failed to stop streaming cleanly: %w", err)
	}
	return nil
}

// StartRecording layers a persisted session on the stream and returns the
// store-issued session id. While recording it is idempotent and returns the
// running session's id. From connected it brings streaming up first. The
// storage destination is resolved from configuration at most once; an
// unresolvable destination fails the attempt with the phase left at
// streaming.
func (o *Orchestrator) StartRecording(ctx context.Context, name string, cfg *types.SessionConfig) (string, error) {
	o.mu.RLock()
	phase := o.phase
	existing := o.activeSessionID
	deviceID := o.deviceID
	o.mu.RUnlock()

	if phase == types.PhaseRecording {
		return existing, nil
	}
	if phase != types.PhaseConnected && phase != types.PhaseStreaming {
		return "", fmt.Errorf("cannot start recording: %w", ErrNotConnected)
	}

	if phase == types.PhaseConnected {
		if err := o.StartStreaming(ctx); err != nil {
			return "", fmt.Errorf("failed to activate streaming for recording: %w", err)
		}
	}

	if o.store.StorageDestination() == "" {
		if err := o.resolveStorageDestination(); err != nil {
			return "", err
		}
	}

	sessionCfg := types.SessionConfig{}
	if cfg != nil {
		sessionCfg = *cfg
	}
	if name != "" {
		sessionCfg.Name = name
	}
	sessionCfg.DeviceID = deviceID

	sessionID, err := o.store.StartSession(ctx, sessionCfg)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}

	o.mu.Lock()
	if o.phase != types.PhaseStreaming {
		// A disconnect raced the start; close the session straight back out
		o.mu.Unlock()
		_ = o.store.EndSession(ctx)
		return "", fmt.Errorf("cannot start recording: %w", ErrNotConnected)
	}
	o.phase = types.PhaseRecording
	o.activeSessionID = sessionID
	o.mu.Unlock()

	o.publisher.RecordingChanged(true, sessionID)
	if o.journal != nil {
		_ = o.journal.LogRecording(journal.RecordingStarted, sessionID, &journal.RecordingDetails{
			SessionName: sessionCfg.Name,
			Subject:     sessionCfg.Subject,
			Destination: o.store.StorageDestination(),
		})
	}
	slog.Info("recording started", "session_id", sessionID, "device_id", deviceID)
	return sessionID, nil
}

// resolveStorageDestination pulls the configured destination handle into the
// session store. Unresolvable configuration is terminal for the recording
// attempt, not for the stream.
func (o *Orchestrator) resolveStorageDestination() error {
	o.mu.RLock()
	resolve := o.resolveStorage
	o.mu.RUnlock()

	if resolve == nil {
		return fmt.Errorf("%w and no resolver installed", ErrNoStorageDestination)
	}
	dest := resolve()
	if dest == "" {
		return fmt.Errorf("%w: destination missing from configuration", ErrNoStorageDestination)
	}
	if err := o.store.SetStorageDestination(dest); err != nil {
		return fmt.Errorf("%w: configured destination %q rejected: %v", ErrNoStorageDestination, dest, err)
	}
	slog.Info("storage destination resolved", "destination", dest)
	return nil
}

// StopRecording ends the active session. When nothing is recording it
// returns nil without touching any collaborator. The session state is
// cleared even when the store fails to finalize, so a broken flush can never
// wedge the phase at recording; the store error is still returned.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	o.mu.Lock()
	if o.phase != types.PhaseRecording {
		o.mu.Unlock()
		return nil
	}
	sessionID := o.activeSessionID
	o.activeSessionID = ""
	o.phase = types.PhaseStreaming
	o.mu.Unlock()

	err := o.store.EndSession(ctx)

	o.publisher.RecordingChanged(false, sessionID)
	if o.journal != nil {
		var details *journal.RecordingDetails
		if err != nil {
			details = &journal.RecordingDetails{Error: err.Error()}
		}
		_ = o.journal.LogRecording(journal.RecordingStopped, sessionID, details)
	}
	slog.Info("recording stopped", "session_id", sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	return nil
}

// Status reports the lifecycle flags derived from the current phase.
func (o *Orchestrator) Status() types.OrchestratorStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	connected := o.phase == types.PhaseConnected || o.phase == types.PhaseStreaming || o.phase == types.PhaseRecording
	return types.OrchestratorStatus{
		Initialized: o.phase != types.PhaseUninitialized,
		Connected:   connected,
		Streaming:   o.phase == types.PhaseStreaming || o.phase == types.PhaseRecording,
		Recording:   o.phase == types.PhaseRecording,
		DeviceID:    o.deviceID,
	}
}

// ConnectedDeviceInfo describes the connected device, or nil when no device
// is connected.
func (o *Orchestrator) ConnectedDeviceInfo() *types.DeviceInfo {
	o.mu.RLock()
	connected := o.phase == types.PhaseConnected || o.phase == types.PhaseStreaming || o.phase == types.PhaseRecording
	o.mu.RUnlock()
	if !connected || !o.transport.IsConnected() {
		return nil
	}

	rates, err := o.transport.CurrentSamplingRates()
	if err != nil {
		rates = nil
	}
	return &types.DeviceInfo{
		ID:            o.transport.DeviceID(),
		Name:          o.transport.DeviceName(),
		Battery:       o.transport.BatteryLevel(),
		SamplingRates: rates,
		ConnectedAt:   o.transport.ConnectionStartTime(),
		UptimeSeconds: int64(o.transport.ConnectionDuration().Seconds()),
	}
}

// SamplingRateAverages returns the short-window average measured rate per
// channel class. Empty while disconnected.
func (o *Orchestrator) SamplingRateAverages() map[types.ChannelClass]float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rateAveragesLocked()
}

func (o *Orchestrator) rateAveragesLocked() map[types.ChannelClass]float64 {
	avg := make(map[types.ChannelClass]float64, len(o.rateHistory))
	for class, hist := range o.rateHistory {
		if len(hist) == 0 {
			continue
		}
		var sum float64
		for _, rate := range hist {
			sum += rate
		}
		avg[class] = sum / float64(len(hist))
	}
	return avg
}

// Cleanup returns the orchestrator to its factory state from any phase.
// Collaborator failures are logged and swallowed so a broken component can
// never block the reset; afterwards Initialize behaves like a first run.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	o.mu.RLock()
	connected := o.phase == types.PhaseConnected || o.phase == types.PhaseStreaming || o.phase == types.PhaseRecording
	o.mu.RUnlock()

	if connected {
		if err := o.DisconnectDevice(ctx); err != nil {
			slog.Warn("cleanup: disconnect reported errors", "error", err)
		}
	}

	if err := o.pipeline.Cleanup(ctx); err != nil {
		slog.Warn("cleanup: pipeline cleanup failed", "error", err)
	}
	o.transport.SetSystemCallbacks(types.SystemCallbacks{})

	o.mu.Lock()
	monitor := o.monitor
	o.monitor = nil
	o.phase = types.PhaseUninitialized
	o.deviceID = ""
	o.deviceName = ""
	o.activeSessionID = ""
	o.lastVoltage = 0
	clear(o.rateHistory)
	o.mu.Unlock()
	if monitor != nil {
		monitor.stop()
	}

	o.publisher.Reset()
	slog.Info("orchestrator cleanup complete")
	return nil
}

// resetToInitialized forces the disconnected baseline.
func (o *Orchestrator) resetToInitialized() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = types.PhaseInitialized
	o.deviceID = ""
	o.deviceName = ""
	o.activeSessionID = ""
	o.lastVoltage = 0
	clear(o.rateHistory)
}

// handleBatteryUpdate is registered on the transport and republishes battery
// pushes from the device.
func (o *Orchestrator) handleBatteryUpdate(level int, voltage float64) {
	o.mu.Lock()
	o.lastVoltage = voltage
	deviceID := o.deviceID
	o.mu.Unlock()
	if deviceID == "" {
		return
	}

	o.publisher.BatteryUpdated(level, voltage)
	if o.notifier != nil {
		o.notifier.NotifyBatteryLevel(deviceID, level)
	}
}

// handleChannelBatch is registered on the pipeline and persists batches
// while a recording session is active.
func (o *Orchestrator) handleChannelBatch(class types.ChannelClass, batch *types.ChannelBatch) {
	o.mu.RLock()
	recording := o.phase == types.PhaseRecording
	o.mu.RUnlock()
	if !recording {
		return
	}

	if err := o.store.WriteBatch(class, batch); err != nil {
		slog.Error("failed to persist channel batch", "class", class, "error", err)
	}
}
