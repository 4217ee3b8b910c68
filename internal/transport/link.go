// Package transport implements the device link for BioLink sensors.
// The gateway ships with a simulated link so it runs end-to-end without
// hardware; real radio bridges plug in behind the same surface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// Sentinel errors returned by link operations.
var (
	ErrNotConnected     = errors.New("no device connected")
	ErrAlreadyConnected = errors.New("device already connected")
	ErrUnknownDevice    = errors.New("unknown device")
)

const (
	// connectLatency simulates link establishment time.
	connectLatency = 150 * time.Millisecond
	// scanLatency simulates one advertising window.
	scanLatency = 300 * time.Millisecond
	// initialBattery is the battery level reported right after connect.
	initialBattery = 98.0
	// batteryDrainPerUpdate is the charge lost between battery pushes.
	batteryDrainPerUpdate = 0.02
)

// FrameHandler receives raw frames from the link.
type FrameHandler func(frame types.Frame)

// Link is a simulated BioLink device connection. It is safe for concurrent use.
type Link struct {
	mu sync.RWMutex

	registry []simDevice
	cache    []types.DeviceDescriptor

	connected   bool
	current     *simDevice
	connectedAt time.Time
	battery     float64

	callbacks types.SystemCallbacks

	handlers map[int]FrameHandler
	nextSub  int

	stopChan chan struct{}
	wg       sync.WaitGroup

	failNextConnect    error
	failNextDisconnect error
}

// NewLink creates a link backed by the default simulated fleet.
func NewLink() *Link {
	return &Link{
		registry: defaultFleet(),
		handlers: make(map[int]FrameHandler),
	}
}

// Scan lists advertising devices. The result is also cached for
// ClearDeviceCache to discard.
func (l *Link) Scan(ctx context.Context) ([]types.DeviceDescriptor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(scanLatency):
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	descriptors := make([]types.DeviceDescriptor, 0, len(l.registry))
	for i := range l.registry {
		descriptors = append(descriptors, l.registry[i].descriptor())
	}
	l.cache = slices.Clone(descriptors)
	return descriptors, nil
}

// Connect establishes the link to the device with the given id.
func (l *Link) Connect(ctx context.Context, id string) error {
	l.mu.Lock()
	if err := l.failNextConnect; err != nil {
		l.failNextConnect = nil
		l.mu.Unlock()
		return err
	}
	if l.connected {
		current := l.current.ID
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, current)
	}
	device := l.lookupLocked(id)
	if device == nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	l.mu.Unlock()

	// Link establishment latency
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectLatency):
	}

	l.mu.Lock()
	if l.connected {
		current := l.current.ID
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, current)
	}
	l.current = device
	l.connected = true
	l.connectedAt = time.Now()
	l.battery = initialBattery
	l.stopChan = make(chan struct{})
	l.wg.Add(1)
	go l.runGenerator(l.stopChan)
	level := int(math.Round(l.battery))
	voltage := voltageFor(l.battery)
	cb := l.callbacks.OnBatteryUpdate
	l.mu.Unlock()

	slog.Info("device link established", "device", device.ID, "name", device.Name)
	if cb != nil {
		cb(level, voltage)
	}
	return nil
}

// Disconnect releases the link. The device side is torn down even when a
// failure is injected, matching a teardown call that dies after taking effect.
func (l *Link) Disconnect(_ context.Context) error {
	l.mu.Lock()
	injected := l.failNextDisconnect
	l.failNextDisconnect = nil
	if !l.connected {
		l.mu.Unlock()
		return injected
	}
	stopChan := l.stopChan
	l.stopChan = nil
	l.connected = false
	device := l.current.ID
	l.current = nil
	l.connectedAt = time.Time{}
	l.mu.Unlock()

	if stopChan != nil {
		close(stopChan)
	}
	l.wg.Wait()

	slog.Info("device link released", "device", device)
	return injected
}

// Drop simulates silent link loss: the device stops responding without any
// disconnect handshake. IsConnected reports false afterwards.
func (l *Link) Drop() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	stopChan := l.stopChan
	l.stopChan = nil
	l.connected = false
	device := l.current.ID
	l.current = nil
	l.connectedAt = time.Time{}
	l.mu.Unlock()

	if stopChan != nil {
		close(stopChan)
	}
	l.wg.Wait()

	slog.Warn("device link dropped", "device", device)
}

// IsConnected reports whether a device link is up.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// DeviceID returns the connected device id, or "" when disconnected.
func (l *Link) DeviceID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return ""
	}
	return l.current.ID
}

// DeviceName returns the connected device name, or "" when disconnected.
func (l *Link) DeviceName() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return ""
	}
	return l.current.Name
}

// BatteryLevel returns the last known battery percentage, or 0 when
// disconnected.
func (l *Link) BatteryLevel() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.connected {
		return 0
	}
	return int(math.Round(l.battery))
}

// CurrentSamplingRates returns measured per-class rates with realistic
// measurement jitter.
func (l *Link) CurrentSamplingRates() (map[types.ChannelClass]float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.connected {
		return nil, ErrNotConnected
	}
	return map[types.ChannelClass]float64{
		types.ChannelBiosignal: measuredRate(types.BiosignalRate),
		types.ChannelMotion:    measuredRate(types.MotionRate),
		types.ChannelAmbient:   measuredRate(types.AmbientRate),
	}, nil
}

// ConnectionDuration returns the time since connect, or zero when disconnected.
func (l *Link) ConnectionDuration() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.connected {
		return 0
	}
	return time.Since(l.connectedAt)
}

// ConnectionStartTime returns the connection establishment time, or the zero
// time when disconnected.
func (l *Link) ConnectionStartTime() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connectedAt
}

// SetSystemCallbacks registers device-level push callbacks.
func (l *Link) SetSystemCallbacks(cb types.SystemCallbacks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = cb
}

// ClearDeviceCache discards cached scan results.
func (l *Link) ClearDeviceCache() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = nil
	return nil
}

// CachedDevices returns the most recent scan results without a new scan.
func (l *Link) CachedDevices() []types.DeviceDescriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.cache)
}

// SubscribeFrames registers a raw frame handler and returns its unsubscribe
// function. Handlers survive reconnects. The signature matches the pipeline's
// frame source so the router can attach by type assertion.
func (l *Link) SubscribeFrames(h func(frame types.Frame)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	l.handlers[id] = h
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, id)
	}
}

// FailNextConnect makes the next Connect call return err.
func (l *Link) FailNextConnect(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNextConnect = err
}

// FailNextDisconnect makes the next Disconnect call return err.
func (l *Link) FailNextDisconnect(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNextDisconnect = err
}

// lookupLocked returns the registry entry for id. Caller must hold l.mu.
func (l *Link) lookupLocked(id string) *simDevice {
	for i := range l.registry {
		if l.registry[i].ID == id {
			return &l.registry[i]
		}
	}
	return nil
}

// runGenerator drives frame emission and battery telemetry until stopped.
func (l *Link) runGenerator(stop <-chan struct{}) {
	defer l.wg.Done()

	frames := time.NewTicker(types.FrameInterval)
	defer frames.Stop()
	battery := time.NewTicker(types.BatteryUpdateInterval)
	defer battery.Stop()

	var tick uint64
	var phase float64
	for {
		select {
		case <-stop:
			return
		case <-frames.C:
			tick++
			l.emitFrames(tick, &phase)
		case <-battery.C:
			l.drainBattery()
		}
	}
}

// emitFrames synthesizes one frame interval worth of samples and fans them
// out to subscribers outside the lock.
func (l *Link) emitFrames(tick uint64, phase *float64) {
	l.mu.RLock()
	if !l.connected {
		l.mu.RUnlock()
		return
	}
	handlers := make([]FrameHandler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, frame := range synthesizeFrames(tick, phase, time.Now()) {
		for _, h := range handlers {
			h(frame)
		}
	}
}

// drainBattery applies the drain model and pushes an update.
func (l *Link) drainBattery() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.battery = max(l.battery-batteryDrainPerUpdate, 0)
	level := int(math.Round(l.battery))
	voltage := voltageFor(l.battery)
	cb := l.callbacks.OnBatteryUpdate
	l.mu.Unlock()

	if cb != nil {
		cb(level, voltage)
	}
}

// voltageFor maps a battery percentage onto the pack voltage curve.
func voltageFor(battery float64) float64 {
	return 3.5 + battery/100*0.7
}
