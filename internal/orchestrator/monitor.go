package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/journal"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// monitorHandle identifies one run of the health monitor. Ownership of the
// handle is the at-most-one enforcement: the orchestrator holds the current
// handle, and ticks from a detached handle do nothing.
type monitorHandle struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// stop signals the monitor goroutine and waits for it to exit. Safe to call
// more than once and after the goroutine already returned.
func (h *monitorHandle) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// startMonitorLocked launches the health monitor. Caller holds the write
// lock; a monitor that is already running is left alone.
func (o *Orchestrator) startMonitorLocked() {
	if o.monitor != nil {
		return
	}
	h := &monitorHandle{stopCh: make(chan struct{})}
	h.wg.Add(1)
	o.monitor = h
	go o.runMonitor(h)
}

// runMonitor drives the fixed-period health loop for one connection.
func (o *Orchestrator) runMonitor(h *monitorHandle) {
	defer h.wg.Done()

	ticker := time.NewTicker(types.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if !o.monitorTick(h) {
				return
			}
		}
	}
}

// monitorTick runs one liveness and telemetry pass. It returns false when
// the monitor should exit, either because its handle was detached by a
// disconnect or because the link died.
func (o *Orchestrator) monitorTick(h *monitorHandle) bool {
	o.mu.RLock()
	current := o.monitor == h
	deviceID := o.deviceID
	lastVoltage := o.lastVoltage
	o.mu.RUnlock()
	if !current {
		return false
	}

	if !o.transport.IsConnected() {
		o.collapse(h, deviceID)
		return false
	}

	rates, err := o.transport.CurrentSamplingRates()
	if err != nil {
		// Transient read failures must not affect the connection
		slog.Debug("sampling rate read failed", "device_id", deviceID, "error", err)
		return true
	}

	o.mu.Lock()
	if o.monitor != h {
		o.mu.Unlock()
		return false
	}
	for class, rate := range rates {
		hist := append(o.rateHistory[class], rate)
		if len(hist) > types.RateHistorySize {
			hist = hist[len(hist)-types.RateHistorySize:]
		}
		o.rateHistory[class] = hist
	}
	avg := o.rateAveragesLocked()
	o.mu.Unlock()

	o.publisher.SamplingRatesUpdated(avg)
	o.publisher.BatteryUpdated(o.transport.BatteryLevel(), lastVoltage)
	return true
}

// collapse handles a link that died underneath the monitor: the disconnect
// teardown minus the transport disconnect call the device already performed
// on itself, and minus the settling delay. Errors are logged but never
// block the reset.
func (o *Orchestrator) collapse(h *monitorHandle, deviceID string) {
	o.mu.Lock()
	if o.monitor != h {
		o.mu.Unlock()
		return
	}
	o.monitor = nil
	deviceName := o.deviceName
	sessionID := o.activeSessionID
	streaming := o.phase == types.PhaseStreaming || o.phase == types.PhaseRecording
	recording := o.phase == types.PhaseRecording
	o.mu.Unlock()

	slog.Warn("device connection lost", "device_id", deviceID)
	ctx := context.Background()

	if recording {
		if err := o.store.EndSession(ctx); err != nil {
			slog.Error("failed to end session after device loss", "session_id", sessionID, "error", err)
		}
		o.publisher.RecordingChanged(false, sessionID)
		if o.journal != nil {
			_ = o.journal.LogRecording(journal.RecordingStopped, sessionID, &journal.RecordingDetails{Error: "device lost"})
		}
	}

	if streaming {
		if err := o.pipeline.Stop(ctx); err != nil {
			slog.Error("failed to stop pipeline after device loss", "error", err)
		}
		o.publisher.StreamingChanged(false)
	}

	if err := o.transport.ClearDeviceCache(); err != nil {
		slog.Warn("failed to clear device cache after device loss", "error", err)
	}

	o.resetToInitialized()

	o.publisher.ConnectionChanged(types.ConnectionSnapshot{})
	if o.journal != nil {
		_ = o.journal.LogDevice(journal.DeviceLost, deviceID, deviceName, 0, "connection lost")
	}
	if o.notifier != nil {
		o.notifier.NotifyDeviceLost(deviceID, deviceName)
	}
}
