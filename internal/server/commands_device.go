package server

import (
	"context"
	"log/slog"
	"time"
)

// --- Device handlers ---

// handleDeviceScan processes a device/scan command. The scan window comes
// from config; results are sent asynchronously because a scan takes the
// full window.
func (h *CommandHandler) handleDeviceScan(cmd Command, send chan<- any) {
	snap := h.cfg.Snapshot()
	window := time.Duration(snap.ScanTimeoutMs) * time.Millisecond

	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), window)
		defer cancel()

		devices, err := h.controller.ScanDevices(ctx)
		if err != nil {
			return nil, err
		}

		slog.Info("device scan completed", "found", len(devices))
		return map[string]any{"devices": devices}, nil
	})
}

// handleDeviceConnect processes a device/connect command.
func (h *CommandHandler) handleDeviceConnect(cmd Command, send chan<- any) {
	var req DeviceConnectRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}

	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		if err := h.controller.ConnectDevice(ctx, req.DeviceID); err != nil {
			return nil, err
		}

		// Remember the device for the next dashboard session
		if err := h.cfg.SetPreferredDevice(req.DeviceID); err != nil {
			slog.Warn("failed to save preferred device", "error", err)
		}

		return map[string]string{"device_id": req.DeviceID}, nil
	})
}

// handleDeviceDisconnect processes a device/disconnect command.
func (h *CommandHandler) handleDeviceDisconnect(cmd Command, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		return nil, h.controller.DisconnectDevice(ctx)
	})
}

// --- Stream handlers ---

// handleStreamStart processes a stream/start command.
func (h *CommandHandler) handleStreamStart(cmd Command, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		return nil, h.controller.StartStreaming(ctx)
	})
}

// handleStreamStop processes a stream/stop command.
func (h *CommandHandler) handleStreamStop(cmd Command, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		return nil, h.controller.StopStreaming(ctx)
	})
}
