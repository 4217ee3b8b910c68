package server

import (
	"github.com/halcyonbio/biolink-gateway/internal/config"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// --- Config handlers ---

// handleConfigGet sends the current configuration to the client.
func (h *CommandHandler) handleConfigGet(send chan<- any) {
	snap := h.cfg.Snapshot()
	trySend(send, "config", types.WSConfigResponse{
		Type:   "config",
		Config: RedactedConfig(&snap),
	})
}

// RedactedConfig builds the dashboard-facing configuration document.
// Secrets are reported as presence flags, never echoed back.
func RedactedConfig(snap *config.Snapshot) map[string]any {
	return map[string]any{
		"gateway": map[string]any{
			"name":      snap.GatewayName,
			"port":      snap.WebPort,
			"log_level": snap.LogLevel,
		},
		"device": map[string]any{
			"preferred_device":         snap.PreferredDevice,
			"scan_timeout_ms":          snap.ScanTimeoutMs,
			"flatline_threshold_db":    snap.FlatlineThresholdDB,
			"flatline_min_duration_ms": snap.FlatlineMinDurationMs,
			"flatline_recovery_ms":     snap.FlatlineRecoveryMs,
		},
		"storage": map[string]any{
			"mode":           snap.StorageMode,
			"local_dir":      snap.StorageLocalDir,
			"retention_days": snap.StorageRetentionDays,
			"s3_endpoint":    snap.S3Endpoint,
			"s3_region":      snap.S3Region,
			"s3_bucket":      snap.S3Bucket,
			"s3_access_key":  snap.S3AccessKeyID,
			"s3_secret_set":  snap.S3SecretAccessKey != "",
			"s3_prefix":      snap.S3Prefix,
		},
		"recording": map[string]any{
			"default_subject":      snap.DefaultSubject,
			"max_duration_minutes": snap.MaxDurationMinutes,
		},
		"notifications": map[string]any{
			"battery_low_percent": snap.BatteryLowPercent,
			"webhook_url":         snap.WebhookURL,
			"graph_tenant_id":     snap.GraphTenantID,
			"graph_client_id":     snap.GraphClientID,
			"graph_secret_set":    snap.GraphClientSecret != "",
			"graph_from_address":  snap.GraphFromAddress,
			"graph_recipients":    snap.GraphRecipients,
		},
		"dumps": map[string]any{
			"dir":            snap.DumpDir,
			"retention_days": snap.DumpRetentionDays,
		},
	}
}

// handleConfigUpdate processes a config/update command.
func (h *CommandHandler) handleConfigUpdate(cmd Command, send chan<- any) {
	HandleCommand(cmd, send, h.ApplyConfigUpdate)
}

// ApplyConfigUpdate applies a validated config update request. Only the
// sections present in the request are applied; each goes through its config
// setter and the matching runtime re-apply. Shared by the WebSocket command
// and the REST endpoint.
func (h *CommandHandler) ApplyConfigUpdate(req *ConfigUpdateRequest) error {
	snap := h.cfg.Snapshot()
	var applyDevice, applyStorage, applyNotifications, applyDumps bool

	if g := req.Gateway; g != nil {
		if err := h.cfg.SetGatewaySettings(g.Name, g.LogLevel); err != nil {
			return err
		}
	}

	if d := req.Device; d != nil {
		if d.PreferredDevice != nil {
			if err := h.cfg.SetPreferredDevice(*d.PreferredDevice); err != nil {
				return err
			}
		}
		if d.ScanTimeoutMs != nil {
			if err := h.cfg.SetScanTimeout(*d.ScanTimeoutMs); err != nil {
				return err
			}
		}
		if d.FlatlineThresholdDB != nil || d.FlatlineMinDurationMs != nil || d.FlatlineRecoveryMs != nil {
			if err := h.cfg.SetFlatlineSettings(
				patch(d.FlatlineThresholdDB, snap.FlatlineThresholdDB),
				patch(d.FlatlineMinDurationMs, snap.FlatlineMinDurationMs),
				patch(d.FlatlineRecoveryMs, snap.FlatlineRecoveryMs),
			); err != nil {
				return err
			}
			applyDevice = true
		}
	}

	if s := req.Storage; s != nil {
		if err := h.cfg.SetStorage(config.StorageConfig{
			Mode:          types.StorageMode(s.Mode),
			LocalDir:      s.LocalDir,
			RetentionDays: s.RetentionDays,
			S3: config.S3Config{
				Endpoint:        s.S3Endpoint,
				Region:          s.S3Region,
				Bucket:          s.S3Bucket,
				AccessKeyID:     s.S3AccessKey,
				SecretAccessKey: s.S3SecretKey,
				Prefix:          s.S3Prefix,
			},
		}); err != nil {
			return err
		}
		applyStorage = true
	}

	if r := req.Recording; r != nil {
		if err := h.cfg.SetRecordingDefaults(
			patch(r.DefaultSubject, snap.DefaultSubject),
			patch(r.MaxDurationMinutes, snap.MaxDurationMinutes),
		); err != nil {
			return err
		}
	}

	if n := req.Notifications; n != nil {
		if n.BatteryLowPercent != nil {
			if err := h.cfg.SetBatteryLowPercent(*n.BatteryLowPercent); err != nil {
				return err
			}
		}
		if n.WebhookURL != nil {
			if err := h.cfg.SetWebhookURL(*n.WebhookURL); err != nil {
				return err
			}
		}
		if n.GraphTenantID != nil || n.GraphClientID != nil || n.GraphClientSecret != nil ||
			n.GraphFromAddress != nil || n.GraphRecipients != nil {
			if err := h.cfg.SetGraphConfig(
				patch(n.GraphTenantID, snap.GraphTenantID),
				patch(n.GraphClientID, snap.GraphClientID),
				patch(n.GraphClientSecret, snap.GraphClientSecret),
				patch(n.GraphFromAddress, snap.GraphFromAddress),
				patch(n.GraphRecipients, snap.GraphRecipients),
			); err != nil {
				return err
			}
		}
		applyNotifications = true
	}

	if d := req.Dumps; d != nil {
		if err := h.cfg.SetDumps(config.DumpsConfig{
			Dir:           d.Dir,
			RetentionDays: d.RetentionDays,
		}); err != nil {
			return err
		}
		applyDumps = true
	}

	if h.applier != nil {
		if applyDevice {
			h.applier.ApplyDeviceSettings()
		}
		if applyStorage {
			h.applier.ApplyStorageSettings()
		}
		if applyNotifications {
			h.applier.ApplyNotificationSettings()
		}
		if applyDumps {
			h.applier.ApplyDumpSettings()
		}
	}

	return nil
}

// patch returns the override when present, otherwise the current value.
func patch[T any](override *T, current T) T {
	if override != nil {
		return *override
	}
	return current
}
