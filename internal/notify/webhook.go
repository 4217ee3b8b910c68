package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/capture"
	"github.com/halcyonbio/biolink-gateway/internal/util"
)

// maxWebhookDumpBytes caps the dump size embedded in a webhook payload.
// Larger dumps are referenced by filename only.
const maxWebhookDumpBytes = 1 << 20

// WebhookPayload is the body posted to the configured webhook endpoint.
type WebhookPayload struct {
	Event              string  `json:"event"`
	DeviceID           string  `json:"device_id,omitempty"`
	DeviceName         string  `json:"device_name,omitempty"`
	BatteryPercent     int     `json:"battery_percent,omitempty"`
	BatteryThreshold   int     `json:"battery_threshold,omitempty"`
	LevelDB            float64 `json:"level_db,omitempty"`
	ThresholdDB        float64 `json:"threshold_db,omitempty"`
	FlatlineDurationMs int64   `json:"flatline_duration_ms,omitempty"`
	Message            string  `json:"message,omitempty"`
	Timestamp          string  `json:"timestamp"`

	// Dropout dump fields (flatline_dump_ready only)
	DumpBase64    string `json:"dump_base64,omitempty"`
	DumpFilename  string `json:"dump_filename,omitempty"`
	DumpSizeBytes int64  `json:"dump_size_bytes,omitempty"`
	DumpError     string `json:"dump_error,omitempty"`
}

// SendBatteryWebhook notifies the configured webhook that the device battery
// crossed the alert threshold.
func SendBatteryWebhook(webhookURL, deviceID string, level, threshold int) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:            "battery_low",
		DeviceID:         deviceID,
		BatteryPercent:   level,
		BatteryThreshold: threshold,
		Timestamp:        timestampUTC(),
	})
}

// SendDeviceLostWebhook notifies the configured webhook that the device
// connection was lost without a disconnect.
func SendDeviceLostWebhook(webhookURL, deviceID, deviceName string) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:      "device_lost",
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Timestamp:  timestampUTC(),
	})
}

// SendFlatlineWebhook notifies the configured webhook of confirmed signal
// contact loss.
func SendFlatlineWebhook(webhookURL string, levelDB, thresholdDB float64) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:       "flatline_detected",
		LevelDB:     levelDB,
		ThresholdDB: thresholdDB,
		Timestamp:   timestampUTC(),
	})
}

// SendFlatlineRecoveredWebhook notifies the configured webhook that the
// signal recovered after a flatline period.
func SendFlatlineRecoveredWebhook(webhookURL string, durationMs int64, levelDB, thresholdDB float64) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:              "flatline_recovered",
		FlatlineDurationMs: durationMs,
		LevelDB:            levelDB,
		ThresholdDB:        thresholdDB,
		Timestamp:          timestampUTC(),
	})
}

// SendDumpReadyWebhook notifies the configured webhook that a dropout dump
// was written. Small dumps are embedded base64-encoded; larger ones are
// referenced by filename.
func SendDumpReadyWebhook(webhookURL string, result capture.DumpResult, encoded string) error {
	payload := &WebhookPayload{
		Event:              "flatline_dump_ready",
		FlatlineDurationMs: result.Duration.Milliseconds(),
		DumpFilename:       result.Filename,
		DumpSizeBytes:      result.FileSize,
		Timestamp:          timestampUTC(),
	}
	if result.Error != nil {
		payload.DumpError = result.Error.Error()
	}
	if len(encoded) > 0 && result.FileSize <= maxWebhookDumpBytes {
		payload.DumpBase64 = encoded
	}
	return sendWebhook(webhookURL, payload)
}

// SendTestWebhook sends a test notification to verify webhook configuration.
func SendTestWebhook(webhookURL, gatewayName string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     "test",
		Message:   "This is a test notification from " + gatewayName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a payload to the webhook endpoint.
func sendWebhook(webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	client := &http.Client{Timeout: 10000 * time.Millisecond}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// timestampUTC returns the current UTC time in RFC3339 format.
func timestampUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
