package notify

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/halcyonbio/biolink-gateway/internal/capture"
	"github.com/halcyonbio/biolink-gateway/internal/config"
	"github.com/halcyonbio/biolink-gateway/internal/util"
)

// maxEmailDumpBytes caps the dump size attached to a dump-ready email.
const maxEmailDumpBytes = 5 << 20

// BuildGraphConfig creates a GraphConfig from the config snapshot.
func BuildGraphConfig(snap *config.Snapshot) *GraphConfig {
	return &GraphConfig{
		TenantID:     snap.GraphTenantID,
		ClientID:     snap.GraphClientID,
		ClientSecret: snap.GraphClientSecret,
		FromAddress:  snap.GraphFromAddress,
		Recipients:   snap.GraphRecipients,
	}
}

// sendEmail handles the shared delivery plumbing for alert emails.
func (n *AlertNotifier) sendEmail(cfg *GraphConfig, subject, body string, attachment *EmailAttachment) error {
	if !IsConfigured(cfg) {
		return nil
	}

	client, err := n.getOrCreateGraphClient(cfg)
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	if err := client.SendMailWithAttachment(recipients, subject, body, attachment); err != nil {
		return util.WrapError("send email via Graph", err)
	}

	return nil
}

func (n *AlertNotifier) sendBatteryEmail(snap *config.Snapshot, deviceID string, level int) error {
	subject := "[ALERT] Device Battery Low - " + snap.GatewayName
	body := fmt.Sprintf(
		"The sensor battery crossed the alert threshold.\n\n"+
			"Device:    %s\n"+
			"Battery:   %d%%\n"+
			"Threshold: %d%%\n"+
			"Time:      %s\n\n"+
			"Charge or swap the sensor before the connection drops.",
		deviceID, level, snap.BatteryLowPercent, util.HumanTime(),
	)
	return n.sendEmail(BuildGraphConfig(snap), subject, body, nil)
}

func (n *AlertNotifier) sendDeviceLostEmail(snap *config.Snapshot, deviceID, deviceName string) error {
	subject := "[ALERT] Device Connection Lost - " + snap.GatewayName
	body := fmt.Sprintf(
		"The sensor connection was lost without a disconnect.\n\n"+
			"Device: %s (%s)\n"+
			"Time:   %s\n\n"+
			"Any active recording was closed out. Check the sensor and reconnect.",
		deviceID, deviceName, util.HumanTime(),
	)
	return n.sendEmail(BuildGraphConfig(snap), subject, body, nil)
}

func (n *AlertNotifier) sendFlatlineEmail(snap *config.Snapshot, levelDB float64) error {
	subject := "[ALERT] Signal Flatline Detected - " + snap.GatewayName
	body := fmt.Sprintf(
		"Signal contact loss detected on the biosignal channel.\n\n"+
			"Level:     %.1f dBFS\n"+
			"Threshold: %.1f dBFS\n"+
			"Time:      %s\n\n"+
			"The flatline is ongoing. Check the electrode contact.",
		levelDB, snap.FlatlineThresholdDB, util.HumanTime(),
	)
	return n.sendEmail(BuildGraphConfig(snap), subject, body, nil)
}

func (n *AlertNotifier) sendFlatlineRecoveredEmail(snap *config.Snapshot, durationMs int64, levelDB float64) error {
	subject := "[OK] Signal Recovered - " + snap.GatewayName
	body := fmt.Sprintf(
		"The biosignal channel recovered.\n\n"+
			"Level:           %.1f dBFS\n"+
			"Flatline lasted: %s\n"+
			"Threshold:       %.1f dBFS\n"+
			"Time:            %s",
		levelDB, util.FormatDuration(durationMs), snap.FlatlineThresholdDB, util.HumanTime(),
	)
	return n.sendEmail(BuildGraphConfig(snap), subject, body, nil)
}

// NotifyDumpReady announces a written dropout dump on both channels, with
// the dump attached to the email when it is small enough.
func (n *AlertNotifier) NotifyDumpReady(result capture.DumpResult) {
	snap := n.cfg.Snapshot()

	if snap.HasWebhook() {
		go util.LogNotifyResult(
			func() error { return n.sendDumpWebhook(&snap, result) },
			"Dump webhook",
		)
	}
	if snap.HasGraph() {
		go util.LogNotifyResult(
			func() error { return n.sendDumpEmail(&snap, result) },
			"Dump email",
		)
	}
}

func (n *AlertNotifier) sendDumpWebhook(snap *config.Snapshot, result capture.DumpResult) error {
	encoded := ""
	if result.Error == nil && result.FileSize > 0 && result.FileSize <= maxWebhookDumpBytes {
		data, err := os.ReadFile(result.FilePath)
		if err == nil {
			encoded = base64.StdEncoding.EncodeToString(data)
		}
	}
	return SendDumpReadyWebhook(snap.WebhookURL, result, encoded)
}

func (n *AlertNotifier) sendDumpEmail(snap *config.Snapshot, result capture.DumpResult) error {
	subject := "[INFO] Dropout Dump Captured - " + snap.GatewayName
	body := fmt.Sprintf(
		"A signal dropout dump was written.\n\n"+
			"File:     %s\n"+
			"Size:     %d bytes\n"+
			"Flatline: %s\n"+
			"Time:     %s",
		result.Filename, result.FileSize, util.FormatDuration(result.Duration.Milliseconds()), util.HumanTime(),
	)

	var attachment *EmailAttachment
	if result.Error == nil && result.FileSize > 0 && result.FileSize <= maxEmailDumpBytes {
		if data, err := os.ReadFile(result.FilePath); err == nil {
			attachment = &EmailAttachment{
				Filename:    result.Filename,
				ContentType: "application/x-ndjson",
				Data:        data,
			}
		}
	}
	return n.sendEmail(BuildGraphConfig(snap), subject, body, attachment)
}

// SendTestEmail sends a test email to verify the Graph configuration.
func SendTestEmail(cfg *GraphConfig, gatewayName string) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return fmt.Errorf("create Graph client: %w", err)
	}

	if err := client.ValidateAuth(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	subject := "[TEST] " + gatewayName
	body := fmt.Sprintf(
		"Test email from the BioLink gateway.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		util.HumanTime(),
	)

	recipients := ParseRecipients(cfg.Recipients)
	if err := client.SendMail(recipients, subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	return nil
}
