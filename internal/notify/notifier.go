// Package notify dispatches device-health alerts over the configured webhook
// and Microsoft Graph email channels: battery low, device lost, and signal
// flatline with the captured dropout dump attached once it lands.
package notify

import (
	"sync"

	"github.com/halcyonbio/biolink-gateway/internal/config"
	"github.com/halcyonbio/biolink-gateway/internal/pipeline"
	"github.com/halcyonbio/biolink-gateway/internal/util"
)

// AlertNotifier manages alert delivery and the send-once bookkeeping.
// Battery and device-lost alerts fire at most once per connection; flatline
// alerts at most once per flatline period. Deliveries run in the background
// so callers never block on HTTP.
type AlertNotifier struct {
	cfg *config.Config

	// mu protects the send flags and the cached Graph client
	mu sync.Mutex

	batteryWebhookSent bool
	batteryEmailSent   bool
	lostWebhookSent    bool
	lostEmailSent      bool

	flatlineWebhookSent bool
	flatlineEmailSent   bool

	graphClient *GraphClient
}

// NewAlertNotifier returns an AlertNotifier reading its channel settings
// from cfg at send time.
func NewAlertNotifier(cfg *config.Config) *AlertNotifier {
	return &AlertNotifier{cfg: cfg}
}

// InvalidateGraphClient clears the cached Graph client. Call this when the
// Graph configuration changes.
func (n *AlertNotifier) InvalidateGraphClient() {
	n.mu.Lock()
	n.graphClient = nil
	n.mu.Unlock()
}

// getOrCreateGraphClient returns the cached Graph client, creating it if
// needed.
func (n *AlertNotifier) getOrCreateGraphClient(cfg *GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil {
		return n.graphClient, nil
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	return client, nil
}

// ResetConnectionAlerts re-arms all alerts. The orchestrator calls this when
// a new device connection is established.
func (n *AlertNotifier) ResetConnectionAlerts() {
	n.mu.Lock()
	n.batteryWebhookSent = false
	n.batteryEmailSent = false
	n.lostWebhookSent = false
	n.lostEmailSent = false
	n.flatlineWebhookSent = false
	n.flatlineEmailSent = false
	n.mu.Unlock()
}

// NotifyBatteryLevel checks the level against the configured alert threshold
// and raises the battery-low alert when crossed.
func (n *AlertNotifier) NotifyBatteryLevel(deviceID string, level int) {
	snap := n.cfg.Snapshot()
	if level > snap.BatteryLowPercent {
		return
	}

	n.trySend(&n.batteryWebhookSent, snap.HasWebhook(), func() {
		util.LogNotifyResult(
			func() error { return SendBatteryWebhook(snap.WebhookURL, deviceID, level, snap.BatteryLowPercent) },
			"Battery webhook",
		)
	})
	n.trySend(&n.batteryEmailSent, snap.HasGraph(), func() {
		util.LogNotifyResult(
			func() error { return n.sendBatteryEmail(&snap, deviceID, level) },
			"Battery email",
		)
	})
}

// NotifyDeviceLost raises the device-lost alert.
func (n *AlertNotifier) NotifyDeviceLost(deviceID, deviceName string) {
	snap := n.cfg.Snapshot()

	n.trySend(&n.lostWebhookSent, snap.HasWebhook(), func() {
		util.LogNotifyResult(
			func() error { return SendDeviceLostWebhook(snap.WebhookURL, deviceID, deviceName) },
			"Device lost webhook",
		)
	})
	n.trySend(&n.lostEmailSent, snap.HasGraph(), func() {
		util.LogNotifyResult(
			func() error { return n.sendDeviceLostEmail(&snap, deviceID, deviceName) },
			"Device lost email",
		)
	})
}

// HandleFlatlineEvent processes a flatline transition from the pipeline and
// triggers the matching alerts.
func (n *AlertNotifier) HandleFlatlineEvent(event pipeline.FlatlineEvent) {
	if event.JustEntered {
		n.handleFlatlineStart(event.CurrentLevelDB)
	}
	if event.JustRecovered {
		n.handleFlatlineEnd(event.TotalDurationMs, event.CurrentLevelDB)
	}
}

// handleFlatlineStart fires when contact loss is first confirmed.
func (n *AlertNotifier) handleFlatlineStart(levelDB float64) {
	snap := n.cfg.Snapshot()

	n.trySend(&n.flatlineWebhookSent, snap.HasWebhook(), func() {
		util.LogNotifyResult(
			func() error { return SendFlatlineWebhook(snap.WebhookURL, levelDB, snap.FlatlineThresholdDB) },
			"Flatline webhook",
		)
	})
	n.trySend(&n.flatlineEmailSent, snap.HasGraph(), func() {
		util.LogNotifyResult(
			func() error { return n.sendFlatlineEmail(&snap, levelDB) },
			"Flatline email",
		)
	})
}

// handleFlatlineEnd fires when the signal recovers. Recovery goes only to
// channels that received the corresponding start alert, and the flags are
// re-armed for the next flatline period.
func (n *AlertNotifier) handleFlatlineEnd(totalDurationMs int64, levelDB float64) {
	snap := n.cfg.Snapshot()

	n.mu.Lock()
	sendWebhook := n.flatlineWebhookSent
	sendEmail := n.flatlineEmailSent
	n.flatlineWebhookSent = false
	n.flatlineEmailSent = false
	n.mu.Unlock()

	if sendWebhook {
		go util.LogNotifyResult(
			func() error {
				return SendFlatlineRecoveredWebhook(snap.WebhookURL, totalDurationMs, levelDB, snap.FlatlineThresholdDB)
			},
			"Flatline recovery webhook",
		)
	}
	if sendEmail {
		go util.LogNotifyResult(
			func() error { return n.sendFlatlineRecoveredEmail(&snap, totalDurationMs, levelDB) },
			"Flatline recovery email",
		)
	}
}

// trySend marks the flag and dispatches in the background when the channel
// is configured and the alert has not fired yet.
func (n *AlertNotifier) trySend(sent *bool, configured bool, sender func()) {
	n.mu.Lock()
	shouldSend := !*sent && configured
	if shouldSend {
		*sent = true
	}
	n.mu.Unlock()
	if shouldSend {
		go sender()
	}
}
