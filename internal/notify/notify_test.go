package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonbio/biolink-gateway/internal/config"
	"github.com/halcyonbio/biolink-gateway/internal/pipeline"
)

// webhookSink collects webhook payloads delivered to a test server.
type webhookSink struct {
	mu       sync.Mutex
	payloads []WebhookPayload
	status   int
}

func newWebhookSink() (*webhookSink, *httptest.Server) {
	sink := &webhookSink{status: http.StatusOK}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload WebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		sink.mu.Lock()
		sink.payloads = append(sink.payloads, payload)
		status := sink.status
		sink.mu.Unlock()
		w.WriteHeader(status)
	}))
	return sink, server
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *webhookSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]string, len(s.payloads))
	for i, p := range s.payloads {
		events[i] = p.Event
	}
	return events
}

func testConfig(t *testing.T, webhookURL string) *config.Config {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.SetWebhookURL(webhookURL))
	return cfg
}

func TestSendTestWebhook(t *testing.T) {
	sink, server := newWebhookSink()
	defer server.Close()

	require.NoError(t, SendTestWebhook(server.URL, "Lab Gateway"))

	require.Equal(t, 1, sink.count())
	payload := sink.payloads[0]
	assert.Equal(t, "test", payload.Event)
	assert.Contains(t, payload.Message, "Lab Gateway")
	assert.NotEmpty(t, payload.Timestamp)

	assert.Error(t, SendTestWebhook("", "Lab Gateway"))
}

func TestSendBatteryWebhook(t *testing.T) {
	sink, server := newWebhookSink()
	defer server.Close()

	require.NoError(t, SendBatteryWebhook(server.URL, "BL100-4F2A", 12, 15))

	require.Equal(t, 1, sink.count())
	payload := sink.payloads[0]
	assert.Equal(t, "battery_low", payload.Event)
	assert.Equal(t, "BL100-4F2A", payload.DeviceID)
	assert.Equal(t, 12, payload.BatteryPercent)
	assert.Equal(t, 15, payload.BatteryThreshold)

	// Unconfigured URL is a silent no-op
	assert.NoError(t, SendBatteryWebhook("", "BL100-4F2A", 12, 15))
}

func TestSendWebhookRejectsErrorStatus(t *testing.T) {
	sink, server := newWebhookSink()
	defer server.Close()
	sink.status = http.StatusBadGateway

	err := SendDeviceLostWebhook(server.URL, "BL100-4F2A", "BioLink Sensor")
	assert.ErrorContains(t, err, "502")
}

func TestBatteryAlertFiresOncePerConnection(t *testing.T) {
	sink, server := newWebhookSink()
	defer server.Close()
	n := NewAlertNotifier(testConfig(t, server.URL))

	// Default threshold is 15; a healthy battery stays quiet
	n.NotifyBatteryLevel("BL100-4F2A", 80)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sink.count())

	n.NotifyBatteryLevel("BL100-4F2A", 12)
	n.NotifyBatteryLevel("BL100-4F2A", 9)
	assert.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"battery_low"}, sink.events())

	// A fresh connection re-arms the alert
	n.ResetConnectionAlerts()
	n.NotifyBatteryLevel("BL100-4F2A", 11)
	assert.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestDeviceLostAlertFiresOncePerConnection(t *testing.T) {
	sink, server := newWebhookSink()
	defer server.Close()
	n := NewAlertNotifier(testConfig(t, server.URL))

	n.NotifyDeviceLost("BL100-4F2A", "BioLink Sensor")
	n.NotifyDeviceLost("BL100-4F2A", "BioLink Sensor")
	assert.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 20*time.Millisecond)

	payload := sink.payloads[0]
	assert.Equal(t, "device_lost", payload.Event)
	assert.Equal(t, "BioLink Sensor", payload.DeviceName)
}

func TestFlatlineAlertCycle(t *testing.T) {
	sink, server := newWebhookSink()
	defer server.Close()
	n := NewAlertNotifier(testConfig(t, server.URL))

	n.HandleFlatlineEvent(pipeline.FlatlineEvent{JustEntered: true, CurrentLevelDB: -58.2})
	assert.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 20*time.Millisecond)

	// Duplicate start transitions stay silent
	n.HandleFlatlineEvent(pipeline.FlatlineEvent{JustEntered: true, CurrentLevelDB: -59.0})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	n.HandleFlatlineEvent(pipeline.FlatlineEvent{JustRecovered: true, TotalDurationMs: 7000, CurrentLevelDB: -12.0})
	assert.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"flatline_detected", "flatline_recovered"}, sink.events())
	assert.Equal(t, int64(7000), sink.payloads[1].FlatlineDurationMs)

	// Recovery re-armed the alert for the next period
	n.HandleFlatlineEvent(pipeline.FlatlineEvent{JustEntered: true, CurrentLevelDB: -57.0})
	assert.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 20*time.Millisecond)
}

func TestFlatlineRecoveryNeedsPriorStart(t *testing.T) {
	sink, server := newWebhookSink()
	defer server.Close()
	n := NewAlertNotifier(testConfig(t, server.URL))

	n.HandleFlatlineEvent(pipeline.FlatlineEvent{JustRecovered: true, TotalDurationMs: 6000})
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestParseRecipients(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"a@example.com", []string{"a@example.com"}},
		{"a@example.com, b@example.com", []string{"a@example.com", "b@example.com"}},
		{" a@example.com ,, ,b@example.com,", []string{"a@example.com", "b@example.com"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRecipients(tt.input), "input %q", tt.input)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := &GraphConfig{
		TenantID:     "12345678-1234-1234-1234-123456789abc",
		ClientID:     "87654321-4321-4321-4321-cba987654321",
		ClientSecret: "secret",
		FromAddress:  "alerts@example.com",
		Recipients:   "lab@example.com",
	}
	assert.NoError(t, ValidateConfig(valid))
	assert.True(t, IsConfigured(valid))

	badTenant := *valid
	badTenant.TenantID = "not-a-guid"
	assert.ErrorContains(t, ValidateConfig(&badTenant), "GUID")

	missing := *valid
	missing.Recipients = ""
	assert.ErrorContains(t, ValidateConfig(&missing), "recipients")
	assert.False(t, IsConfigured(&missing))
}

func TestBuildGraphConfig(t *testing.T) {
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.SetGraphConfig(
		"12345678-1234-1234-1234-123456789abc",
		"87654321-4321-4321-4321-cba987654321",
		"secret", "alerts@example.com", "lab@example.com",
	))

	snap := cfg.Snapshot()
	graph := BuildGraphConfig(&snap)
	assert.Equal(t, "alerts@example.com", graph.FromAddress)
	assert.Equal(t, "lab@example.com", graph.Recipients)
	assert.True(t, IsConfigured(graph))
}

func TestSecretExpiryCheckerUnconfigured(t *testing.T) {
	checker := NewSecretExpiryChecker(&GraphConfig{})
	info := checker.GetInfo()
	assert.Equal(t, "Graph API not configured", info.Error)
}
