// Package types provides shared type definitions used across the gateway.
package types

import (
	"time"
)

// Phase represents the orchestrator's lifecycle state.
type Phase string

const (
	// PhaseUninitialized indicates collaborators are not wired yet.
	PhaseUninitialized Phase = "uninitialized"
	// PhaseInitialized indicates the orchestrator is wired but idle.
	PhaseInitialized Phase = "initialized"
	// PhaseConnecting indicates a device connect is in flight.
	PhaseConnecting Phase = "connecting"
	// PhaseConnected indicates a device link is up without active streaming.
	PhaseConnected Phase = "connected"
	// PhaseStreaming indicates the sample pipeline is active.
	PhaseStreaming Phase = "streaming"
	// PhaseRecording indicates a persisted session is layered on streaming.
	PhaseRecording Phase = "recording"
)

// ChannelClass identifies a family of sensor channels carried by the device.
type ChannelClass string

const (
	// ChannelBiosignal carries the high-rate physiological signal channels.
	ChannelBiosignal ChannelClass = "biosignal"
	// ChannelMotion carries accelerometer/gyro channels.
	ChannelMotion ChannelClass = "motion"
	// ChannelAmbient carries low-rate environment channels.
	ChannelAmbient ChannelClass = "ambient"
)

// ChannelClasses lists every channel class a BioLink device exposes.
var ChannelClasses = []ChannelClass{ChannelBiosignal, ChannelMotion, ChannelAmbient}

// Nominal per-class sampling rates in Hz for the BL-100 family.
const (
	// BiosignalRate is the nominal biosignal sampling rate.
	BiosignalRate = 250.0
	// MotionRate is the nominal motion sampling rate.
	MotionRate = 100.0
	// AmbientRate is the nominal ambient sampling rate.
	AmbientRate = 1.0
)

const (
	// MonitorInterval is the period of the connection health loop.
	MonitorInterval = 1000 * time.Millisecond
	// DisconnectSettleDelay absorbs asynchronous link teardown after disconnect.
	DisconnectSettleDelay = 1000 * time.Millisecond
	// RateHistorySize bounds the per-class sampling-rate history buffer.
	RateHistorySize = 30
	// BatteryUpdateInterval is how often the link pushes battery readings.
	BatteryUpdateInterval = 15000 * time.Millisecond
)

const (
	// BatchWindow is the accumulation window for channel batches.
	BatchWindow = 200 * time.Millisecond
	// FrameInterval is the cadence of raw frames from the device link.
	FrameInterval = 40 * time.Millisecond
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// PollInterval is the interval for polling asynchronous state.
	PollInterval = 50 * time.Millisecond
)

// StorageMode determines where recorded sessions are persisted.
type StorageMode string

// Supported storage modes.
const (
	StorageLocal StorageMode = "local" // Spool only to the local filesystem
	StorageS3    StorageMode = "s3"    // Upload only to S3
	StorageBoth  StorageMode = "both"  // Spool locally AND upload to S3
)

// DefaultRetentionDays is the default number of days to keep local sessions.
const DefaultRetentionDays = 90

// DefaultDumpRetentionDays is the default number of days to keep dropout dumps.
const DefaultDumpRetentionDays = 7

// DeviceDescriptor describes an advertising device found during a scan.
type DeviceDescriptor struct {
	ID       string `json:"id"`       // Advertised device identifier
	Name     string `json:"name"`     // Device display name
	RSSI     int    `json:"rssi"`     // Signal strength in dBm
	Firmware string `json:"firmware"` // Advertised firmware version
}

// DeviceInfo describes the currently connected device.
type DeviceInfo struct {
	ID            string                   `json:"id"`             // Device identifier
	Name          string                   `json:"name"`           // Device display name
	Battery       int                      `json:"battery"`        // Battery level 0-100
	SamplingRates map[ChannelClass]float64 `json:"sampling_rates"` // Measured rates in Hz
	ConnectedAt   time.Time                `json:"connected_at"`   // Connection establishment time
	UptimeSeconds int64                    `json:"uptime_seconds"` // Seconds since connect
}

// Frame is a raw run of samples for one channel class as emitted by the
// device link, before batching.
type Frame struct {
	Class     ChannelClass // Channel class the samples belong to
	Samples   []float64    // Raw sample values
	Rate      float64      // Sampling rate in Hz at capture time
	Timestamp time.Time    // Timestamp of the first sample
}

// ChannelBatch is a typed run of samples for one channel class.
type ChannelBatch struct {
	Class     ChannelClass `json:"class"`      // Channel class the samples belong to
	Samples   []float64    `json:"samples"`    // Raw sample values
	Rate      float64      `json:"rate"`       // Sampling rate in Hz at capture time
	StartedAt time.Time    `json:"started_at"` // Timestamp of the first sample
	Sequence  uint64       `json:"seq"`        // Monotonic batch sequence per class
}

// SystemCallbacks carries device-level push notifications registered on the
// transport by the orchestrator.
type SystemCallbacks struct {
	OnBatteryUpdate func(level int, voltage float64)
}

// PipelineCallbacks carries data-path callbacks registered on the pipeline
// by the orchestrator.
type PipelineCallbacks struct {
	OnChannelBatch func(class ChannelClass, batch *ChannelBatch)
}

// SessionConfig carries caller-supplied parameters for a recording session.
type SessionConfig struct {
	Name               string `json:"name,omitzero"`                 // Display name (timestamped default when empty)
	Subject            string `json:"subject,omitzero"`              // Subject identifier
	Notes              string `json:"notes,omitzero"`                // Free-form notes
	DeviceID           string `json:"device_id,omitzero"`            // Filled in by the orchestrator
	MaxDurationMinutes int    `json:"max_duration_minutes,omitzero"` // 0 = unlimited
}

// SessionInfo is the stored metadata of a recording session.
type SessionInfo struct {
	ID           string                 `json:"id"`                 // Authoritative session identifier
	Name         string                 `json:"name"`               // Display name
	Subject      string                 `json:"subject,omitzero"`   // Subject identifier
	Notes        string                 `json:"notes,omitzero"`     // Free-form notes
	DeviceID     string                 `json:"device_id"`          // Device the session was recorded from
	Destination  string                 `json:"destination"`        // Resolved storage destination handle
	StartedAt    time.Time              `json:"started_at"`         // Session start time
	EndedAt      time.Time              `json:"ended_at,omitzero"`  // Session end time (zero while active)
	SampleCounts map[ChannelClass]int64 `json:"sample_counts"`      // Persisted samples per class
	Uploaded     bool                   `json:"uploaded,omitzero"`  // True once the S3 upload completed
	UploadKey    string                 `json:"upload_key,omitzero"` // S3 object key prefix
}

// OrchestratorStatus is the caller-facing status summary.
type OrchestratorStatus struct {
	Initialized bool   `json:"initialized"`        // Collaborators wired
	Connected   bool   `json:"connected"`          // Device link up
	Streaming   bool   `json:"streaming"`          // Pipeline active
	Recording   bool   `json:"recording"`          // Session in progress
	DeviceID    string `json:"device_id,omitzero"` // Connected device id
}

// ConnectionSnapshot is published whenever the connection state changes.
type ConnectionSnapshot struct {
	Connected  bool   `json:"connected"`             // Link is up
	DeviceID   string `json:"device_id,omitzero"`    // Connected device id
	DeviceName string `json:"device_name,omitzero"`  // Device display name
	Battery    int    `json:"battery,omitzero"`      // Last known battery level
}

// ChannelLevels contains live signal measurements for one channel class.
type ChannelLevels struct {
	RMS                float64 `json:"rms"`                           // RMS level in dBFS
	Peak               float64 `json:"peak"`                          // Peak level in dBFS
	Flatline           bool    `json:"flatline,omitzero"`             // True while contact loss is confirmed
	FlatlineDurationMs int64   `json:"flatline_duration_ms,omitzero"` // Confirmed flatline duration
}

// StorageStatus summarizes the session store for status surfaces.
type StorageStatus struct {
	Mode           StorageMode `json:"mode"`            // Configured storage mode
	Destination    string      `json:"destination"`     // Resolved destination handle
	SessionCount   int         `json:"session_count"`   // Locally known sessions
	UploadsPending int         `json:"uploads_pending"` // Queued but not yet uploaded
}

// GatewayStatus carries daemon-level fields of the status document.
type GatewayStatus struct {
	Name      string      `json:"name"`       // Configured gateway name
	StartedAt time.Time   `json:"started_at"` // Daemon start time
	Version   VersionInfo `json:"version"`    // Version information
}

// StatusResponse is the full status document served over REST and WebSocket.
type StatusResponse struct {
	Type      string                   `json:"type,omitzero"`      // Message type identifier (WebSocket only)
	Status    OrchestratorStatus       `json:"status"`             // Lifecycle summary
	SessionID string                   `json:"session_id,omitzero"` // Active recording session id
	Device    *DeviceInfo              `json:"device,omitempty"`   // Connected device, nil when disconnected
	Rates     map[ChannelClass]float64 `json:"rates,omitempty"`    // Short-window sampling-rate averages
	Storage   StorageStatus            `json:"storage"`            // Session store summary
	Gateway   GatewayStatus            `json:"gateway"`            // Daemon-level fields
}

// WSLevelsResponse is sent to clients with live signal level updates.
type WSLevelsResponse struct {
	Type   string                         `json:"type"`   // Message type identifier
	Levels map[ChannelClass]ChannelLevels `json:"levels"` // Current per-class levels
}

// GraphConfig contains Microsoft Graph API settings for email notifications.
type GraphConfig struct {
	TenantID     string `json:"tenant_id,omitempty"`     // Azure AD tenant ID
	ClientID     string `json:"client_id,omitempty"`     // App registration client ID
	ClientSecret string `json:"client_secret,omitempty"` // App registration client secret
	FromAddress  string `json:"from_address,omitempty"`  // Shared mailbox address (sender)
	Recipients   string `json:"recipients,omitempty"`    // Comma-separated recipients
}

// SecretExpiryInfo reports Azure client secret expiration status.
type SecretExpiryInfo struct {
	ExpiresAt   string `json:"expires_at,omitempty"`   // Earliest credential expiry, RFC3339
	ExpiresSoon bool   `json:"expires_soon,omitempty"` // True within the warning window
	DaysLeft    int    `json:"days_left,omitempty"`    // Days until expiry
	Error       string `json:"error,omitempty"`        // Lookup failure, if any
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
