package server

// Request types for WebSocket commands with validation tags.
// These types define the expected input for each command and use
// go-playground/validator struct tags for automatic validation.

// --- Device commands ---

// DeviceConnectRequest is the request body for device/connect.
type DeviceConnectRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=128"`
}

// --- Recording commands ---

// RecordingStartRequest is the request body for recording/start.
// All fields are optional; missing values fall back to config defaults.
type RecordingStartRequest struct {
	Name    string `json:"name" validate:"omitempty,max=100"`
	Subject string `json:"subject" validate:"omitempty,max=100"`
	Notes   string `json:"notes" validate:"omitempty,max=2000"`
}

// --- Journal commands ---

// JournalGetRequest is the request body for journal/get.
type JournalGetRequest struct {
	N      int    `json:"n" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"omitempty,gte=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=device stream recording upload"`
}

// --- Config commands ---

// ConfigUpdateRequest is the request body for config/update. Each section
// is optional; only the sections present are applied, each through its
// config setter so partial updates stay atomic per section.
type ConfigUpdateRequest struct {
	Gateway       *GatewaySettings      `json:"gateway"`
	Device        *DeviceSettings       `json:"device"`
	Storage       *StorageSettings      `json:"storage"`
	Recording     *RecordingSettings    `json:"recording"`
	Notifications *NotificationSettings `json:"notifications"`
	Dumps         *DumpSettings         `json:"dumps"`
}

// GatewaySettings updates the gateway section.
type GatewaySettings struct {
	Name     string `json:"name" validate:"omitempty,max=30"`
	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DeviceSettings updates the device section.
type DeviceSettings struct {
	PreferredDevice       *string  `json:"preferred_device" validate:"omitempty,max=128"`
	ScanTimeoutMs         *int     `json:"scan_timeout_ms" validate:"omitempty,gte=1000,lte=60000"`
	FlatlineThresholdDB   *float64 `json:"flatline_threshold_db" validate:"omitempty,gte=-90,lte=0"`
	FlatlineMinDurationMs *int64   `json:"flatline_min_duration_ms" validate:"omitempty,gte=500,lte=300000"`
	FlatlineRecoveryMs    *int64   `json:"flatline_recovery_ms" validate:"omitempty,gte=500,lte=60000"`
}

// StorageSettings updates the storage section. The section is replaced as
// a whole: an update must name a complete, usable configuration.
type StorageSettings struct {
	Mode          string `json:"mode" validate:"required,oneof=local s3 both"`
	LocalDir      string `json:"local_dir" validate:"omitempty,max=4096"`
	RetentionDays int    `json:"retention_days" validate:"omitempty,gte=1,lte=3650"`
	S3Endpoint    string `json:"s3_endpoint" validate:"omitempty,url,max=2048"`
	S3Region      string `json:"s3_region" validate:"omitempty,max=64"`
	S3Bucket      string `json:"s3_bucket" validate:"omitempty,max=63"`
	S3AccessKey   string `json:"s3_access_key" validate:"omitempty,max=128"`
	S3SecretKey   string `json:"s3_secret_key" validate:"omitempty,max=256"`
	S3Prefix      string `json:"s3_prefix" validate:"omitempty,max=256"`
}

// RecordingSettings updates the recording section.
type RecordingSettings struct {
	DefaultSubject     *string `json:"default_subject" validate:"omitempty,max=100"`
	MaxDurationMinutes *int    `json:"max_duration_minutes" validate:"omitempty,gte=0,lte=1440"`
}

// NotificationSettings updates the notifications section.
type NotificationSettings struct {
	BatteryLowPercent *int    `json:"battery_low_percent" validate:"omitempty,gte=1,lte=99"`
	WebhookURL        *string `json:"webhook_url" validate:"omitempty,max=2048"`
	GraphTenantID     *string `json:"graph_tenant_id" validate:"omitempty,max=100"`
	GraphClientID     *string `json:"graph_client_id" validate:"omitempty,max=100"`
	GraphClientSecret *string `json:"graph_client_secret" validate:"omitempty,max=500"`
	GraphFromAddress  *string `json:"graph_from_address" validate:"omitempty,max=254"`
	GraphRecipients   *string `json:"graph_recipients" validate:"omitempty,max=1000"`
}

// DumpSettings updates the dropout capture section.
type DumpSettings struct {
	Dir           string `json:"dir" validate:"omitempty,max=4096"`
	RetentionDays int    `json:"retention_days" validate:"omitempty,gte=1,lte=365"`
}
