// Package config provides gateway configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/halcyonbio/biolink-gateway/internal/types"
	"github.com/halcyonbio/biolink-gateway/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort               = 9000
	DefaultGatewayName           = "BioLink Gateway"
	DefaultLogLevel              = "info"
	DefaultScanTimeoutMs         = 5000
	DefaultFlatlineThresholdDB   = -55.0
	DefaultFlatlineMinDurationMs = 5000
	DefaultFlatlineRecoveryMs    = 2000
	DefaultBatteryLowPercent     = 15
	DefaultMaxDurationMinutes    = 240 // 4 hours per recording session
)

// gatewayNamePattern blocks control characters (and thereby CRLF injection
// in notification emails that embed the gateway name).
var gatewayNamePattern = regexp.MustCompile(`^[^\x00-\x1F\x7F]+$`)

// validate is the package validator instance with JSON tag names.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// GatewayConfig holds daemon-level settings that require restart.
type GatewayConfig struct {
	Name     string `json:"name"       validate:"omitempty,max=30"` // Gateway display name
	Port     int    `json:"port"       validate:"omitempty,min=1,max=65535"`
	APIKey   string `json:"api_key"`   // API key for REST/WS control (generated when empty)
	LogLevel string `json:"log_level"  validate:"omitempty,oneof=debug info warn error"`
}

// DeviceConfig holds device link and signal-quality settings.
type DeviceConfig struct {
	PreferredDevice       string  `json:"preferred_device"`         // Device id to preselect in the dashboard
	ScanTimeoutMs         int     `json:"scan_timeout_ms"`          // Scan window in milliseconds
	AutoReconnect         bool    `json:"auto_reconnect"`           // Reserved; reconnects stay operator-initiated
	FlatlineThresholdDB   float64 `json:"flatline_threshold_db"`    // Contact-loss RMS threshold in dBFS
	FlatlineMinDurationMs int64   `json:"flatline_min_duration_ms"` // Duration below threshold before alert
	FlatlineRecoveryMs    int64   `json:"flatline_recovery_ms"`     // Duration above threshold before recovery
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint        string `json:"endpoint" validate:"omitempty,url"` // S3-compatible endpoint URL
	Region          string `json:"region"`                            // Bucket region (optional for compatible services)
	Bucket          string `json:"bucket"`                            // Bucket name
	AccessKeyID     string `json:"access_key_id"`                     // Access key ID
	SecretAccessKey string `json:"secret_access_key"`                 // Secret access key
	Prefix          string `json:"prefix"`                            // Object key prefix (default "sessions/")
}

// StorageConfig holds session persistence settings.
type StorageConfig struct {
	Mode          types.StorageMode `json:"mode" validate:"omitempty,oneof=local s3 both"`
	LocalDir      string            `json:"local_dir"`      // Local spool directory (required for local/both)
	RetentionDays int               `json:"retention_days"` // Days to keep local sessions (default 90)
	S3            S3Config          `json:"s3"`             // S3 settings (required for s3/both)
}

// RecordingConfig holds recording session defaults.
type RecordingConfig struct {
	DefaultSubject     string `json:"default_subject"`      // Subject id applied when a session names none
	MaxDurationMinutes int    `json:"max_duration_minutes"` // Max session duration (0 = default)
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url" validate:"omitempty,url"` // Webhook URL for gateway alerts
}

// EmailConfig holds Microsoft Graph email notification settings.
type EmailConfig struct {
	TenantID     string `json:"tenant_id"`     // Azure AD tenant ID
	ClientID     string `json:"client_id"`     // App registration client ID
	ClientSecret string `json:"client_secret"` // App registration client secret
	FromAddress  string `json:"from_address"`  // Shared mailbox sender address
	Recipients   string `json:"recipients"`    // Comma-separated recipient addresses
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	BatteryLowPercent int           `json:"battery_low_percent" validate:"omitempty,min=1,max=99"`
	Webhook           WebhookConfig `json:"webhook"` // Webhook settings
	Email             EmailConfig   `json:"email"`   // Email settings
}

// DumpsConfig holds dropout capture settings.
type DumpsConfig struct {
	Dir           string `json:"dir"`            // Dump directory (empty = capture disabled)
	RetentionDays int    `json:"retention_days"` // Days to keep dump files (default 7)
}

// Config holds all gateway configuration. It is safe for concurrent use.
type Config struct {
	Gateway       GatewayConfig       `json:"gateway"`
	Device        DeviceConfig        `json:"device"`
	Storage       StorageConfig       `json:"storage"`
	Recording     RecordingConfig     `json:"recording"`
	Notifications NotificationsConfig `json:"notifications"`
	Dumps         DumpsConfig         `json:"dumps"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		Gateway: GatewayConfig{
			Name:     DefaultGatewayName,
			Port:     DefaultWebPort,
			LogLevel: DefaultLogLevel,
		},
		Device: DeviceConfig{
			ScanTimeoutMs:         DefaultScanTimeoutMs,
			FlatlineThresholdDB:   DefaultFlatlineThresholdDB,
			FlatlineMinDurationMs: DefaultFlatlineMinDurationMs,
			FlatlineRecoveryMs:    DefaultFlatlineRecoveryMs,
		},
		Storage: StorageConfig{
			Mode:          types.StorageLocal,
			RetentionDays: types.DefaultRetentionDays,
		},
		Recording: RecordingConfig{
			MaxDurationMinutes: DefaultMaxDurationMinutes,
		},
		Notifications: NotificationsConfig{
			BatteryLowPercent: DefaultBatteryLowPercent,
		},
		Dumps: DumpsConfig{
			RetentionDays: types.DefaultDumpRetentionDays,
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validateLocked()
}

// validateLocked checks all configuration fields for correctness.
// Caller must hold c.mu.
func (c *Config) validateLocked() error {
	if err := validate.Struct(c); err != nil {
		return util.WrapError("validate config", err)
	}

	if !gatewayNamePattern.MatchString(c.Gateway.Name) {
		return fmt.Errorf("invalid gateway name %q: must be printable characters", c.Gateway.Name)
	}
	if c.Storage.LocalDir != "" {
		if err := util.ValidatePath("storage.local_dir", c.Storage.LocalDir); err != nil {
			return err
		}
	}
	if c.Dumps.Dir != "" {
		if err := util.ValidatePath("dumps.dir", c.Dumps.Dir); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.Gateway.Name == "" {
		c.Gateway.Name = DefaultGatewayName
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultWebPort
	}
	if c.Gateway.LogLevel == "" {
		c.Gateway.LogLevel = DefaultLogLevel
	}
	if c.Device.ScanTimeoutMs == 0 {
		c.Device.ScanTimeoutMs = DefaultScanTimeoutMs
	}
	if c.Device.FlatlineThresholdDB == 0 {
		c.Device.FlatlineThresholdDB = DefaultFlatlineThresholdDB
	}
	if c.Device.FlatlineMinDurationMs == 0 {
		c.Device.FlatlineMinDurationMs = DefaultFlatlineMinDurationMs
	}
	if c.Device.FlatlineRecoveryMs == 0 {
		c.Device.FlatlineRecoveryMs = DefaultFlatlineRecoveryMs
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = types.StorageLocal
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = types.DefaultRetentionDays
	}
	if c.Storage.S3.Prefix == "" {
		c.Storage.S3.Prefix = "sessions/"
	}
	if c.Recording.MaxDurationMinutes == 0 {
		c.Recording.MaxDurationMinutes = DefaultMaxDurationMinutes
	}
	if c.Notifications.BatteryLowPercent == 0 {
		c.Notifications.BatteryLowPercent = DefaultBatteryLowPercent
	}
	if c.Dumps.RetentionDays == 0 {
		c.Dumps.RetentionDays = types.DefaultDumpRetentionDays
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// --- Getters for individual settings ---

// GatewayName returns the configured gateway display name.
func (c *Config) GatewayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.Name
}

// Port returns the configured HTTP server port.
func (c *Config) Port() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.Port
}

// APIKey returns the API key for REST/WS control.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.APIKey
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.LogLevel
}

// PreferredDevice returns the preselected device id.
func (c *Config) PreferredDevice() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device.PreferredDevice
}

// GraphConfig returns a copy of the current Graph/Email configuration.
func (c *Config) GraphConfig() types.GraphConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.GraphConfig{
		TenantID:     c.Notifications.Email.TenantID,
		ClientID:     c.Notifications.Email.ClientID,
		ClientSecret: c.Notifications.Email.ClientSecret,
		FromAddress:  c.Notifications.Email.FromAddress,
		Recipients:   c.Notifications.Email.Recipients,
	}
}

// StorageDestination derives the storage handle from the storage section.
// It returns "" while the configured mode is missing required settings, which
// callers treat as "storage not configured".
func (c *Config) StorageDestination() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	localPart := ""
	if c.Storage.LocalDir != "" {
		localPart = "local:" + c.Storage.LocalDir
	}
	s3Part := ""
	if util.IsConfigured(c.Storage.S3.Bucket, c.Storage.S3.AccessKeyID, c.Storage.S3.SecretAccessKey) {
		s3Part = "s3:" + c.Storage.S3.Bucket + "/" + strings.TrimPrefix(c.Storage.S3.Prefix, "/")
	}

	switch c.Storage.Mode {
	case types.StorageLocal:
		return localPart
	case types.StorageS3:
		return s3Part
	case types.StorageBoth:
		if localPart == "" || s3Part == "" {
			return ""
		}
		return localPart + "+" + s3Part
	default:
		return ""
	}
}

// --- Setters for individual settings ---

// SetAPIKey updates the API key and saves the configuration.
func (c *Config) SetAPIKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway.APIKey = key
	return c.saveLocked()
}

// SetPreferredDevice updates the preselected device and saves the configuration.
func (c *Config) SetPreferredDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Device.PreferredDevice = id
	return c.saveLocked()
}

// SetGatewaySettings updates the display name and log level and saves.
// Port and API key changes go through their dedicated paths.
func (c *Config) SetGatewaySettings(name, logLevel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		if !gatewayNamePattern.MatchString(name) {
			return fmt.Errorf("invalid gateway name %q: must be printable characters", name)
		}
		c.Gateway.Name = name
	}
	if logLevel != "" {
		c.Gateway.LogLevel = logLevel
	}
	return c.saveLocked()
}

// SetScanTimeout updates the device scan window and saves the configuration.
func (c *Config) SetScanTimeout(ms int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Device.ScanTimeoutMs = ms
	return c.saveLocked()
}

// SetRecordingDefaults updates session defaults and saves the configuration.
func (c *Config) SetRecordingDefaults(subject string, maxDurationMinutes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Recording.DefaultSubject = subject
	if maxDurationMinutes > 0 {
		c.Recording.MaxDurationMinutes = maxDurationMinutes
	}
	return c.saveLocked()
}

// SetFlatlineSettings updates the contact-loss detection parameters and saves.
func (c *Config) SetFlatlineSettings(thresholdDB float64, minDurationMs, recoveryMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Device.FlatlineThresholdDB = thresholdDB
	c.Device.FlatlineMinDurationMs = minDurationMs
	c.Device.FlatlineRecoveryMs = recoveryMs
	return c.saveLocked()
}

// SetStorage replaces the storage section after strict completeness checks
// and saves the configuration. Unlike Load, an incomplete section is an
// error here: an operator updating storage must finish the job.
func (c *Config) SetStorage(storage StorageConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch storage.Mode {
	case types.StorageLocal, types.StorageS3, types.StorageBoth:
	default:
		return fmt.Errorf("invalid storage mode %q", storage.Mode)
	}
	if storage.Mode == types.StorageLocal || storage.Mode == types.StorageBoth {
		if err := util.ValidatePath("storage.local_dir", storage.LocalDir); err != nil {
			return err
		}
		if err := util.CheckPathWritable(storage.LocalDir); err != nil {
			return fmt.Errorf("storage.local_dir: %w", err)
		}
	}
	if storage.Mode == types.StorageS3 || storage.Mode == types.StorageBoth {
		if !util.IsConfigured(storage.S3.Bucket, storage.S3.AccessKeyID, storage.S3.SecretAccessKey) {
			return fmt.Errorf("incomplete s3 settings: bucket and credentials are required")
		}
	}
	if storage.RetentionDays == 0 {
		storage.RetentionDays = types.DefaultRetentionDays
	}
	if storage.S3.Prefix == "" {
		storage.S3.Prefix = "sessions/"
	}

	c.Storage = storage
	return c.saveLocked()
}

// SetWebhookURL updates the webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Webhook.URL = url
	return c.saveLocked()
}

// SetBatteryLowPercent updates the battery alert threshold and saves.
func (c *Config) SetBatteryLowPercent(percent int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.BatteryLowPercent = percent
	return c.saveLocked()
}

// SetGraphConfig updates all Microsoft Graph/Email configuration fields and saves.
func (c *Config) SetGraphConfig(tenantID, clientID, clientSecret, fromAddress, recipients string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Email.TenantID = tenantID
	c.Notifications.Email.ClientID = clientID
	c.Notifications.Email.ClientSecret = clientSecret
	c.Notifications.Email.FromAddress = fromAddress
	c.Notifications.Email.Recipients = recipients
	return c.saveLocked()
}

// SetDumps updates the dropout capture section and saves the configuration.
func (c *Config) SetDumps(dumps DumpsConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dumps.Dir != "" {
		if err := util.ValidatePath("dumps.dir", dumps.Dir); err != nil {
			return err
		}
	}
	if dumps.RetentionDays == 0 {
		dumps.RetentionDays = types.DefaultDumpRetentionDays
	}
	c.Dumps = dumps
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// Gateway
	GatewayName string
	WebPort     int
	APIKey      string
	LogLevel    string

	// Device
	PreferredDevice       string
	ScanTimeoutMs         int
	FlatlineThresholdDB   float64
	FlatlineMinDurationMs int64
	FlatlineRecoveryMs    int64

	// Storage
	StorageMode          types.StorageMode
	StorageLocalDir      string
	StorageRetentionDays int
	S3Endpoint           string
	S3Region             string
	S3Bucket             string
	S3AccessKeyID        string
	S3SecretAccessKey    string
	S3Prefix             string

	// Recording
	DefaultSubject     string
	MaxDurationMinutes int

	// Notifications
	BatteryLowPercent int
	WebhookURL        string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string

	// Dumps
	DumpDir           string
	DumpRetentionDays int
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		// Gateway
		GatewayName: c.Gateway.Name,
		WebPort:     c.Gateway.Port,
		APIKey:      c.Gateway.APIKey,
		LogLevel:    cmp.Or(c.Gateway.LogLevel, DefaultLogLevel),

		// Device
		PreferredDevice:       c.Device.PreferredDevice,
		ScanTimeoutMs:         cmp.Or(c.Device.ScanTimeoutMs, DefaultScanTimeoutMs),
		FlatlineThresholdDB:   cmp.Or(c.Device.FlatlineThresholdDB, DefaultFlatlineThresholdDB),
		FlatlineMinDurationMs: cmp.Or(c.Device.FlatlineMinDurationMs, int64(DefaultFlatlineMinDurationMs)),
		FlatlineRecoveryMs:    cmp.Or(c.Device.FlatlineRecoveryMs, int64(DefaultFlatlineRecoveryMs)),

		// Storage
		StorageMode:          cmp.Or(c.Storage.Mode, types.StorageLocal),
		StorageLocalDir:      c.Storage.LocalDir,
		StorageRetentionDays: cmp.Or(c.Storage.RetentionDays, types.DefaultRetentionDays),
		S3Endpoint:           c.Storage.S3.Endpoint,
		S3Region:             c.Storage.S3.Region,
		S3Bucket:             c.Storage.S3.Bucket,
		S3AccessKeyID:        c.Storage.S3.AccessKeyID,
		S3SecretAccessKey:    c.Storage.S3.SecretAccessKey,
		S3Prefix:             c.Storage.S3.Prefix,

		// Recording
		DefaultSubject:     c.Recording.DefaultSubject,
		MaxDurationMinutes: cmp.Or(c.Recording.MaxDurationMinutes, DefaultMaxDurationMinutes),

		// Notifications
		BatteryLowPercent: cmp.Or(c.Notifications.BatteryLowPercent, DefaultBatteryLowPercent),
		WebhookURL:        c.Notifications.Webhook.URL,
		GraphTenantID:     c.Notifications.Email.TenantID,
		GraphClientID:     c.Notifications.Email.ClientID,
		GraphClientSecret: c.Notifications.Email.ClientSecret,
		GraphFromAddress:  c.Notifications.Email.FromAddress,
		GraphRecipients:   c.Notifications.Email.Recipients,

		// Dumps
		DumpDir:           c.Dumps.Dir,
		DumpRetentionDays: cmp.Or(c.Dumps.RetentionDays, types.DefaultDumpRetentionDays),
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasGraph reports whether Microsoft Graph email notifications are configured.
func (s *Snapshot) HasGraph() bool {
	return s.GraphTenantID != "" && s.GraphClientID != "" && s.GraphClientSecret != "" &&
		s.GraphFromAddress != "" && s.GraphRecipients != ""
}

// HasS3 reports whether S3 uploads are fully configured.
func (s *Snapshot) HasS3() bool {
	return s.S3Bucket != "" && s.S3AccessKeyID != "" && s.S3SecretAccessKey != ""
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
