// Package journal provides unified event logging for the gateway.
// It captures device events (connected, disconnected, lost), stream events
// (started, stopped, flatline), recording events and upload events in a
// single JSON lines file.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Device event types.
const (
	DeviceConnected    EventType = "device_connected"
	DeviceDisconnected EventType = "device_disconnected"
	DeviceLost         EventType = "device_lost"
)

// Stream event types.
const (
	StreamStarted EventType = "stream_started"
	StreamStopped EventType = "stream_stopped"
	StreamError   EventType = "stream_error"
	FlatlineStart EventType = "flatline_start"
	FlatlineEnd   EventType = "flatline_end"
	DumpWritten   EventType = "dump_written"
)

// Recording and upload event types.
const (
	RecordingStarted EventType = "recording_started"
	RecordingStopped EventType = "recording_stopped"
	RecordingError   EventType = "recording_error"
	UploadQueued     EventType = "upload_queued"
	UploadCompleted  EventType = "upload_completed"
	UploadFailed     EventType = "upload_failed"
	CleanupCompleted EventType = "cleanup_completed"
)

// Event represents a single journal entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// DeviceDetails contains device-specific event details.
type DeviceDetails struct {
	Name    string `json:"name,omitempty"`
	Battery int    `json:"battery,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FlatlineDetails contains flatline-specific event details.
type FlatlineDetails struct {
	RMSDB       float64 `json:"rms_db"`
	ThresholdDB float64 `json:"threshold_db"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// DumpDetails contains dropout dump event details. Dumps are written after
// the post-roll fills, so they journal separately from the flatline events
// that triggered them.
type DumpDetails struct {
	Path       string `json:"path,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Batches    int    `json:"batches,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RecordingDetails contains recording-specific event details.
type RecordingDetails struct {
	SessionName  string `json:"session_name,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Destination  string `json:"destination,omitempty"`
	Error        string `json:"error,omitempty"`
	SampleCount  int64  `json:"sample_count,omitempty"`
	FilesDeleted int    `json:"files_deleted,omitempty"`
	StorageType  string `json:"storage_type,omitempty"` // "local" or "s3" for cleanup
}

// UploadDetails contains upload-specific event details.
type UploadDetails struct {
	Key        string `json:"key,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific journal file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		// %PROGRAMDATA% is typically C:\ProgramData
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "biolink-gateway", "logs", fmt.Sprintf("%d", port), "gateway.jsonl")
	default: // linux, darwin
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/biolink-gateway", fmt.Sprintf("%d", port), "gateway.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the journal file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogDevice logs a device event.
func (l *Logger) LogDevice(eventType EventType, deviceID, name string, battery int, errMsg string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		DeviceID:  deviceID,
		Details: &DeviceDetails{
			Name:    name,
			Battery: battery,
			Error:   errMsg,
		},
	})
}

// LogStream logs a stream lifecycle event.
func (l *Logger) LogStream(eventType EventType, deviceID, message string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		DeviceID:  deviceID,
		Message:   message,
	})
}

// LogFlatlineStart logs the beginning of a confirmed flatline.
func (l *Logger) LogFlatlineStart(deviceID string, rmsDB, thresholdDB float64) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      FlatlineStart,
		DeviceID:  deviceID,
		Details: &FlatlineDetails{
			RMSDB:       rmsDB,
			ThresholdDB: thresholdDB,
		},
	})
}

// LogFlatlineEnd logs flatline recovery.
func (l *Logger) LogFlatlineEnd(deviceID string, durationMs int64, rmsDB, thresholdDB float64) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      FlatlineEnd,
		DeviceID:  deviceID,
		Details: &FlatlineDetails{
			RMSDB:       rmsDB,
			ThresholdDB: thresholdDB,
			DurationMs:  durationMs,
		},
	})
}

// LogDump logs a completed (or failed) dropout dump.
func (l *Logger) LogDump(deviceID, filename string, details *DumpDetails) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      DumpWritten,
		DeviceID:  deviceID,
		Message:   filename,
		Details:   details,
	})
}

// LogRecording logs a recording event.
func (l *Logger) LogRecording(eventType EventType, sessionID string, details *RecordingDetails) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Details:   details,
	})
}

// LogUpload logs an upload event.
func (l *Logger) LogUpload(eventType EventType, sessionID string, details *UploadDetails) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Details:   details,
	})
}

// Close closes the journal file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the journal file.
func (l *Logger) Path() string {
	return l.filePath
}
