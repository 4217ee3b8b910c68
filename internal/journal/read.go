package journal

import (
	"bufio"
	"encoding/json"
	"os"
)

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll       TypeFilter = ""
	FilterDevice    TypeFilter = "device"
	FilterStream    TypeFilter = "stream"
	FilterRecording TypeFilter = "recording"
	FilterUpload    TypeFilter = "upload"
)

// MaxReadLimit is the maximum number of events that can be read at once.
// This prevents denial-of-service via excessive memory allocation.
const MaxReadLimit = 500

// matchesFilter reports whether an event type belongs to the filter family.
func matchesFilter(t EventType, filter TypeFilter) bool {
	switch filter {
	case FilterAll:
		return true
	case FilterDevice:
		return IsDeviceEvent(t)
	case FilterStream:
		return IsStreamEvent(t)
	case FilterRecording:
		return IsRecordingEvent(t)
	case FilterUpload:
		return IsUploadEvent(t)
	default:
		return false
	}
}

// ReadLast reads events from the journal file with pagination support.
// Returns up to n events starting from offset, filtered by type.
// Events are returned in reverse chronological order (newest first).
// The n parameter is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	if n > MaxReadLimit {
		n = MaxReadLimit
	}
	if n <= 0 {
		return []Event{}, false, nil
	}
	if offset < 0 {
		offset = 0
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	// Parse events in reverse order (newest first), applying filter
	events := make([]Event, 0, n)
	skipped := 0
	hasMore := false
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !matchesFilter(event.Type, filter) {
			continue
		}

		// Skip events until we reach the offset
		if skipped < offset {
			skipped++
			continue
		}

		if len(events) >= n {
			// One more matching event exists beyond the requested page
			hasMore = true
			break
		}
		events = append(events, event)
	}

	return events, hasMore, nil
}

// IsDeviceEvent returns true if the event type is a device event.
func IsDeviceEvent(t EventType) bool {
	return t == DeviceConnected || t == DeviceDisconnected || t == DeviceLost
}

// IsStreamEvent returns true if the event type is a stream event.
func IsStreamEvent(t EventType) bool {
	return t == StreamStarted || t == StreamStopped || t == StreamError ||
		t == FlatlineStart || t == FlatlineEnd || t == DumpWritten
}

// IsRecordingEvent returns true if the event type is a recording event.
func IsRecordingEvent(t EventType) bool {
	return t == RecordingStarted || t == RecordingStopped || t == RecordingError || t == CleanupCompleted
}

// IsUploadEvent returns true if the event type is an upload event.
func IsUploadEvent(t EventType) bool {
	return t == UploadQueued || t == UploadCompleted || t == UploadFailed
}
