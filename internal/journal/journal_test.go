package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.jsonl")
	logger, err := NewLogger(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func TestLogAndReadBack(t *testing.T) {
	logger, path := newTestLogger(t)

	require.NoError(t, logger.LogDevice(DeviceConnected, "BL100-4F2A", "BL-100", 97, ""))
	require.NoError(t, logger.LogStream(StreamStarted, "BL100-4F2A", "pipeline active"))
	require.NoError(t, logger.LogRecording(RecordingStarted, "sess-1", &RecordingDetails{SessionName: "morning run"}))

	events, hasMore, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, events, 3)

	// Newest first
	assert.Equal(t, RecordingStarted, events[0].Type)
	assert.Equal(t, StreamStarted, events[1].Type)
	assert.Equal(t, DeviceConnected, events[2].Type)
	assert.Equal(t, "BL100-4F2A", events[2].DeviceID)
	assert.Equal(t, "sess-1", events[0].SessionID)
}

func TestReadLastPagination(t *testing.T) {
	logger, path := newTestLogger(t)

	for range 5 {
		require.NoError(t, logger.LogStream(StreamStarted, "dev", ""))
	}

	events, hasMore, err := ReadLast(path, 2, 0, FilterAll)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.True(t, hasMore)

	events, hasMore, err = ReadLast(path, 2, 4, FilterAll)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.False(t, hasMore)
}

func TestReadLastFilter(t *testing.T) {
	logger, path := newTestLogger(t)

	require.NoError(t, logger.LogDevice(DeviceConnected, "dev", "BL-100", 90, ""))
	require.NoError(t, logger.LogUpload(UploadQueued, "sess-1", &UploadDetails{Key: "sessions/a"}))
	require.NoError(t, logger.LogDevice(DeviceLost, "dev", "BL-100", 88, "link silent"))

	events, _, err := ReadLast(path, 10, 0, FilterDevice)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, DeviceLost, events[0].Type)
	assert.Equal(t, DeviceConnected, events[1].Type)

	events, _, err = ReadLast(path, 10, 0, FilterUpload)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, UploadQueued, events[0].Type)
}

func TestReadLastSkipsMalformedLines(t *testing.T) {
	logger, path := newTestLogger(t)

	require.NoError(t, logger.LogStream(StreamStopped, "dev", ""))
	require.NoError(t, logger.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, hasMore, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, events, 1)
	assert.Equal(t, StreamStopped, events[0].Type)
}

func TestReadLastMissingFile(t *testing.T) {
	events, hasMore, err := ReadLast(filepath.Join(t.TempDir(), "nope.jsonl"), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, events)
}

func TestEventFamilies(t *testing.T) {
	assert.True(t, IsDeviceEvent(DeviceLost))
	assert.True(t, IsStreamEvent(FlatlineStart))
	assert.True(t, IsRecordingEvent(RecordingError))
	assert.True(t, IsUploadEvent(UploadFailed))
	assert.False(t, IsDeviceEvent(StreamStarted))
	assert.False(t, IsUploadEvent(CleanupCompleted))
}
