// Package capture records biosignal context around dropout events and writes
// it to JSONL dump files for offline diagnosis.
package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/types"
)

const (
	// batchesPerSecond is the biosignal batch cadence (one batch per window).
	batchesPerSecond = int(time.Second / types.BatchWindow)

	// Dump timing.
	beforeSeconds  = 15
	maxFlatSeconds = 5
	afterSeconds   = 15
	bufferSeconds  = beforeSeconds + maxFlatSeconds + afterSeconds // 35 seconds

	// Ring capacity in batches.
	bufferCapacity = bufferSeconds * batchesPerSecond

	// Output subdirectory name prefix (inside system temp dir).
	outputDirPrefix = "biolink-dropout-dumps"
)

// DefaultDumpDir returns the default dump directory, unique per port.
func DefaultDumpDir(port int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", outputDirPrefix, port))
}

// DumpResult contains the result of writing a dropout dump.
type DumpResult struct {
	// FilePath is the full path to the JSONL file.
	FilePath string
	// Filename is the base name of the JSONL file.
	Filename string
	// FileSize is the dump size in bytes.
	FileSize int64
	// Duration is the total dropout duration.
	Duration time.Duration
	// DumpStart is when the dropout started.
	DumpStart time.Time
	// BatchCount is the number of batches in the dump.
	BatchCount int
	// Error is non-nil if writing failed.
	Error error
}

// DumpCallback is called when a dump is ready.
type DumpCallback func(result *DumpResult)

// dumpHeader is the first record of every dump file.
type dumpHeader struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Batches    int       `json:"batches"`
	Class      string    `json:"class"`
}

// Capturer keeps a ring of recent biosignal batches and extracts the window
// around each confirmed dropout.
type Capturer struct {
	mu sync.Mutex

	// Ring buffer for continuous batch capture.
	buffer       []*types.ChannelBatch
	writePos     int   // Current write position in buffer
	totalWritten int64 // Total batches written (for position tracking)

	// Dropout event tracking (positions, not copies).
	flatStartPos int64     // Batch position when the dropout started
	flatEndPos   int64     // Batch position when recovery started
	flatStart    time.Time // Time when the dropout started
	// capturing reports whether we're waiting for recovery plus trailing context.
	capturing bool

	// Saved pre-dropout snapshot. Captured immediately on dropout start to
	// prevent data loss during long dropouts that exceed ring capacity.
	savedBefore []*types.ChannelBatch

	// Configuration.
	outputDir   string
	enabled     bool
	onDumpReady DumpCallback
}

// NewCapturer creates a new dropout capturer writing into outputDir.
func NewCapturer(outputDir string, onDumpReady DumpCallback) *Capturer {
	return &Capturer{
		buffer:      make([]*types.ChannelBatch, bufferCapacity),
		outputDir:   outputDir,
		enabled:     outputDir != "",
		onDumpReady: onDumpReady,
	}
}

// SetEnabled sets whether dump capture is active.
func (c *Capturer) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled && c.outputDir != ""
	c.mu.Unlock()
}

// WriteBatch buffers an incoming biosignal batch for potential dump capture.
func (c *Capturer) WriteBatch(batch *types.ChannelBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || batch == nil {
		return
	}

	c.buffer[c.writePos] = batch
	c.writePos = (c.writePos + 1) % bufferCapacity
	c.totalWritten++

	// Check if we have enough trailing context to finalize
	c.checkAndFinalize()
}

// OnFlatlineStart begins capturing context for a potential dropout dump.
func (c *Capturer) OnFlatlineStart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	// If already capturing with recovery detected, finalize the current dump
	// first so an earlier dropout is not lost when the next one starts early.
	if c.capturing && c.flatEndPos > 0 {
		c.extractAndWrite()
	}

	// Snapshot pre-dropout batches to prevent loss during long dropouts
	beforeBatches := min(c.totalWritten, int64(beforeSeconds*batchesPerSecond))
	if beforeBatches > 0 {
		c.savedBefore = make([]*types.ChannelBatch, beforeBatches)
		c.copyFromRing(c.savedBefore, c.totalWritten-beforeBatches)
	} else {
		c.savedBefore = nil
	}

	c.flatStartPos = c.totalWritten
	c.flatStart = time.Now()
	c.flatEndPos = 0
	c.capturing = true

	slog.Debug("dropout capture started", "position", c.flatStartPos, "saved_before", len(c.savedBefore))
}

// OnFlatlineRecover signals that the signal has recovered from a dropout.
// recoveryDuration is how long the signal was good before recovery was
// confirmed; flatEndPos is backdated by that amount to capture the moment
// the signal actually returned.
func (c *Capturer) OnFlatlineRecover(totalDuration, recoveryDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || !c.capturing {
		return
	}

	recoveryBatches := int64(recoveryDuration.Seconds() * float64(batchesPerSecond))
	c.flatEndPos = c.totalWritten - recoveryBatches

	slog.Debug("dropout recovery detected",
		"start_pos", c.flatStartPos,
		"end_pos", c.flatEndPos,
		"duration", totalDuration,
		"recovery_duration", recoveryDuration,
	)
}

// checkAndFinalize completes a dump once sufficient trailing context exists.
func (c *Capturer) checkAndFinalize() {
	if !c.capturing || c.flatEndPos == 0 {
		return
	}

	requiredBatches := c.flatEndPos + int64(afterSeconds*batchesPerSecond)
	if c.totalWritten < requiredBatches {
		return
	}

	c.extractAndWrite()

	// Reset state for the next dropout
	c.capturing = false
	c.flatStartPos = 0
	c.flatEndPos = 0
	c.flatStart = time.Time{}
}

// extractAndWrite assembles the dump window and writes it in the background.
func (c *Capturer) extractAndWrite() {
	// Section sizes (flat section capped at maxFlatSeconds). The trailing
	// context is capped at what has actually been written: an early finalize
	// forced by the next dropout must not read unwritten ring slots.
	flatBatches := min(max(0, c.flatEndPos-c.flatStartPos), int64(maxFlatSeconds*batchesPerSecond))
	afterBatches := int64(0)
	if c.flatEndPos > 0 {
		afterBatches = min(int64(afterSeconds*batchesPerSecond), c.totalWritten-c.flatEndPos)
	}

	// Build the window: savedBefore (guaranteed intact) + flat (capped) + after
	beforeLen := int64(len(c.savedBefore))
	window := make([]*types.ChannelBatch, beforeLen+flatBatches+afterBatches)
	copy(window, c.savedBefore)
	c.copyFromRing(window[beforeLen:beforeLen+flatBatches], c.flatStartPos)
	c.copyFromRing(window[beforeLen+flatBatches:], c.flatEndPos)

	// Capture all values needed for writing before releasing the lock
	flatStart := c.flatStart
	flatDuration := time.Duration(c.flatEndPos-c.flatStartPos) * types.BatchWindow
	outputDir := c.outputDir
	callback := c.onDumpReady

	// Free the snapshot; no longer needed after extraction
	c.savedBefore = nil

	// Write in background to not block batch processing.
	// All values are captured above; the goroutine doesn't touch Capturer fields.
	go func() {
		result := writeDump(outputDir, window, flatStart, flatDuration)
		if callback != nil {
			callback(result)
		}
	}()
}

// Flush finalizes an in-progress capture immediately, without waiting for
// trailing context to fill. Called when the sample stream ends so a dropout
// cut off by a stop or connection loss still produces a dump.
func (c *Capturer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || !c.capturing {
		return
	}

	// Still flat at the cut: close the flat section at the last written batch.
	if c.flatEndPos == 0 {
		c.flatEndPos = c.totalWritten
	}
	c.extractAndWrite()

	c.capturing = false
	c.flatStartPos = 0
	c.flatEndPos = 0
	c.flatStart = time.Time{}
}

// copyFromRing copies buffered batches into the destination slice.
func (c *Capturer) copyFromRing(dst []*types.ChannelBatch, startPos int64) {
	bufferStart := startPos % int64(bufferCapacity)

	for i := range dst {
		pos := (bufferStart + int64(i)) % int64(bufferCapacity)
		dst[i] = c.buffer[pos]
	}
}

// writeDump writes the dump window to a JSONL file.
func writeDump(outputDir string, window []*types.ChannelBatch, flatStart time.Time, duration time.Duration) *DumpResult {
	result := &DumpResult{
		Duration:  duration,
		DumpStart: flatStart,
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		result.Error = fmt.Errorf("create dump dir: %w", err)
		return result
	}

	// Filename: dropout_2024-01-15_14-32-05.jsonl (local time)
	result.Filename = "dropout_" + flatStart.Local().Format("2006-01-02_15-04-05") + ".jsonl"
	result.FilePath = filepath.Join(outputDir, result.Filename)

	f, err := os.Create(result.FilePath)
	if err != nil {
		result.Error = fmt.Errorf("create dump file: %w", err)
		return result
	}

	enc := json.NewEncoder(f)
	writeErr := enc.Encode(dumpHeader{
		StartedAt:  flatStart,
		DurationMs: duration.Milliseconds(),
		Batches:    len(window),
		Class:      string(types.ChannelBiosignal),
	})
	for _, batch := range window {
		if writeErr != nil {
			break
		}
		if batch == nil {
			continue
		}
		writeErr = enc.Encode(batch)
	}

	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		result.Error = fmt.Errorf("write dump file: %w", writeErr)
		return result
	}

	if info, err := os.Stat(result.FilePath); err == nil {
		result.FileSize = info.Size()
	}
	result.BatchCount = len(window)

	slog.Info("dropout dump written",
		"file", result.Filename,
		"size", result.FileSize,
		"duration", duration,
	)

	return result
}

// Reset clears all capture state.
func (c *Capturer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.buffer)
	c.writePos = 0
	c.totalWritten = 0
	c.flatStartPos = 0
	c.flatEndPos = 0
	c.flatStart = time.Time{}
	c.capturing = false
	c.savedBefore = nil

	slog.Debug("dropout capturer reset")
}
