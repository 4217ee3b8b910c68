package capture

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/pipeline"
	"github.com/halcyonbio/biolink-gateway/internal/types"
	"github.com/halcyonbio/biolink-gateway/internal/util"
)

// Manager owns dropout dump capture and retention cleanup.
type Manager struct {
	mu sync.RWMutex

	capturer    *Capturer
	outputDir   string
	enabled     bool
	onDumpReady DumpCallback

	// Cleanup configuration
	retentionDays int

	// Cleanup scheduler
	cleanupStopCh chan struct{}
	running       bool
}

// NewManager creates a new dropout dump manager.
func NewManager(outputDir string, onDumpReady DumpCallback) *Manager {
	m := &Manager{
		outputDir:     outputDir,
		enabled:       outputDir != "",
		onDumpReady:   onDumpReady,
		retentionDays: types.DefaultDumpRetentionDays,
	}

	if m.enabled {
		m.capturer = NewCapturer(outputDir, onDumpReady)
	}

	return m
}

// Start begins the cleanup scheduler.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.cleanupStopCh = make(chan struct{})
	m.startCleanupScheduler()

	slog.Info("dropout dump manager started", "enabled", m.enabled, "dir", m.outputDir)
}

// Stop stops the cleanup scheduler and resets the capturer.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false

	if m.cleanupStopCh != nil {
		close(m.cleanupStopCh)
		m.cleanupStopCh = nil
	}
	m.mu.Unlock()

	// Reset capturer outside lock
	if m.capturer != nil {
		m.capturer.Reset()
	}

	slog.Info("dropout dump manager stopped")
}

// WriteBatch feeds a biosignal batch to the capturer.
func (m *Manager) WriteBatch(batch *types.ChannelBatch) {
	if m.capturer != nil {
		m.capturer.WriteBatch(batch)
	}
}

// HandleFlatlineEvent processes dropout detection transitions.
func (m *Manager) HandleFlatlineEvent(event pipeline.FlatlineEvent) {
	if m.capturer == nil {
		return
	}

	if event.JustEntered {
		m.capturer.OnFlatlineStart()
	}

	if event.JustRecovered {
		m.capturer.OnFlatlineRecover(
			time.Duration(event.TotalDurationMs)*time.Millisecond,
			time.Duration(event.RecoveryMs)*time.Millisecond,
		)
	}
}

// Flush finalizes any in-progress capture. Called when streaming stops so a
// dropout cut off by connection loss is not discarded.
func (m *Manager) Flush() {
	if m.capturer != nil {
		m.capturer.Flush()
	}
}

// SetEnabled controls whether dump capture is active.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled && m.outputDir != ""
	m.mu.Unlock()

	if m.capturer != nil {
		m.capturer.SetEnabled(enabled)
	}
}

// SetRetentionDays sets the cleanup retention period.
func (m *Manager) SetRetentionDays(days int) {
	m.mu.Lock()
	m.retentionDays = days
	m.mu.Unlock()
}

// Dir returns the dump output directory.
func (m *Manager) Dir() string {
	return m.outputDir
}

// DumpFile describes one dump on disk.
type DumpFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListDumps returns all dump files, newest first.
func (m *Manager) ListDumps() ([]DumpFile, error) {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []DumpFile{}, nil
		}
		return nil, err
	}

	files := make([]DumpFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, DumpFile{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.After(files[j].ModTime) })
	return files, nil
}

// startCleanupScheduler starts the daily cleanup scheduler.
func (m *Manager) startCleanupScheduler() {
	stopCh := m.cleanupStopCh
	go func() {
		for {
			// Calculate duration until next 03:00
			now := time.Now()
			next := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
			if now.After(next) {
				next = next.Add(24 * time.Hour)
			}
			duration := next.Sub(now)

			slog.Debug("dropout dump cleanup: next run scheduled", "at", next.Format(time.DateTime))

			select {
			case <-time.After(duration):
				m.runCleanup()
			case <-stopCh:
				slog.Debug("dropout dump cleanup scheduler stopped")
				return
			}
		}
	}()
}

// runCleanup removes dump files older than retention days.
func (m *Manager) runCleanup() {
	m.mu.RLock()
	retentionDays := m.retentionDays
	m.mu.RUnlock()

	// Retention 0 keeps dumps forever
	if retentionDays == 0 {
		return
	}

	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		// Directory might not exist yet, which is fine
		if !os.IsNotExist(err) {
			slog.Warn("dropout dump cleanup: failed to read directory", "path", m.outputDir, "error", err)
		}
		return
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var deleted int

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}

		fileDate, ok := util.ExtractDateFromFilename(name)
		if !ok {
			continue
		}

		if fileDate.Before(cutoff) {
			filePath := filepath.Join(m.outputDir, name)
			if err := os.Remove(filePath); err != nil {
				slog.Warn("dropout dump cleanup: failed to delete file", "path", filePath, "error", err)
			} else {
				deleted++
				slog.Debug("dropout dump cleanup: deleted file", "file", name)
			}
		}
	}

	if deleted > 0 {
		slog.Info("dropout dump cleanup: deleted old files", "count", deleted)
	}
}
