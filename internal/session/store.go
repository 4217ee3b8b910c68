package session

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/halcyonbio/biolink-gateway/internal/journal"
	"github.com/halcyonbio/biolink-gateway/internal/types"
	"github.com/halcyonbio/biolink-gateway/internal/util"
)

const (
	// spoolFlushInterval bounds how long written batches may sit in the
	// buffered writer before hitting disk.
	spoolFlushInterval = 1000 * time.Millisecond

	// spoolBufferSize is the buffered writer capacity for the spool file.
	spoolBufferSize = 64 * 1024

	// uploadTimeout bounds a single object upload.
	uploadTimeout = 5 * time.Minute

	// cleanupInterval is the cadence of the local cleanup worker.
	cleanupInterval = 10 * time.Minute

	// uploadedDirTTL is how long s3-only session folders are kept locally
	// after a completed upload.
	uploadedDirTTL = 1 * time.Hour

	// s3CleanupInterval is the cadence of remote retention cleanup.
	s3CleanupInterval = 24 * time.Hour

	spoolFilename    = "session.jsonl"
	metadataFilename = "metadata.json"
)

// uploadRequest represents a file ready for S3 upload.
type uploadRequest struct {
	sessionID string
	localPath string
	s3Key     string
	fileSize  int64
	removeDir string // session dir to remove after upload (s3-only mode)
}

// UploadResult reports the outcome of one object upload.
type UploadResult struct {
	SessionID string
	Key       string
	Size      int64
	Err       error
}

// UploadCallback observes upload outcomes (journal + publisher wiring).
type UploadCallback func(result UploadResult)

// spoolWriter owns the open spool file of the active session.
type spoolWriter struct {
	dir       string
	path      string
	file      *os.File
	buf       *bufio.Writer
	enc       *json.Encoder
	lastFlush time.Time
}

func (w *spoolWriter) close() error {
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	return cmp.Or(flushErr, closeErr)
}

// Store persists recording sessions to a storage destination and uploads
// finished sessions to S3-compatible storage when the destination asks for it.
type Store struct {
	mu sync.RWMutex

	spoolDir    string
	destination *Destination // nil until resolved

	current *types.SessionInfo
	writer  *spoolWriter

	s3Client *s3.Client
	s3cfg    func() S3Config

	uploadQueue  chan uploadRequest
	uploadStopCh chan struct{}
	workerWg     sync.WaitGroup
	running      bool

	retentionDays  int
	lastUploadTime *time.Time
	lastUploadErr  string
	onUpload       UploadCallback
	journal        *journal.Logger // nil disables upload/cleanup events

	// Local folders eligible for delayed removal after upload.
	cleanupMu    sync.Mutex
	uploadedDirs map[string]time.Time
}

// NewStore creates a session store. spoolDir receives s3-only sessions;
// s3cfg supplies upload credentials and may be nil when S3 is never used.
func NewStore(spoolDir string, s3cfg func() S3Config) *Store {
	return &Store{
		spoolDir:      cmp.Or(spoolDir, DefaultSpoolDir),
		s3cfg:         s3cfg,
		uploadQueue:   make(chan uploadRequest, 100),
		retentionDays: types.DefaultRetentionDays,
		uploadedDirs:  make(map[string]time.Time),
	}
}

// SetUploadCallback registers the upload outcome observer.
func (s *Store) SetUploadCallback(fn UploadCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpload = fn
}

// SetJournal wires the event journal for upload and cleanup events.
func (s *Store) SetJournal(jl *journal.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = jl
}

// logUpload journals an upload event when a journal is wired.
func (s *Store) logUpload(eventType journal.EventType, sessionID string, details *journal.UploadDetails) {
	s.mu.RLock()
	jl := s.journal
	s.mu.RUnlock()
	if jl == nil {
		return
	}
	if err := jl.LogUpload(eventType, sessionID, details); err != nil {
		slog.Warn("failed to journal upload event", "type", eventType, "error", err)
	}
}

// logCleanup journals a retention cleanup pass when a journal is wired.
func (s *Store) logCleanup(storageType string, filesDeleted int) {
	s.mu.RLock()
	jl := s.journal
	s.mu.RUnlock()
	if jl == nil {
		return
	}
	err := jl.LogRecording(journal.CleanupCompleted, "", &journal.RecordingDetails{
		FilesDeleted: filesDeleted,
		StorageType:  storageType,
	})
	if err != nil {
		slog.Warn("failed to journal cleanup event", "error", err)
	}
}

// SetRetentionDays sets the retention period for local and remote sessions.
// Zero keeps sessions forever.
func (s *Store) SetRetentionDays(days int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retentionDays = days
}

// Start launches the upload worker and the cleanup worker.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.uploadStopCh = make(chan struct{})

	s.workerWg.Add(2)
	go s.uploadWorker()
	go s.cleanupWorker()

	slog.Info("session store started", "spool_dir", s.spoolDir)
}

// Stop stops the workers, draining pending uploads first.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.uploadStopCh
	s.mu.Unlock()

	close(stopCh)
	s.workerWg.Wait()

	slog.Info("session store stopped")
}

// StorageDestination returns the resolved destination handle, "" when unresolved.
func (s *Store) StorageDestination() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destination == nil {
		return ""
	}
	return s.destination.String()
}

// SetStorageDestination parses and applies a destination handle. The S3
// client is recreated whenever the handle involves a bucket.
func (s *Store) SetStorageDestination(dest string) error {
	parsed, err := ParseDestination(dest)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.destination = &parsed
	if parsed.Bucket != "" && s.s3cfg != nil {
		cfg := s.s3cfg()
		if cfg.IsConfigured() {
			s.s3Client = createS3Client(&cfg)
		} else {
			s.s3Client = nil
		}
	} else {
		s.s3Client = nil
	}

	slog.Info("storage destination set", "destination", parsed.String())
	return nil
}

// StartSession opens a new recording session and returns its authoritative id.
func (s *Store) StartSession(ctx context.Context, cfg types.SessionConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return "", fmt.Errorf("%w: %s", ErrSessionActive, s.current.ID)
	}
	if s.destination == nil {
		return "", ErrNoDestination
	}

	id := uuid.New().String()
	start := time.Now()

	baseDir := cmp.Or(s.destination.LocalDir, s.spoolDir)
	dir := filepath.Join(baseDir, util.SessionFolderName(start, id[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	spoolPath := filepath.Join(dir, spoolFilename)
	file, err := os.Create(spoolPath)
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}

	buf := bufio.NewWriterSize(file, spoolBufferSize)
	s.writer = &spoolWriter{
		dir:       dir,
		path:      spoolPath,
		file:      file,
		buf:       buf,
		enc:       json.NewEncoder(buf),
		lastFlush: start,
	}

	s.current = &types.SessionInfo{
		ID:           id,
		Name:         cmp.Or(cfg.Name, "session-"+start.Format("2006-01-02-15-04")),
		Subject:      cfg.Subject,
		Notes:        cfg.Notes,
		DeviceID:     cfg.DeviceID,
		Destination:  s.destination.String(),
		StartedAt:    start,
		SampleCounts: make(map[types.ChannelClass]int64, len(types.ChannelClasses)),
	}

	if err := writeMetadata(dir, s.current); err != nil {
		slog.Warn("failed to write session metadata", "id", id, "error", err)
	}

	slog.Info("session started", "id", id, "name", s.current.Name, "dir", dir)
	return id, nil
}

// WriteBatch appends a channel batch to the active session spool. Writes
// while no session is active are dropped silently.
func (s *Store) WriteBatch(class types.ChannelClass, batch *types.ChannelBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.writer == nil || batch == nil {
		return nil
	}

	if err := s.writer.enc.Encode(batch); err != nil {
		return fmt.Errorf("spool batch: %w", err)
	}
	s.current.SampleCounts[class] += int64(len(batch.Samples))

	if now := time.Now(); now.Sub(s.writer.lastFlush) >= spoolFlushInterval {
		if err := s.writer.buf.Flush(); err != nil {
			return fmt.Errorf("flush spool: %w", err)
		}
		s.writer.lastFlush = now
	}
	return nil
}

// EndSession finalizes the active session: closes the spool, rewrites the
// metadata, and queues the files for upload when the destination has a
// bucket. The in-memory session is cleared even when finalizing fails.
func (s *Store) EndSession(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoSession
	}

	info := s.current
	writer := s.writer
	dest := *s.destination
	s.current = nil
	s.writer = nil
	s.mu.Unlock()

	var errs []error

	info.EndedAt = time.Now()
	if writer != nil {
		if err := writer.close(); err != nil {
			errs = append(errs, fmt.Errorf("close spool: %w", err))
		}
		if err := writeMetadata(writer.dir, info); err != nil {
			errs = append(errs, fmt.Errorf("write metadata: %w", err))
		}

		if dest.Bucket != "" {
			s.queueSessionUpload(info, &dest, writer.dir)
		}
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	slog.Info("session ended", "id", info.ID,
		"duration", info.EndedAt.Sub(info.StartedAt).Truncate(time.Second),
		"samples", info.SampleCounts)
	return errors.Join(errs...)
}

// CurrentSession returns a copy of the active session, nil when idle.
func (s *Store) CurrentSession() *types.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return nil
	}
	clone := *s.current
	clone.SampleCounts = maps.Clone(s.current.SampleCounts)
	return &clone
}

// writeMetadata writes the session metadata sidecar.
func writeMetadata(dir string, info *types.SessionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFilename), append(data, '\n'), 0o644)
}

// queueSessionUpload enqueues the spool and metadata files of a finished
// session. In s3-only mode the last request carries the folder for delayed
// local removal.
func (s *Store) queueSessionUpload(info *types.SessionInfo, dest *Destination, dir string) {
	s.mu.RLock()
	client := s.s3Client
	s.mu.RUnlock()

	if client == nil {
		slog.Info("S3 not configured, keeping session local", "id", info.ID, "dir", dir)
		return
	}

	removeDir := ""
	if dest.Mode == types.StorageS3 {
		removeDir = dir
	}

	folder := filepath.Base(dir)
	files := []string{spoolFilename, metadataFilename}
	for i, name := range files {
		localPath := filepath.Join(dir, name)
		stat, err := os.Stat(localPath)
		if err != nil {
			slog.Warn("failed to stat session file", "id", info.ID, "path", localPath, "error", err)
			continue
		}

		req := uploadRequest{
			sessionID: info.ID,
			localPath: localPath,
			s3Key:     path.Join(dest.Prefix, folder, name),
			fileSize:  stat.Size(),
		}
		if i == len(files)-1 {
			req.removeDir = removeDir
		}

		select {
		case s.uploadQueue <- req:
			slog.Info("queued session file for upload", "id", info.ID, "key", req.s3Key)
			s.logUpload(journal.UploadQueued, info.ID, &journal.UploadDetails{
				Key:       req.s3Key,
				SizeBytes: req.fileSize,
			})
		default:
			slog.Warn("upload queue full, dropping file", "id", info.ID, "key", req.s3Key)
		}
	}
}

// uploadWorker processes the upload queue.
func (s *Store) uploadWorker() {
	defer s.workerWg.Done()

	for {
		select {
		case <-s.uploadStopCh:
			// Drain remaining items before exiting
			for {
				select {
				case req := <-s.uploadQueue:
					s.uploadFile(req)
				default:
					return
				}
			}
		case req := <-s.uploadQueue:
			s.uploadFile(req)
		}
	}
}

// uploadFile uploads a single file to S3.
func (s *Store) uploadFile(req uploadRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	result := UploadResult{SessionID: req.sessionID, Key: req.s3Key, Size: req.fileSize}

	s.mu.RLock()
	client := s.s3Client
	var bucket string
	if s.destination != nil {
		bucket = s.destination.Bucket
	}
	onUpload := s.onUpload
	s.mu.RUnlock()

	if client == nil || bucket == "" {
		slog.Warn("no S3 client available", "id", req.sessionID)
		return
	}

	err := func() error {
		file, err := os.Open(req.localPath)
		if err != nil {
			return fmt.Errorf("open file for upload: %w", err)
		}
		defer func() {
			if err := file.Close(); err != nil {
				slog.Warn("failed to close file after upload", "id", req.sessionID, "error", err)
			}
		}()

		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(req.s3Key),
			Body:          file,
			ContentLength: aws.Int64(req.fileSize),
			ContentType:   aws.String(contentTypeFor(req.localPath)),
		})
		return err
	}()

	if err != nil {
		result.Err = err
		s.mu.Lock()
		s.lastUploadErr = err.Error()
		s.mu.Unlock()
		slog.Error("upload failed", "id", req.sessionID, "s3_key", req.s3Key, "error", err)
		s.logUpload(journal.UploadFailed, req.sessionID, &journal.UploadDetails{
			Key:       req.s3Key,
			SizeBytes: req.fileSize,
			Error:     err.Error(),
		})
		if onUpload != nil {
			onUpload(result)
		}
		return
	}

	now := time.Now()
	s.mu.Lock()
	s.lastUploadTime = &now
	s.lastUploadErr = ""
	s.mu.Unlock()

	if req.removeDir != "" {
		s.cleanupMu.Lock()
		s.uploadedDirs[req.removeDir] = now
		s.cleanupMu.Unlock()
	}

	// The metadata sidecar is the last file of a session to upload; its
	// completion marks the whole session uploaded in the local listing.
	if filepath.Base(req.localPath) == metadataFilename {
		s.markUploaded(filepath.Dir(req.localPath), path.Dir(req.s3Key))
	}

	slog.Info("upload completed", "id", req.sessionID, "s3_key", req.s3Key)
	s.logUpload(journal.UploadCompleted, req.sessionID, &journal.UploadDetails{
		Key:       req.s3Key,
		SizeBytes: req.fileSize,
	})
	if onUpload != nil {
		onUpload(result)
	}
}

// markUploaded rewrites the local metadata sidecar with the upload outcome.
func (s *Store) markUploaded(dir, keyPrefix string) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFilename))
	if err != nil {
		return
	}

	var info types.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return
	}

	info.Uploaded = true
	info.UploadKey = keyPrefix
	if err := writeMetadata(dir, &info); err != nil {
		slog.Warn("failed to mark session uploaded", "id", info.ID, "error", err)
	}
}

// contentTypeFor maps session files onto MIME types.
func contentTypeFor(localPath string) string {
	if filepath.Ext(localPath) == ".jsonl" {
		return "application/x-ndjson"
	}
	return "application/json"
}

// LastUploadStatus reports the most recent upload time and error.
func (s *Store) LastUploadStatus() (lastUpload *time.Time, lastErr string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUploadTime, s.lastUploadErr
}

// PendingUploads returns the number of queued but not yet completed uploads.
func (s *Store) PendingUploads() int {
	return len(s.uploadQueue)
}

// SessionCount returns the number of sessions currently known on disk.
func (s *Store) SessionCount() int {
	sessions, err := s.ListSessions()
	if err != nil {
		return 0
	}
	return len(sessions)
}
