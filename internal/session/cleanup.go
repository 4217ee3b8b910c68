package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/halcyonbio/biolink-gateway/internal/util"
)

// cleanupWorker periodically removes uploaded s3-only folders, ages out local
// sessions past retention, and once a day applies retention to the bucket.
func (s *Store) cleanupWorker() {
	defer s.workerWg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	var lastS3Cleanup time.Time

	for {
		select {
		case <-s.uploadStopCh:
			return
		case <-ticker.C:
			s.cleanupUploadedDirs()
			s.cleanupLocalSessions()
			if time.Since(lastS3Cleanup) >= s3CleanupInterval {
				s.cleanupS3Sessions()
				lastS3Cleanup = time.Now()
			}
		}
	}
}

// cleanupUploadedDirs removes s3-only session folders an hour after upload.
func (s *Store) cleanupUploadedDirs() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	cutoff := time.Now().Add(-uploadedDirTTL)

	for dir, uploadTime := range s.uploadedDirs {
		if uploadTime.Before(cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				slog.Warn("failed to cleanup uploaded session dir", "dir", dir, "error", err)
			} else {
				slog.Debug("cleaned up uploaded session dir", "dir", dir)
			}
			delete(s.uploadedDirs, dir)
		}
	}
}

// cleanupLocalSessions removes local session folders older than retention days.
func (s *Store) cleanupLocalSessions() {
	s.mu.RLock()
	retentionDays := s.retentionDays
	dirs := []string{s.spoolDir}
	if s.destination != nil && s.destination.LocalDir != "" {
		dirs = append(dirs, s.destination.LocalDir)
	}
	currentDir := ""
	if s.writer != nil {
		currentDir = s.writer.dir
	}
	s.mu.RUnlock()

	// Retention 0 keeps sessions forever
	if retentionDays == 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	totalDeleted := 0

	for _, baseDir := range dirs {
		entries, err := os.ReadDir(baseDir)
		if err != nil {
			// Directory might not exist yet, which is fine
			if !os.IsNotExist(err) {
				slog.Warn("cleanup: failed to read session directory", "path", baseDir, "error", err)
			}
			continue
		}

		var deleted int
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			name := entry.Name()
			folderDate, ok := util.ExtractDateFromFilename(name)
			if !ok {
				continue
			}
			if !folderDate.Before(cutoff) {
				continue
			}

			dir := filepath.Join(baseDir, name)
			// Never age out the session currently being written
			if dir == currentDir {
				continue
			}

			if err := os.RemoveAll(dir); err != nil {
				slog.Warn("cleanup: failed to delete session dir", "path", dir, "error", err)
			} else {
				deleted++
				slog.Debug("cleanup: deleted session dir", "dir", name)
			}
		}

		if deleted > 0 {
			slog.Info("cleanup: deleted old sessions", "path", baseDir, "count", deleted)
			totalDeleted += deleted
		}
	}

	if totalDeleted > 0 {
		s.logCleanup("local", totalDeleted)
	}
}

// cleanupS3Sessions removes bucket objects older than retention days.
func (s *Store) cleanupS3Sessions() {
	s.mu.RLock()
	retentionDays := s.retentionDays
	client := s.s3Client
	var bucket, prefix string
	if s.destination != nil {
		bucket = s.destination.Bucket
		prefix = s.destination.Prefix
	}
	s.mu.RUnlock()

	if retentionDays == 0 || client == nil || bucket == "" {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	ctx, cancel := context.WithTimeoutCause(
		context.Background(),
		5*time.Minute,
		errors.New("s3 cleanup timeout"),
	)
	defer cancel()

	var deleted int
	var continuationToken *string

	for {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
		}
		if prefix != "" {
			input.Prefix = aws.String(prefix + "/")
		}
		if continuationToken != nil {
			input.ContinuationToken = continuationToken
		}

		output, err := client.ListObjectsV2(ctx, input)
		if err != nil {
			slog.Warn("cleanup: failed to list S3 objects", "bucket", bucket, "error", err)
			return
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)

			// The session folder name carries the date
			objDate, ok := util.ExtractDateFromFilename(key)
			if !ok {
				continue
			}

			if objDate.Before(cutoff) {
				_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(bucket),
					Key:    obj.Key,
				})
				if err != nil {
					slog.Warn("cleanup: failed to delete S3 object", "key", key, "error", err)
				} else {
					deleted++
					slog.Debug("cleanup: deleted S3 object", "key", key)
				}
			}
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}

	if deleted > 0 {
		slog.Info("cleanup: deleted S3 objects", "bucket", bucket, "count", deleted)
		s.logCleanup("s3", deleted)
	}
}
