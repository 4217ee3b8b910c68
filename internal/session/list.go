package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// ListSessions returns metadata for all sessions still on disk, newest first.
// Sessions whose metadata cannot be read are skipped.
func (s *Store) ListSessions() ([]types.SessionInfo, error) {
	s.mu.RLock()
	dirs := []string{s.spoolDir}
	if s.destination != nil && s.destination.LocalDir != "" && s.destination.LocalDir != s.spoolDir {
		dirs = append(dirs, s.destination.LocalDir)
	}
	s.mu.RUnlock()

	sessions := []types.SessionInfo{}
	seen := make(map[string]bool)

	for _, baseDir := range dirs {
		entries, err := os.ReadDir(baseDir)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("failed to read session directory", "path", baseDir, "error", err)
			}
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			data, err := os.ReadFile(filepath.Join(baseDir, entry.Name(), metadataFilename))
			if err != nil {
				continue
			}

			var info types.SessionInfo
			if err := json.Unmarshal(data, &info); err != nil || info.ID == "" {
				continue
			}
			if seen[info.ID] {
				continue
			}
			seen[info.ID] = true
			sessions = append(sessions, info)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}
