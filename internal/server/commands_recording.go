package server

import (
	"cmp"
	"context"
	"fmt"

	"github.com/halcyonbio/biolink-gateway/internal/journal"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// --- Recording handlers ---

// handleRecordingStart processes a recording/start command. Missing fields
// fall back to the configured recording defaults.
func (h *CommandHandler) handleRecordingStart(cmd Command, send chan<- any) {
	var req RecordingStartRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}

	snap := h.cfg.Snapshot()
	sessionCfg := &types.SessionConfig{
		Subject:            cmp.Or(req.Subject, snap.DefaultSubject),
		Notes:              req.Notes,
		MaxDurationMinutes: snap.MaxDurationMinutes,
	}

	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		sessionID, err := h.controller.StartRecording(ctx, req.Name, sessionCfg)
		if err != nil {
			return nil, err
		}

		return map[string]string{"session_id": sessionID}, nil
	})
}

// handleRecordingStop processes a recording/stop command.
func (h *CommandHandler) handleRecordingStop(cmd Command, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		return nil, h.controller.StopRecording(ctx)
	})
}

// --- Journal handlers ---

// handleJournalGet processes a journal/get command with pagination.
func (h *CommandHandler) handleJournalGet(cmd Command, send chan<- any) {
	var req JournalGetRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}

	if h.journal == nil {
		SendError(send, cmd.Type, fmt.Errorf("journal not available"))
		return
	}

	n := cmp.Or(req.N, DefaultJournalEntries)
	path := h.journal.Path()

	HandleActionAsync(cmd, send, func() (any, error) {
		events, hasMore, err := journal.ReadLast(path, n, req.Offset, journal.TypeFilter(req.Filter))
		if err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}

		return map[string]any{
			"events":   events,
			"has_more": hasMore,
			"offset":   req.Offset,
		}, nil
	})
}
