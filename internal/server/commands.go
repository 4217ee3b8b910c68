package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/config"
	"github.com/halcyonbio/biolink-gateway/internal/journal"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// Operation deadlines for device actions started from the dashboard.
const (
	connectTimeout = 30 * time.Second // Device connect including link setup
	actionTimeout  = 15 * time.Second // Disconnect, stream and recording ops
)

// DefaultJournalEntries is the journal page size when a request names none.
const DefaultJournalEntries = 50

// Command is a command received from a WebSocket client.
type Command struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Controller is the device lifecycle surface the command handlers drive.
// *orchestrator.Orchestrator satisfies it.
type Controller interface {
	ScanDevices(ctx context.Context) ([]types.DeviceDescriptor, error)
	ConnectDevice(ctx context.Context, deviceID string) error
	DisconnectDevice(ctx context.Context) error
	StartStreaming(ctx context.Context) error
	StopStreaming(ctx context.Context) error
	StartRecording(ctx context.Context, name string, cfg *types.SessionConfig) (string, error)
	StopRecording(ctx context.Context) error
	Status() types.OrchestratorStatus
}

// SettingsApplier pushes saved configuration changes into the running
// components that consume them: the flatline detector, the session store,
// the notifier and the dump capture manager.
type SettingsApplier interface {
	ApplyDeviceSettings()
	ApplyStorageSettings()
	ApplyNotificationSettings()
	ApplyDumpSettings()
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg        *config.Config
	controller Controller
	journal    *journal.Logger
	applier    SettingsApplier
}

// NewCommandHandler creates a new command handler. journal and applier
// may be nil; the corresponding commands then report an error or skip the
// runtime re-apply.
func NewCommandHandler(cfg *config.Config, controller Controller, jl *journal.Logger, applier SettingsApplier) *CommandHandler {
	return &CommandHandler{
		cfg:        cfg,
		controller: controller,
		journal:    jl,
		applier:    applier,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "device/connect")
func (h *CommandHandler) Handle(cmd Command, send chan<- any, triggerStatusUpdate func()) {
	parts := strings.SplitN(cmd.Type, "/", 2)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch namespace {
	case "device":
		h.handleDevice(action, cmd, send)
	case "stream":
		h.handleStream(action, cmd, send)
	case "recording":
		h.handleRecording(action, cmd, send)
	case "journal":
		h.handleJournal(action, cmd, send)
	case "config":
		h.handleConfig(action, cmd, send)
	case "status":
		h.handleStatus(action)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// --- Namespace routers ---

// handleDevice routes device/* commands
func (h *CommandHandler) handleDevice(action string, cmd Command, send chan<- any) {
	switch action {
	case "scan":
		h.handleDeviceScan(cmd, send)
	case "connect":
		h.handleDeviceConnect(cmd, send)
	case "disconnect":
		h.handleDeviceDisconnect(cmd, send)
	default:
		slog.Warn("unknown device action", "action", action)
	}
}

// handleStream routes stream/* commands
func (h *CommandHandler) handleStream(action string, cmd Command, send chan<- any) {
	switch action {
	case "start":
		h.handleStreamStart(cmd, send)
	case "stop":
		h.handleStreamStop(cmd, send)
	default:
		slog.Warn("unknown stream action", "action", action)
	}
}

// handleRecording routes recording/* commands
func (h *CommandHandler) handleRecording(action string, cmd Command, send chan<- any) {
	switch action {
	case "start":
		h.handleRecordingStart(cmd, send)
	case "stop":
		h.handleRecordingStop(cmd, send)
	default:
		slog.Warn("unknown recording action", "action", action)
	}
}

// handleJournal routes journal/* commands
func (h *CommandHandler) handleJournal(action string, cmd Command, send chan<- any) {
	switch action {
	case "get":
		h.handleJournalGet(cmd, send)
	default:
		slog.Warn("unknown journal action", "action", action)
	}
}

// handleConfig routes config/* commands
func (h *CommandHandler) handleConfig(action string, cmd Command, send chan<- any) {
	switch action {
	case "get":
		h.handleConfigGet(send)
	case "update":
		h.handleConfigUpdate(cmd, send)
	default:
		slog.Warn("unknown config action", "action", action)
	}
}

// handleStatus routes status/* commands
func (h *CommandHandler) handleStatus(action string) {
	switch action {
	case "get":
		// Status is sent automatically after every command; an explicit
		// get just rides the triggered update.
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}
