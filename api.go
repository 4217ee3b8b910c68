package main

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/config"
	"github.com/halcyonbio/biolink-gateway/internal/journal"
	"github.com/halcyonbio/biolink-gateway/internal/notify"
	"github.com/halcyonbio/biolink-gateway/internal/server"
	"github.com/halcyonbio/biolink-gateway/internal/session"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// Timeouts for synchronous device operations driven over REST.
const (
	apiConnectTimeout = 30 * time.Second
	apiActionTimeout  = 15 * time.Second
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// parseJSON reads and parses JSON from request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := s.readJSON(r, &v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	return v, true
}

// coalesce returns the first non-zero value from the provided values.
func coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}

// handleAPIStatus returns the full status document.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildStatus(""))
}

// handleAPIDevices scans for advertising devices and returns the results.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(s.config.Snapshot().ScanTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(r.Context(), window)
	defer cancel()

	devices, err := s.orch.ScanDevices(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
	})
}

// handleAPIConnect connects to a device by ID.
// POST /api/devices/connect
func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.DeviceConnectRequest](s, w, r)
	if !ok {
		return
	}
	if err := server.ValidateStruct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, server.FormatValidationError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiConnectTimeout)
	defer cancel()

	if err := s.orch.ConnectDevice(ctx, req.DeviceID); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Remember the device so the dashboard preselects it next time.
	if err := s.config.SetPreferredDevice(req.DeviceID); err != nil {
		slog.Warn("failed to save preferred device", "error", err)
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "device_id": req.DeviceID})
}

// handleAPIDisconnect disconnects the current device.
// POST /api/devices/disconnect
func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiActionTimeout)
	defer cancel()

	if err := s.orch.DisconnectDevice(ctx); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleAPIStreamingStart starts the sample stream.
// POST /api/streaming/start
func (s *Server) handleAPIStreamingStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiActionTimeout)
	defer cancel()

	if err := s.orch.StartStreaming(ctx); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "streaming_started"})
}

// handleAPIStreamingStop stops the sample stream.
// POST /api/streaming/stop
func (s *Server) handleAPIStreamingStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiActionTimeout)
	defer cancel()

	if err := s.orch.StopStreaming(ctx); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "streaming_stopped"})
}

// handleAPIRecordingStart starts a recording session.
// POST /api/recordings/start
func (s *Server) handleAPIRecordingStart(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.RecordingStartRequest](s, w, r)
	if !ok {
		return
	}
	if err := server.ValidateStruct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, server.FormatValidationError(err))
		return
	}

	cfg := s.config.Snapshot()
	sessionCfg := &types.SessionConfig{
		Subject:            cmp.Or(req.Subject, cfg.DefaultSubject),
		Notes:              req.Notes,
		MaxDurationMinutes: cfg.MaxDurationMinutes,
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiActionTimeout)
	defer cancel()

	sessionID, err := s.orch.StartRecording(ctx, req.Name, sessionCfg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recording_started", "session_id": sessionID})
}

// handleAPIRecordingStop stops the active recording session.
// POST /api/recordings/stop
func (s *Server) handleAPIRecordingStop(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	if cur := s.store.CurrentSession(); cur != nil {
		sessionID = cur.ID
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiActionTimeout)
	defer cancel()

	if err := s.orch.StopRecording(ctx); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recording_stopped", "session_id": sessionID})
}

// handleAPISessions lists recorded sessions, newest first.
// GET /api/sessions
func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
	})
}

// handleAPIJournal returns journal events, newest first. Supports n, offset
// and filter query parameters.
// GET /api/journal
func (s *Server) handleAPIJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal not available")
		return
	}

	n := server.DefaultJournalEntries
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	filter := journal.TypeFilter(r.URL.Query().Get("filter"))
	switch filter {
	case journal.FilterAll, journal.FilterDevice, journal.FilterStream, journal.FilterRecording, journal.FilterUpload:
	default:
		s.writeError(w, http.StatusBadRequest, "filter must be one of: device, stream, recording, upload")
		return
	}

	events, hasMore, err := journal.ReadLast(s.journal.Path(), n, offset, filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": hasMore,
		"offset":   offset,
	})
}

// handleAPIDumps lists dropout dump files, newest first.
// GET /api/dumps
func (s *Server) handleAPIDumps(w http.ResponseWriter, r *http.Request) {
	dumps, err := s.dumps.ListDumps()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"dumps": dumps,
		"dir":   s.dumps.Dir(),
	})
}

// handleAPIConfig returns the redacted configuration for the frontend.
// GET /api/config
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()

	resp := server.RedactedConfig(&cfg)
	resp["graph_secret_expiry"] = s.expiry.GetInfo()

	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIConfigUpdate applies a partial configuration update and returns
// the resulting redacted configuration.
// PUT /api/config
func (s *Server) handleAPIConfigUpdate(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.ConfigUpdateRequest](s, w, r)
	if !ok {
		return
	}
	if err := server.ValidateStruct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, server.FormatValidationError(err))
		return
	}

	if err := s.commands.ApplyConfigUpdate(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := s.config.Snapshot()
	s.writeJSON(w, http.StatusOK, server.RedactedConfig(&cfg))
}

// handleAPIRegenerateKey generates a new API key.
// POST /api/config/regenerate-key
func (s *Server) handleAPIRegenerateKey(w http.ResponseWriter, r *http.Request) {
	newKey, err := config.GenerateAPIKey()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.config.SetAPIKey(newKey); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.hub.broadcast()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"api_key": newKey,
	})
}

// S3TestRequest is the request body for testing S3 connectivity. Fields left
// empty fall back to the saved storage configuration.
type S3TestRequest struct {
	Endpoint  string `json:"s3_endpoint"`
	Region    string `json:"s3_region"`
	Bucket    string `json:"s3_bucket"`
	AccessKey string `json:"s3_access_key_id"`
	SecretKey string `json:"s3_secret_access_key"`
	Prefix    string `json:"s3_prefix"`
}

// handleAPITestStorage tests S3 connectivity with the posted or saved
// credentials.
// POST /api/storage/test
func (s *Server) handleAPITestStorage(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[S3TestRequest](s, w, r)
	if !ok {
		return
	}

	cfg := s.config.Snapshot()
	testCfg := &session.S3Config{
		Endpoint:        coalesce(req.Endpoint, cfg.S3Endpoint),
		Region:          coalesce(req.Region, cfg.S3Region),
		Bucket:          coalesce(req.Bucket, cfg.S3Bucket),
		AccessKeyID:     coalesce(req.AccessKey, cfg.S3AccessKeyID),
		SecretAccessKey: coalesce(req.SecretKey, cfg.S3SecretAccessKey),
		Prefix:          coalesce(req.Prefix, cfg.S3Prefix),
	}

	if testCfg.Bucket == "" {
		s.writeError(w, http.StatusBadRequest, "s3_bucket is required")
		return
	}
	if testCfg.AccessKeyID == "" {
		s.writeError(w, http.StatusBadRequest, "s3_access_key_id is required")
		return
	}
	if testCfg.SecretAccessKey == "" {
		s.writeError(w, http.StatusBadRequest, "s3_secret_access_key is required")
		return
	}

	if err := session.TestS3Connection(testCfg); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Notification test endpoints

// NotificationTestRequest is the request body for testing notifications.
type NotificationTestRequest struct {
	// Webhook
	WebhookURL string `json:"webhook_url,omitempty"`

	// Email
	GraphTenantID     string `json:"graph_tenant_id,omitempty"`
	GraphClientID     string `json:"graph_client_id,omitempty"`
	GraphClientSecret string `json:"graph_client_secret,omitempty"`
	GraphFromAddress  string `json:"graph_from_address,omitempty"`
	GraphRecipients   string `json:"graph_recipients,omitempty"`
}

// handleAPITestWebhook sends a test webhook.
// POST /api/notifications/test-webhook
func (s *Server) handleAPITestWebhook(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[NotificationTestRequest](s, w, r)
	if !ok {
		return
	}

	cfg := s.config.Snapshot()
	url := coalesce(req.WebhookURL, cfg.WebhookURL)

	if url == "" {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "No webhook URL configured"})
		return
	}

	if err := notify.SendTestWebhook(url, cfg.GatewayName); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAPITestEmail sends a test email via Microsoft Graph.
// POST /api/notifications/test-email
func (s *Server) handleAPITestEmail(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[NotificationTestRequest](s, w, r)
	if !ok {
		return
	}

	// Use request values or fall back to saved config
	cfg := s.config.Snapshot()
	tenantID := coalesce(req.GraphTenantID, cfg.GraphTenantID)
	clientID := coalesce(req.GraphClientID, cfg.GraphClientID)
	clientSecret := coalesce(req.GraphClientSecret, cfg.GraphClientSecret)
	fromAddress := coalesce(req.GraphFromAddress, cfg.GraphFromAddress)
	recipients := coalesce(req.GraphRecipients, cfg.GraphRecipients)

	if tenantID == "" || clientID == "" || clientSecret == "" {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "Email not fully configured"})
		return
	}

	graphCfg := &notify.GraphConfig{
		TenantID:     tenantID,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		FromAddress:  fromAddress,
		Recipients:   recipients,
	}

	if err := notify.SendTestEmail(graphCfg, cfg.GatewayName); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAPIVersion returns version and update information.
// GET /api/version
func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.version.Info())
}
