package main

import (
	"crypto/subtle"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/capture"
	"github.com/halcyonbio/biolink-gateway/internal/config"
	"github.com/halcyonbio/biolink-gateway/internal/journal"
	"github.com/halcyonbio/biolink-gateway/internal/notify"
	"github.com/halcyonbio/biolink-gateway/internal/orchestrator"
	"github.com/halcyonbio/biolink-gateway/internal/pipeline"
	"github.com/halcyonbio/biolink-gateway/internal/server"
	"github.com/halcyonbio/biolink-gateway/internal/session"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

var loginTmpl = template.Must(template.New("login").Parse(loginHTML))
var indexTmpl = template.Must(template.New("index").Parse(indexHTML))

type loginData struct {
	Error       bool
	CSRFToken   string
	Version     string
	Year        int
	GatewayName string
}

type indexData struct {
	Version     string
	Year        int
	GatewayName string
}

// statusHub fans state-change pokes out to connected dashboard clients. Each
// WebSocket connection registers its status-update channel; a poke tells the
// connection's event loop to push a fresh status document. The hub satisfies
// the orchestrator's publisher so lifecycle transitions reach dashboards
// without polling delay.
type statusHub struct {
	mu      sync.Mutex
	clients map[chan struct{}]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{clients: make(map[chan struct{}]struct{})}
}

// register adds a client poke channel and returns its removal function.
func (h *statusHub) register(poke chan struct{}) func() {
	h.mu.Lock()
	h.clients[poke] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.clients, poke)
		h.mu.Unlock()
	}
}

// broadcast pokes every registered client. Sends never block: a client that
// already has a pending poke needs no second one.
func (h *statusHub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for poke := range h.clients {
		select {
		case poke <- struct{}{}:
		default:
		}
	}
}

// Publisher implementation. The orchestrator journals and raises alerts
// itself; the hub's only job is waking up dashboards.

func (h *statusHub) ConnectionChanged(types.ConnectionSnapshot) { h.broadcast() }
func (h *statusHub) StreamingChanged(bool)                      { h.broadcast() }
func (h *statusHub) RecordingChanged(bool, string)              { h.broadcast() }
func (h *statusHub) BatteryUpdated(int, float64)                { h.broadcast() }
func (h *statusHub) Reset()                                     { h.broadcast() }

// SamplingRatesUpdated is intentionally quiet: rates ride the periodic status
// ticker, and the monitor loop would otherwise poke every second.
func (h *statusHub) SamplingRatesUpdated(map[types.ChannelClass]float64) {}

// Server is the HTTP server that provides the dashboard and REST API for the
// gateway.
type Server struct {
	config   *config.Config
	orch     *orchestrator.Orchestrator
	router   *pipeline.Router
	store    *session.Store
	dumps    *capture.Manager
	notifier *notify.AlertNotifier
	journal  *journal.Logger
	hub      *statusHub

	sessions  *server.SessionManager
	commands  *server.CommandHandler
	version   *VersionChecker
	expiry    *notify.SecretExpiryChecker
	startedAt time.Time
}

// NewServer returns a new Server over the gateway's long-lived components.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, router *pipeline.Router, store *session.Store, dumps *capture.Manager, notifier *notify.AlertNotifier, jl *journal.Logger, hub *statusHub) *Server {
	snap := cfg.Snapshot()

	srv := &Server{
		config:    cfg,
		orch:      orch,
		router:    router,
		store:     store,
		dumps:     dumps,
		notifier:  notifier,
		journal:   jl,
		hub:       hub,
		sessions:  server.NewSessionManager(),
		version:   NewVersionChecker(),
		expiry:    notify.NewSecretExpiryChecker(notify.BuildGraphConfig(&snap)),
		startedAt: time.Now(),
	}
	srv.commands = server.NewCommandHandler(cfg, orch, jl, srv)

	return srv
}

// Settings appliers, invoked by the command layer after a config section
// changed. They push live values into the affected components and wake up
// dashboards.

// ApplyDeviceSettings reacts to device section changes. Flatline parameters
// are pulled live by the pipeline and the scan window is read per scan, so
// nothing needs pushing.
func (s *Server) ApplyDeviceSettings() {
	s.hub.broadcast()
}

// ApplyStorageSettings pushes the new storage destination into the session
// store. An unresolvable destination (incomplete section) leaves the store's
// current destination in place.
func (s *Server) ApplyStorageSettings() {
	snap := s.config.Snapshot()
	if dest := s.config.StorageDestination(); dest != "" {
		if err := s.store.SetStorageDestination(dest); err != nil {
			slog.Warn("failed to apply storage destination", "error", err)
		}
	}
	s.store.SetRetentionDays(snap.StorageRetentionDays)
	s.hub.broadcast()
}

// ApplyNotificationSettings drops the cached Graph client so the next email
// uses fresh credentials.
func (s *Server) ApplyNotificationSettings() {
	snap := s.config.Snapshot()
	s.notifier.InvalidateGraphClient()
	s.expiry.UpdateConfig(notify.BuildGraphConfig(&snap))
	s.hub.broadcast()
}

// ApplyDumpSettings pushes dump capture settings into the capture manager.
func (s *Server) ApplyDumpSettings() {
	snap := s.config.Snapshot()
	s.dumps.SetEnabled(snap.DumpDir != "")
	s.dumps.SetRetentionDays(snap.DumpRetentionDays)
	s.hub.broadcast()
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Create buffered send channel for thread-safe writes.
	// Only the writer goroutine writes to the connection, preventing race conditions.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	unregister := s.hub.register(statusUpdate)
	defer unregister()

	// Writer goroutine - sole writer to the connection
	go s.runWebSocketWriter(conn, send)

	// Reader goroutine - handles incoming commands
	go s.runWebSocketReader(conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the connection.
func (s *Server) runWebSocketWriter(conn server.Conn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.Conn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop handles periodic status and level updates.
func (s *Server) runWebSocketEventLoop(send chan any, done, statusUpdate <-chan struct{}) {
	levelsTicker := time.NewTicker(100 * time.Millisecond)  // 10 fps for signal meters
	statusTicker := time.NewTicker(3000 * time.Millisecond) // Status updates every 3s
	defer levelsTicker.Stop()
	defer statusTicker.Stop()

	// trySend attempts to send a message, returning false if done is closed
	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	// Send initial status
	if !trySend(s.buildStatus("status")) {
		close(send)
		return
	}

	for {
		select {
		case <-done:
			close(send)
			return
		case <-statusUpdate:
			if !trySend(s.buildStatus("status")) {
				close(send)
				return
			}
		case <-levelsTicker.C:
			if !trySend(types.WSLevelsResponse{Type: "levels", Levels: s.router.Levels()}) {
				close(send)
				return
			}
		case <-statusTicker.C:
			if !trySend(s.buildStatus("status")) {
				close(send)
				return
			}
		}
	}
}

// buildStatus assembles the full status document. msgType is set for
// WebSocket pushes and left empty for REST responses.
func (s *Server) buildStatus(msgType string) types.StatusResponse {
	cfg := s.config.Snapshot()

	resp := types.StatusResponse{
		Type:   msgType,
		Status: s.orch.Status(),
		Device: s.orch.ConnectedDeviceInfo(),
		Rates:  s.orch.SamplingRateAverages(),
		Storage: types.StorageStatus{
			Mode:           cfg.StorageMode,
			Destination:    s.store.StorageDestination(),
			SessionCount:   s.store.SessionCount(),
			UploadsPending: s.store.PendingUploads(),
		},
		Gateway: types.GatewayStatus{
			Name:      cfg.GatewayName,
			StartedAt: s.startedAt,
			Version:   s.version.Info(),
		},
	}
	if cur := s.store.CurrentSession(); cur != nil {
		resp.SessionID = cur.ID
	}

	return resp
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.sessions.AuthMiddleware()

	// Public routes (no auth required)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)

	// Public static assets (needed for login page styling)
	mux.HandleFunc("/style.css", s.handlePublicStatic)
	mux.HandleFunc("/favicon.svg", s.handlePublicStatic)

	// REST API routes (API key or authenticated dashboard session)
	mux.HandleFunc("GET /api/status", s.apiAuth(s.handleAPIStatus))
	mux.HandleFunc("GET /api/devices", s.apiAuth(s.handleAPIDevices))
	mux.HandleFunc("POST /api/devices/connect", s.apiAuth(s.handleAPIConnect))
	mux.HandleFunc("POST /api/devices/disconnect", s.apiAuth(s.handleAPIDisconnect))
	mux.HandleFunc("POST /api/streaming/start", s.apiAuth(s.handleAPIStreamingStart))
	mux.HandleFunc("POST /api/streaming/stop", s.apiAuth(s.handleAPIStreamingStop))
	mux.HandleFunc("POST /api/recordings/start", s.apiAuth(s.handleAPIRecordingStart))
	mux.HandleFunc("POST /api/recordings/stop", s.apiAuth(s.handleAPIRecordingStop))
	mux.HandleFunc("GET /api/sessions", s.apiAuth(s.handleAPISessions))
	mux.HandleFunc("GET /api/journal", s.apiAuth(s.handleAPIJournal))
	mux.HandleFunc("GET /api/dumps", s.apiAuth(s.handleAPIDumps))
	mux.HandleFunc("GET /api/config", s.apiAuth(s.handleAPIConfig))
	mux.HandleFunc("PUT /api/config", s.apiAuth(s.handleAPIConfigUpdate))
	mux.HandleFunc("POST /api/config/regenerate-key", s.apiAuth(s.handleAPIRegenerateKey))
	mux.HandleFunc("POST /api/storage/test", s.apiAuth(s.handleAPITestStorage))
	mux.HandleFunc("POST /api/notifications/test-webhook", s.apiAuth(s.handleAPITestWebhook))
	mux.HandleFunc("POST /api/notifications/test-email", s.apiAuth(s.handleAPITestEmail))
	mux.HandleFunc("GET /api/version", s.apiAuth(s.handleAPIVersion))

	// Protected routes
	mux.HandleFunc("/ws", auth(s.handleWebSocket))
	mux.HandleFunc("/", auth(s.handleStatic))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// handlePublicStatic handles requests for static files without authentication.
func (s *Server) handlePublicStatic(w http.ResponseWriter, r *http.Request) {
	if !serveStaticFile(w, r.URL.Path) {
		http.NotFound(w, r)
	}
}

// serveStaticFile serves a static file by path and reports whether it was found.
func serveStaticFile(w http.ResponseWriter, path string) bool {
	file, ok := staticFiles[path]
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", file.contentType)
	if _, err := w.Write([]byte(file.content)); err != nil {
		slog.Error("failed to write static file", "file", file.name, "error", err)
	}
	return true
}

// handleLogin handles login page display and form submission.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie("gateway_session"); err == nil {
		if s.sessions.Validate(cookie.Value) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
	}

	cfg := s.config.Snapshot()
	data := loginData{
		Version:     Version,
		Year:        time.Now().Year(),
		CSRFToken:   s.sessions.CreateCSRFToken(),
		GatewayName: cfg.GatewayName,
	}

	if r.Method == http.MethodPost {
		csrfToken := r.FormValue("csrf_token")
		if !s.sessions.ValidateCSRFToken(csrfToken) {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		key := r.FormValue("api_key")

		if s.sessions.Login(w, r, key, cfg.APIKey) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		data.Error = true
		data.CSRFToken = s.sessions.CreateCSRFToken() // New token for retry
	}

	w.Header().Set("Content-Type", "text/html")
	if err := loginTmpl.Execute(w, data); err != nil {
		slog.Error("failed to render login page", "error", err)
	}
}

// handleLogout handles user logout requests.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(w, r)
	http.Redirect(w, r, "/login", http.StatusFound)
}

// staticFile is an embedded static file with content type and data.
type staticFile struct {
	contentType string
	content     string
	name        string
}

// staticFiles is a map from URL paths to static file definitions.
var staticFiles = map[string]staticFile{
	"/style.css": {
		contentType: "text/css",
		content:     styleCSS,
		name:        "style.css",
	},
	"/app.js": {
		contentType: "application/javascript",
		content:     appJS,
		name:        "app.js",
	},
	"/favicon.svg": {
		contentType: "image/svg+xml",
		content:     faviconSVG,
		name:        "favicon.svg",
	},
}

// handleStatic handles requests for embedded static web interface files.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	}

	// Serve index.html with dynamic placeholders.
	if path == "/index.html" {
		cfg := s.config.Snapshot()
		w.Header().Set("Content-Type", "text/html")
		if err := indexTmpl.Execute(w, indexData{
			Version:     Version,
			Year:        time.Now().Year(),
			GatewayName: cfg.GatewayName,
		}); err != nil {
			slog.Error("failed to write index.html", "error", err)
		}
		return
	}

	if serveStaticFile(w, path) {
		return
	}

	http.NotFound(w, r)
}

// apiAuth returns middleware that admits requests carrying either a valid
// dashboard session cookie or the configured API key.
func (s *Server) apiAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sessions.ValidateRequest(r) {
			next(w, r)
			return
		}

		apiKey := s.config.APIKey()
		if apiKey == "" {
			http.Error(w, "API key not configured", http.StatusServiceUnavailable)
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.SetupRoutes(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
