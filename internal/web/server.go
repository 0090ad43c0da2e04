// Package web serves the JSON control API and the WebSocket event stream.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"ble-ota-flasher/internal/events"
	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/script"
	"ble-ota-flasher/internal/store"
)

// Link reports the state of the device connection.
type Link interface {
	IsConnected() bool
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore enables the history endpoints.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// WithLink exposes the connection state in /api/status.
func WithLink(name string, l Link) ServerOption {
	return func(s *Server) {
		s.transport = name
		s.link = l
	}
}

// WithFirmwareDefaults sets the image used when an update request names none.
// If dir is non-empty, requested paths are confined to it.
func WithFirmwareDefaults(path, dir string, core protocol.Core) ServerOption {
	return func(s *Server) {
		s.defaultPath = path
		s.firmwareDir = dir
		s.defaultCore = core
	}
}

// WithScripts enables the script endpoints.
func WithScripts(r *script.Runner) ServerOption {
	return func(s *Server) {
		s.scripts = r
	}
}

// Server is the HTTP server for the control API.
type Server struct {
	updater        *ota.Updater
	store          store.Store
	scripts        *script.Runner
	link           Link
	transport      string
	hub            *EventHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	defaultPath    string
	firmwareDir    string
	defaultCore    protocol.Core

	progressMu   sync.RWMutex
	lastProgress *events.Progress

	// ctx bounds background updates started over HTTP.
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates a new web server. Events from bus are forwarded to
// WebSocket clients.
func NewServer(updater *ota.Updater, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		updater:     updater,
		logger:      logger.With("component", "web"),
		mux:         http.NewServeMux(),
		defaultCore: protocol.CoreCM4,
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewEventHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	s.unsubEvents = bus.OnAll(func(event events.Event) {
		s.trackProgress(event)
		s.hub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop cancels running updates, shuts down the WebSocket hub and waits
// for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.cancel()
	s.hub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)

	// Update session
	s.mux.HandleFunc("POST /api/update", s.handleAPIStartUpdate)
	s.mux.HandleFunc("GET /api/update", s.handleAPICurrentSession)

	// Device commands
	s.mux.HandleFunc("GET /api/device", s.handleAPIDeviceInfo)
	s.mux.HandleFunc("POST /api/device/verify-active", s.handleAPIVerifyActive)
	s.mux.HandleFunc("POST /api/device/activate", s.handleAPIActivate)
	s.mux.HandleFunc("POST /api/device/config/{op}", s.handleAPIConfig)
	s.mux.HandleFunc("POST /api/device/protect", s.handleAPIProtect)

	// History
	s.mux.HandleFunc("GET /api/sessions", s.handleAPIListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleAPIGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleAPIDeleteSession)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)

	// Scripts
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// The WebSocket upgrade cannot carry custom headers from a browser,
		// so only /api/ is key-protected.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// trackProgress remembers the latest chunk progress for /api/status.
func (s *Server) trackProgress(event events.Event) {
	switch event.Type {
	case events.EventChunkProgress:
		p, ok := event.Data.(events.Progress)
		if !ok {
			return
		}
		s.progressMu.Lock()
		s.lastProgress = &p
		s.progressMu.Unlock()
	case events.EventSessionState:
		sc, ok := event.Data.(events.StateChange)
		if ok && sc.To == string(ota.StateLoaded) {
			s.progressMu.Lock()
			s.lastProgress = nil
			s.progressMu.Unlock()
		}
	}
}

func (s *Server) progress() *events.Progress {
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()
	if s.lastProgress == nil {
		return nil
	}
	p := *s.lastProgress
	return &p
}
