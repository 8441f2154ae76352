package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"zigbee2mqtt-assistant/internal/bridge"
	"zigbee2mqtt-assistant/internal/correlator"
	"zigbee2mqtt-assistant/internal/mqtt"
	"zigbee2mqtt-assistant/internal/poller"
	"zigbee2mqtt-assistant/internal/state"
)

// Assistant is the bridge surface the API drives. *bridge.Service
// satisfies it.
type Assistant interface {
	Snapshot() *state.Bridge
	FindDevice(id string) (*state.Device, error)
	LowBatteryDevices() []*state.Device
	LowBatteryThreshold() float64

	Rename(ctx context.Context, id, newName string) error
	Remove(ctx context.Context, id string) error
	ForceRemove(ctx context.Context, id string) error
	Bind(ctx context.Context, source, target string) error
	Unbind(ctx context.Context, source, target string) error
	Configure(ctx context.Context, id string) error
	OTAUpdate(ctx context.Context, id string) error
	PermitJoin(ctx context.Context, permit bool) error
	SetLogLevel(ctx context.Context, level state.LogLevel) error
	TouchlinkFactoryReset(ctx context.Context) error
	RefreshDevices(ctx context.Context) error
	RefreshNetworkMap(ctx context.Context) error
	Reset(ctx context.Context) error
}

// JoinDeadline reports when an open network will be closed automatically.
type JoinDeadline interface {
	Deadline() time.Time
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithJoinDeadline adds the permit-join auto close time to /api/bridge.
func WithJoinDeadline(j JoinDeadline) ServerOption {
	return func(s *Server) {
		s.joinDeadline = j
	}
}

// Server is the HTTP API and change stream.
type Server struct {
	svc            Assistant
	store          *state.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	metrics        http.Handler
	joinDeadline   JoinDeadline
	unsubStore     func()
}

// NewServer creates the web server and starts broadcasting store changes.
func NewServer(svc Assistant, store *state.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		svc:    svc,
		store:  store,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.unsubStore = store.Subscribe(func(old, new *state.Bridge) {
		s.wsHub.Broadcast(changedNotice(old, new))
	})

	s.routes()
	return s
}

// Stop detaches from the store and disconnects WebSocket clients.
func (s *Server) Stop() {
	if s.unsubStore != nil {
		s.unsubStore()
	}
	s.wsHub.Stop()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/bridge", s.handleAPIBridge)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices/refresh", s.handleAPIRefreshDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/rename", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleAPIRemoveDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/bind", s.handleAPIBind)
	s.mux.HandleFunc("POST /api/devices/{id}/unbind", s.handleAPIUnbind)
	s.mux.HandleFunc("POST /api/devices/{id}/configure", s.handleAPIConfigure)
	s.mux.HandleFunc("POST /api/devices/{id}/ota", s.handleAPIOTAUpdate)
	s.mux.HandleFunc("POST /api/permit-join", s.handleAPIPermitJoin)
	s.mux.HandleFunc("POST /api/log-level", s.handleAPILogLevel)
	s.mux.HandleFunc("POST /api/network/scan", s.handleAPINetworkScan)
	s.mux.HandleFunc("POST /api/touchlink/factory-reset", s.handleAPITouchlinkReset)
	s.mux.HandleFunc("POST /api/reset", s.handleAPIReset)

	s.mux.HandleFunc("GET /ws", s.handleWS)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
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

	// Browsers cannot send custom headers on a WS upgrade, so only /api/ is
	// key protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// statusFor maps operation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, correlator.ErrInProgress), errors.Is(err, poller.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, correlator.ErrCommandFailed):
		return http.StatusBadGateway
	case errors.Is(err, correlator.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, mqtt.ErrNotConnected), errors.Is(err, correlator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal server error"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}
