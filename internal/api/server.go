// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the analyst HTTP/JSON surface: setup, rule CRUD,
// connection queries, stream reconstruction, capture sessions, metrics and
// the websocket event feed.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"acheron.dev/acheron/internal/capture"
	"acheron.dev/acheron/internal/config"
	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/flows"
	"acheron.dev/acheron/internal/logging"
	"acheron.dev/acheron/internal/metrics"
	"acheron.dev/acheron/internal/rules"
	"acheron.dev/acheron/internal/storage"
	"acheron.dev/acheron/internal/streams"
)

// ServerConfig holds HTTP server hardening limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

// DefaultServerConfig returns the limits applied when none are configured.
// WriteTimeout also bounds capture downloads; large pcaps need headroom.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      10 << 20,
	}
}

// Server wires the pipeline components to their HTTP routes.
type Server struct {
	cfg       *ServerConfig
	store     *storage.Store
	registry  *rules.Registry
	reader    *streams.Reader
	captures  *capture.Manager
	rescanner *flows.Rescanner
	metrics   *metrics.Metrics
	logger    *logging.Logger
	ws        *WSManager
	router    *mux.Router

	settingsMu sync.RWMutex
	settings   config.Settings
	configured bool
}

// Options holds the server dependencies. Rescanner is optional.
type Options struct {
	Config    *ServerConfig
	Store     *storage.Store
	Registry  *rules.Registry
	Reader    *streams.Reader
	Captures  *capture.Manager
	Rescanner *flows.Rescanner
	Metrics   *metrics.Metrics
	Logger    *logging.Logger

	// Settings previously persisted through POST /setup, if any.
	Settings   config.Settings
	Configured bool
}

// NewServer builds the router and the websocket manager.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	s := &Server{
		cfg:        cfg,
		store:      opts.Store,
		registry:   opts.Registry,
		reader:     opts.Reader,
		captures:   opts.Captures,
		rescanner:  opts.Rescanner,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithComponent("api"),
		settings:   opts.Settings,
		configured: opts.Configured,
	}
	s.ws = NewWSManager(s.metrics, s.logger)
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/setup", s.handleSetup).Methods("POST")
	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.requireSetup, s.requireAuth)

	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")

	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules", s.handleAddRule).Methods("POST")
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods("GET")
	api.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("PUT")

	api.HandleFunc("/connections", s.handleListConnections).Methods("GET")
	api.HandleFunc("/connections/{id}", s.handleGetConnection).Methods("GET")
	api.HandleFunc("/connections/{id}/mark", s.setConnectionFlag("marked", true)).Methods("POST")
	api.HandleFunc("/connections/{id}/unmark", s.setConnectionFlag("marked", false)).Methods("POST")
	api.HandleFunc("/connections/{id}/hide", s.setConnectionFlag("hidden", true)).Methods("POST")
	api.HandleFunc("/connections/{id}/show", s.setConnectionFlag("hidden", false)).Methods("POST")

	api.HandleFunc("/streams/{id}", s.handleGetStream).Methods("GET")

	api.HandleFunc("/pcap/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/pcap/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/pcap/sessions/{id}/download", s.handleDownloadSession).Methods("GET")
	api.HandleFunc("/pcap/upload", s.handleUploadPcap).Methods("POST")
	api.HandleFunc("/pcap/file", s.handleFilePcap).Methods("POST")
	api.HandleFunc("/pcap/live", s.handleStartLive).Methods("POST")
	api.HandleFunc("/pcap/live/{id}", s.handleStopLive).Methods("DELETE")

	router.Handle("/ws",
		s.requireSetup(s.requireAuth(http.HandlerFunc(s.ws.handleConnect)))).Methods("GET")

	return router
}

// Router returns the http handler for mounting.
func (s *Server) Router() http.Handler {
	return s.router
}

// Notifier returns the broadcast sink the connection finalizer feeds.
func (s *Server) Notifier() flows.Notifier {
	return s.ws
}

// HTTPServer wraps the router into an http.Server with the configured limits.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
}

// Close shuts down the websocket clients.
func (s *Server) Close() {
	s.ws.Close()
}

func (s *Server) currentSettings() (config.Settings, bool) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings, s.configured
}

// requireSetup rejects API traffic until POST /setup has run.
func (s *Server) requireSetup(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.currentSettings(); !ok {
			respondError(w, s.logger, errors.New(errors.KindUnavailable, "setup required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth enforces basic auth against the settings accounts when enabled.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		settings, _ := s.currentSettings()
		if !settings.AuthRequired {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || !validCredentials(settings.Accounts, username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="acheron"`)
			respondWithJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validCredentials(accounts map[string]string, username, password string) bool {
	expected, ok := accounts[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

type errorBody struct {
	Error string `json:"error"`
}

// respondWithJSON sends a JSON response.
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondError maps the error kind onto an HTTP status.
func respondError(w http.ResponseWriter, logger *logging.Logger, err error) {
	code := statusForKind(errors.GetKind(err))
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	respondWithJSON(w, code, errorBody{Error: err.Error()})
}

func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindPrecondition:
		return http.StatusPreconditionFailed
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body, rejecting unknown fields.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.KindValidation, "malformed request body")
	}
	return nil
}

func pathID(r *http.Request) (storage.RowID, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf(errors.KindValidation, "invalid id: %s", raw)
	}
	return storage.RowID(id), nil
}
