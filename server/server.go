package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hubenschmidt/go-imgmatch/monitor"
	"github.com/hubenschmidt/go-imgmatch/search"
)

const (
	DefaultListLimit      = 20
	DefaultMaxListLimit   = 1000
	DefaultMaxUploadBytes = 32 << 20
)

// Config configures a new Server instance.
type Config struct {
	Service        *search.Service // Required
	CanUpdate      bool            // Registers /add and /delete
	AuthUsername   string          // Basic auth applies when both are set
	AuthPassword   string
	MaxUploadBytes int64        // Default: 32 MiB
	MaxListLimit   int          // Default: 1000
	Prometheus     http.Handler // Optional: served at /prometheus
	Logger         *slog.Logger
}

// Server is the HTTP front end of a search.Service.
type Server struct {
	svc            *search.Service
	canUpdate      bool
	username       string
	password       string
	maxUploadBytes int64
	maxListLimit   int
	prometheus     http.Handler
	logger         *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("server: search service is required")
	}

	s := &Server{
		svc:            cfg.Service,
		canUpdate:      cfg.CanUpdate,
		username:       cfg.AuthUsername,
		password:       cfg.AuthPassword,
		maxUploadBytes: cfg.MaxUploadBytes,
		maxListLimit:   cfg.MaxListLimit,
		prometheus:     cfg.Prometheus,
		logger:         monitor.OrDiscard(cfg.Logger).With("component", "server"),
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = DefaultMaxUploadBytes
	}
	if s.maxListLimit <= 0 {
		s.maxListLimit = DefaultMaxListLimit
	}

	s.logger.Info("server configured", "can_update", s.canUpdate, "auth", s.authEnabled())
	return s, nil
}

// Close closes the underlying service and its index.
func (s *Server) Close() error {
	return s.svc.Close()
}

// Handler returns an http.Handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.canUpdate {
		mux.Handle("/add", allow(http.MethodPost, s.handleAdd))
		mux.Handle("/delete", allow(http.MethodDelete, s.handleDelete))
	}
	mux.Handle("/search", allow(http.MethodPost, s.handleSearch))
	mux.Handle("/compare", allow(http.MethodPost, s.handleCompare))
	mux.Handle("/count", allow(http.MethodGet, s.handleCount))
	mux.Handle("/list", allow(http.MethodGet, s.handleList))
	mux.Handle("/ping", allow(http.MethodGet, s.handlePing))
	mux.Handle("/metrics", allow(http.MethodGet, s.handleMetrics))
	if s.prometheus != nil {
		mux.Handle("/prometheus", allow(http.MethodGet, s.prometheus.ServeHTTP))
	}
	mux.HandleFunc("/", handleNotFound)

	return corsMiddleware(s.logRequests(recoverPanics(s.logger, s.basicAuth(mux))))
}
