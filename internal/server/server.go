package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/repoexport/internal/config"
	"github.com/BadgerOps/repoexport/internal/engine"
	"github.com/BadgerOps/repoexport/internal/store"
)

// Server publishes export directories and accepts export requests over HTTP.
type Server struct {
	exporter   *engine.Exporter
	store      *store.Store
	config     *config.Config
	defaults   engine.Request
	logger     *slog.Logger
	httpServer *http.Server
	now        func() time.Time
}

// NewServer creates a new Server instance. defaults fills fields that
// submitted requests leave unset.
func NewServer(
	exp *engine.Exporter,
	st *store.Store,
	cfg *config.Config,
	defaults engine.Request,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		exporter: exp,
		store:    st,
		config:   cfg,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	mux := s.setupRoutes()

	// Export runs are synchronous, so the write timeout is left open.
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Published deliverables and manifests
	mux.HandleFunc("GET /exports/{id}/{file}", s.handleExportFile)

	// API routes
	mux.HandleFunc("GET /api/exports", s.handleListExports)
	mux.HandleFunc("GET /api/exports/{id}", s.handleGetExport)
	mux.HandleFunc("POST /api/exports", s.handleCreateExport)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}
