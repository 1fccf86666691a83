// Package status serves the operational HTTP surface: health, sync progress,
// and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds status server configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Snapshot is one point-in-time view of sync progress.
type Snapshot struct {
	SyncTip       *BlockRef     `json:"sync_tip"`
	Finalized     *BlockRef     `json:"finalized"`
	SchemaHistory []SchemaEntry `json:"schema_history"`
}

// BlockRef identifies a block by hash and height.
type BlockRef struct {
	Hash   string `json:"hash"`
	Number uint64 `json:"number"`
}

// SchemaEntry is one schema transition in the snapshot.
type SchemaEntry struct {
	Schema string `json:"schema"`
	Hash   string `json:"hash"`
	Number uint64 `json:"number"`
}

// Source supplies snapshots for the /status endpoint.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Server is the status HTTP server.
type Server struct {
	config   *Config
	logger   *zap.Logger
	source   Source
	registry *prometheus.Registry
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a status server over the given snapshot source and metrics
// registry.
func NewServer(config *Config, logger *zap.Logger, source Source, registry *prometheus.Registry) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:   config,
		logger:   logger,
		source:   source,
		registry: registry,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	snapshot, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to build status snapshot", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(snapshot)
}

// Start starts the status server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting status server", zap.String("address", s.config.Address()))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the status server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping status server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the underlying chi router (for testing).
func (s *Server) Router() *chi.Mux {
	return s.router
}
