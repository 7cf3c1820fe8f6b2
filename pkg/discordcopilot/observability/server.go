package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readyTimeout = 3 * time.Second

// Pinger checks datastore connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	// Enabled turns the server on (default: false).
	Enabled bool `yaml:"enabled"`

	// Address to listen on (default: "127.0.0.1:9090").
	Address string `yaml:"address"`
}

// Server serves liveness, readiness and metrics.
type Server struct {
	cfg     ServerConfig
	metrics *Metrics
	db      Pinger
	status  func() map[string]any
	logger  *slog.Logger
	http    *http.Server
}

// NewServer creates the ops server. status, when set, adds fields to the
// /healthz body.
func NewServer(cfg ServerConfig, metrics *Metrics, db Pinger, status func() map[string]any, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:9090"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		metrics: metrics,
		db:      db,
		status:  status,
		logger:  logger.With("component", "ops"),
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
	return r
}

// Start listens in the background. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server stopped", "error", err)
		}
	}()
	s.logger.Info("ops server listening", "address", ln.Addr().String())
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  "datastore unreachable",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
