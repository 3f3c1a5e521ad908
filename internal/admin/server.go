// Package admin serves the operational HTTP surface of an asyncrdma node:
// Prometheus metrics, health probes and debug views of live connections
// and the verbs backend.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/asyncrdma/internal/health"
	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

// ConnectionLister reports live connections, e.g. *rdma.ConnectionTracker.
type ConnectionLister interface {
	Len() int
	Snapshot() []rdma.ConnectionStats
}

// BackendInfo is the part of a verbs backend the debug view needs.
type BackendInfo interface {
	Name() string
	GetMetrics() map[string]interface{}
}

// Options configures the admin server.
type Options struct {
	Address            string
	CORSAllowedOrigins []string
	Connections        ConnectionLister
	Backend            BackendInfo
	// Health mounts the /health probes when set.
	Health *health.Checker
}

// Server is the admin HTTP server.
type Server struct {
	srv     *http.Server
	opts    Options
	started time.Time
}

// NewServer builds the router. It does not listen until Serve.
func NewServer(opts Options) *Server {
	s := &Server{opts: opts, started: time.Now()}

	s.srv = &http.Server{
		Addr:         opts.Address,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Routes returns the admin handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.health)

	if s.opts.Health != nil {
		h := health.NewHandler(s.opts.Health)

		r.Route("/health", func(r chi.Router) {
			r.Get("/", h.HealthHandler)
			r.Get("/live", h.LivenessHandler)
			r.Get("/ready", h.ReadinessHandler)
			r.Get("/detailed", h.DetailedHandler)
		})
	}

	r.Route("/debug", func(r chi.Router) {
		r.Get("/connections", s.connections)
		r.Get("/backend", s.backend)
	})

	return r
}

// Name implements shutdown.HTTPServerShutdown.
func (s *Server) Name() string { return "admin" }

// Serve accepts on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("address", ln.Addr().String()).Msg("Admin server listening")

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Uptime: time.Since(s.started).Round(time.Second).String()}

	if s.opts.Connections != nil {
		resp.Connections = s.opts.Connections.Len()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) connections(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Connections == nil {
		writeJSON(w, http.StatusOK, []rdma.ConnectionStats{})
		return
	}

	writeJSON(w, http.StatusOK, s.opts.Connections.Snapshot())
}

func (s *Server) backend(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Backend == nil {
		writeError(w, "no verbs backend opened", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    s.opts.Backend.Name(),
		"metrics": s.opts.Backend.GetMetrics(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write admin response")
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
