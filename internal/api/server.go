// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lotsearch/bidcrawl/internal/config"
	"github.com/lotsearch/bidcrawl/internal/crawl"
	"github.com/lotsearch/bidcrawl/internal/metrics"
	"github.com/lotsearch/bidcrawl/internal/proxy"
	"github.com/lotsearch/bidcrawl/internal/runner"
	"github.com/lotsearch/bidcrawl/internal/scheduler"
	"github.com/lotsearch/bidcrawl/internal/strategy"
)

// defaultListLimit bounds GET /v1/tracking when no limit is given.
const defaultListLimit = 50

// maxListLimit is the hard ceiling for one listing response.
const maxListLimit = 500

// Server wires HTTP handlers to the scheduler, runner and stores.
type Server struct {
	router     chi.Router
	cfg        config.Config
	trackings  crawl.TrackingStore
	scheduler  *scheduler.Scheduler
	runner     *runner.Runner
	proxies    *proxy.Pool
	strategies *strategy.Registry
	idGen      crawl.IDGenerator
	clock      crawl.Clock
	log        *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	cfg config.Config,
	trackings crawl.TrackingStore,
	sched *scheduler.Scheduler,
	run *runner.Runner,
	proxies *proxy.Pool,
	strategies *strategy.Registry,
	idGen crawl.IDGenerator,
	clock crawl.Clock,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		cfg:        cfg,
		trackings:  trackings,
		scheduler:  sched,
		runner:     run,
		proxies:    proxies,
		strategies: strategies,
		idGen:      idGen,
		clock:      clock,
		log:        log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(recoverMiddleware(log))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(time.Duration(cfg.Server.TimeoutSeconds) * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawl-jobs", s.submitCrawlJob)
		r.Route("/tracking", func(r chi.Router) {
			r.Get("/", s.listTracking)
			r.Route("/{tracking_id}", func(r chi.Router) {
				r.Get("/", s.getTracking)
				r.Post("/retry", s.retryTracking)
			})
		})
		r.Post("/test-parse", s.testParse)
		r.Get("/proxies", s.listProxies)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The tracking store is the only hard dependency at startup.
	if _, err := s.trackings.CountByStatus(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "tracking store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
