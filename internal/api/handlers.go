package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lotsearch/bidcrawl/internal/crawl"
	"github.com/lotsearch/bidcrawl/internal/proxy"
	"github.com/lotsearch/bidcrawl/internal/runner"
)

// submitCrawlJob accepts a job spec, fills defaults, validates it, and
// upserts the tracking record keyed by target URL. The response is the
// accepted record; crawling happens asynchronously.
func (s *Server) submitCrawlJob(w http.ResponseWriter, r *http.Request) {
	var spec crawl.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	spec = s.cfg.ApplySpecDefaults(spec)
	if err := s.cfg.ValidateSpec(spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.strategies.Get(spec.StrategyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if spec.ProxyID != "" && spec.ProxyID != proxy.AutoID {
		if _, err := s.proxies.Select(spec.ProxyID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate tracking id")
		return
	}
	now := s.clock.Now()
	tracking, err := s.trackings.Upsert(r.Context(), crawl.Tracking{
		ID:          id,
		TargetURL:   spec.TargetURL,
		Spec:        spec,
		NextCheckAt: &now,
	})
	if err != nil {
		s.log.Error("upsert tracking", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store tracking")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tracking": tracking})
}

// listTracking returns the most recent records plus a status summary.
func (s *Server) listTracking(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	trackings, err := s.trackings.List(r.Context(), limit)
	if err != nil {
		s.log.Error("list trackings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list trackings")
		return
	}
	counts, err := s.trackings.CountByStatus(r.Context())
	if err != nil {
		s.log.Error("count trackings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "count trackings")
		return
	}
	if trackings == nil {
		trackings = []crawl.Tracking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trackings":     trackings,
		"status_counts": counts,
	})
}

func (s *Server) getTracking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tracking_id")
	tracking, err := s.trackings.Get(r.Context(), id)
	if errors.Is(err, crawl.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tracking not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get tracking")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracking": tracking})
}

type retryRequest struct {
	Force bool `json:"force"`
}

// retryTracking re-arms a record for an immediate attempt. A running
// record is left alone unless force is set.
func (s *Server) retryTracking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tracking_id")

	var req retryRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	tracking, err := s.scheduler.Retry(r.Context(), id, req.Force)
	if errors.Is(err, crawl.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tracking not found")
		return
	}
	if err != nil {
		s.log.Error("retry tracking", zap.String("tracking_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "retry tracking")
		return
	}
	if tracking.Status == crawl.StatusRunning && !req.Force {
		writeJSON(w, http.StatusConflict, map[string]any{
			"tracking": tracking,
			"error":    "an attempt is already running; use force to bypass",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tracking": tracking})
}

type testParseRequest struct {
	TargetURL  string `json:"target_url"`
	URL        string `json:"url"`
	FetchMode  string `json:"fetch_mode"`
	ProxyID    string `json:"proxy_id"`
	StrategyID string `json:"strategy_id"`
}

// testParse runs an interactive dry-run against one page. The call is
// synchronous, bounded by the fetch timeout, and canceled when the
// client disconnects.
func (s *Server) testParse(w http.ResponseWriter, r *http.Request) {
	var req testParseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TargetURL == "" {
		req.TargetURL = req.URL
	}
	if req.TargetURL == "" {
		writeError(w, http.StatusBadRequest, "target_url is required")
		return
	}
	mode := crawl.FetchMode(req.FetchMode)
	if mode == "" {
		mode = crawl.ModeHTTP
	}
	if mode != crawl.ModeHTTP && mode != crawl.ModeBrowser {
		writeError(w, http.StatusBadRequest, "fetch_mode must be http or browser")
		return
	}
	strategyID := req.StrategyID
	if strategyID == "" {
		strategyID = s.cfg.Jobs.DefaultStrategy
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.FetchTimeout()+5*time.Second)
	defer cancel()

	result := s.runner.TestParse(ctx, runner.TestParseRequest{
		TargetURL:  req.TargetURL,
		FetchMode:  mode,
		ProxyID:    req.ProxyID,
		StrategyID: strategyID,
	})
	writeJSON(w, http.StatusOK, result)
}

// listProxies reports the configured profiles with their last observed
// health.
func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"proxies": s.proxies.List()})
}
