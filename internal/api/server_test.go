package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lotsearch/bidcrawl/internal/clock/system"
	"github.com/lotsearch/bidcrawl/internal/config"
	"github.com/lotsearch/bidcrawl/internal/crawl"
	"github.com/lotsearch/bidcrawl/internal/fetch"
	"github.com/lotsearch/bidcrawl/internal/governor"
	iduuid "github.com/lotsearch/bidcrawl/internal/id/uuid"
	"github.com/lotsearch/bidcrawl/internal/proxy"
	pubmemory "github.com/lotsearch/bidcrawl/internal/publisher/memory"
	"github.com/lotsearch/bidcrawl/internal/runner"
	"github.com/lotsearch/bidcrawl/internal/scheduler"
	"github.com/lotsearch/bidcrawl/internal/storage/memory"
	"github.com/lotsearch/bidcrawl/internal/strategy"
)

// stubFetcher returns one canned result for every fetch.
type stubFetcher struct {
	mu     sync.Mutex
	result fetch.Result
	err    error
}

func (f *stubFetcher) Fetch(_ context.Context, _ fetch.Request) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// stubStrategy returns one canned extraction.
type stubStrategy struct {
	extraction crawl.Extraction
}

func (s *stubStrategy) Extract(_ context.Context, _ string, _ []byte) (crawl.Extraction, error) {
	return s.extraction, nil
}

type testServer struct {
	server    *Server
	trackings *memory.TrackingStore
	fetcher   *stubFetcher
	strat     *stubStrategy
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 5},
		Fetch:  config.FetchConfig{UserAgent: "bidcrawl-test/0.1", TimeoutSeconds: 2},
		Jobs: config.JobsConfig{
			DefaultBatchSize:   5,
			DefaultRPM:         30,
			DefaultConcurrency: 2,
			DefaultStrategy:    "bidfax",
		},
		Scheduler: config.SchedulerConfig{PollSeconds: 5, Workers: 2, StallAfterFailures: 5},
	}
}

func newTestServer(t *testing.T, cfg config.Config, profiles []crawl.ProxyProfile) *testServer {
	t.Helper()

	clock := system.New()
	trackings := memory.NewTrackingStore(clock)
	items := memory.NewItemSink()
	blobs := memory.NewBlobStore()
	publisher := pubmemory.New()
	pool := proxy.NewPool(profiles, clock)
	fetcher := &stubFetcher{result: fetch.Result{StatusCode: 200, Body: []byte("<html></html>")}}
	strat := &stubStrategy{extraction: crawl.Extraction{Verdict: crawl.VerdictSuccess}}

	registry := strategy.NewRegistry()
	registry.Register("bidfax", strat)

	limits, err := governor.New(governor.Config{RPM: 6000, Concurrency: 8})
	require.NoError(t, err)

	run, err := runner.New(
		runner.Config{UserAgent: cfg.Fetch.UserAgent, StallAfterFailures: 5},
		trackings, items, blobs, publisher, registry, pool, fetcher, limits, clock, zap.NewNop(),
	)
	require.NoError(t, err)

	sched, err := scheduler.New(scheduler.Config{Workers: 1}, trackings, run, clock, zap.NewNop())
	require.NoError(t, err)

	server := NewServer(cfg, trackings, sched, run, pool, registry, iduuid.New(), clock, zap.NewNop())
	return &testServer{server: server, trackings: trackings, fetcher: fetcher, strat: strat}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeTracking(t *testing.T, rec *httptest.ResponseRecorder) crawl.Tracking {
	t.Helper()
	var out struct {
		Tracking crawl.Tracking `json:"tracking"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out.Tracking
}

func TestSubmitCrawlJob_MinimalFormGetsDefaults(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), nil)
	rec := ts.do(t, http.MethodPost, "/v1/crawl-jobs", map[string]any{
		"target_url": "https://example.test/listings",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	got := decodeTracking(t, rec)
	require.NotEmpty(t, got.ID)
	require.Equal(t, crawl.StatusPending, got.Status)
	require.Equal(t, 1, got.Spec.Pages)
	require.Equal(t, crawl.ModeHTTP, got.Spec.FetchMode)
	require.Equal(t, 30, got.Spec.RPM)
	require.Equal(t, 2, got.Spec.Concurrency)
	require.Equal(t, 5, got.Spec.BatchSize)
	require.Equal(t, "bidfax", got.Spec.StrategyID)
	require.NotNil(t, got.NextCheckAt)
}

func TestSubmitCrawlJob_SameURLUpdatesExisting(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), nil)
	first := decodeTracking(t, ts.do(t, http.MethodPost, "/v1/crawl-jobs", map[string]any{
		"target_url": "https://example.test/listings",
	}))
	second := decodeTracking(t, ts.do(t, http.MethodPost, "/v1/crawl-jobs", map[string]any{
		"target_url": "https://example.test/listings",
		"pages":      3,
	}))
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 3, second.Spec.Pages)
}

func TestSubmitCrawlJob_Validation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), nil)

	cases := []map[string]any{
		{},
		{"target_url": "https://example.test", "pages": 500},
		{"target_url": "https://example.test", "fetch_mode": "carrier-pigeon"},
		{"target_url": "https://example.test", "proxy_id": "nonexistent"},
		{"target_url": "https://example.test", "strategy_id": "copart-v2"},
		{"target_url": "https://example.test", "schedule_enabled": true, "schedule_interval_minutes": 1},
	}
	for i, body := range cases {
		rec := ts.do(t, http.MethodPost, "/v1/crawl-jobs", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "case %d", i)
	}
}

func TestListTracking(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), nil)
	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/crawl-jobs", map[string]any{
			"target_url": fmt.Sprintf("https://example.test/listings/%d", i),
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/v1/tracking?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Trackings    []crawl.Tracking             `json:"trackings"`
		StatusCounts map[crawl.TrackingStatus]int `json:"status_counts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.Trackings, 2)
	require.Equal(t, 3, out.StatusCounts[crawl.StatusPending])

	rec = ts.do(t, http.MethodGet, "/v1/tracking?limit=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTracking(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), nil)
	created := decodeTracking(t, ts.do(t, http.MethodPost, "/v1/crawl-jobs", map[string]any{
		"target_url": "https://example.test/listings",
	}))

	rec := ts.do(t, http.MethodGet, "/v1/tracking/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, created.ID, decodeTracking(t, rec).ID)

	rec = ts.do(t, http.MethodGet, "/v1/tracking/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryTracking(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), nil)
	created := decodeTracking(t, ts.do(t, http.MethodPost, "/v1/crawl-jobs", map[string]any{
		"target_url": "https://example.test/listings",
	}))

	rec := ts.do(t, http.MethodPost, "/v1/tracking/"+created.ID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Claim the record so it is running, then retry without force.
	_, ok, err := ts.trackings.Claim(context.Background(), created.ID, false)
	require.NoError(t, err)
	require.True(t, ok)

	rec = ts.do(t, http.MethodPost, "/v1/tracking/"+created.ID+"/retry", map[string]any{"force": false})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/tracking/"+created.ID+"/retry", map[string]any{"force": true})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, crawl.StatusPending, decodeTracking(t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/v1/tracking/missing/retry", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestParse(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), nil)
	ts.strat.extraction = crawl.Extraction{
		Verdict: crawl.VerdictSuccess,
		Items:   []crawl.AuctionItem{{Title: "2019 Toyota Camry SE", VIN: "4T1B11HK5KU211326"}},
		Message: "extracted 1 listings",
	}

	rec := ts.do(t, http.MethodPost, "/v1/test-parse", map[string]any{
		"target_url": "https://example.test/listings",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var out crawl.TestParseResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Equal(t, crawl.VerdictSuccess, out.Verdict)
	require.Len(t, out.Items, 1)

	rec = ts.do(t, http.MethodPost, "/v1/test-parse", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/test-parse", map[string]any{
		"target_url": "https://example.test/listings",
		"fetch_mode": "carrier-pigeon",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListProxies(t *testing.T) {
	t.Parallel()

	profiles := []crawl.ProxyProfile{
		{ID: "eu-west", Scheme: "http", Host: "proxy-a.test", Port: 8080},
		{ID: "us-east", Scheme: "http", Host: "proxy-b.test", Port: 8080},
	}
	ts := newTestServer(t, testConfig(), profiles)

	rec := ts.do(t, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Proxies []crawl.ProxyProfile `json:"proxies"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.Proxies, 2)
	require.Equal(t, "eu-west", out.Proxies[0].ID)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, testConfig(), nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	ts := newTestServer(t, cfg, nil)

	rec := ts.do(t, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/proxies", nil)
	req.Header.Set("X-API-Key", "sekrit")
	authed := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(authed, req)
	require.Equal(t, http.StatusOK, authed.Code)
}
