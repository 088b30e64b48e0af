package runner

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lotsearch/bidcrawl/internal/crawl"
	"github.com/lotsearch/bidcrawl/internal/fetch"
	"github.com/lotsearch/bidcrawl/internal/governor"
	"github.com/lotsearch/bidcrawl/internal/proxy"
	pubmemory "github.com/lotsearch/bidcrawl/internal/publisher/memory"
	"github.com/lotsearch/bidcrawl/internal/storage/memory"
	"github.com/lotsearch/bidcrawl/internal/strategy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// stubFetcher returns canned results or errors per call.
type stubFetcher struct {
	mu      sync.Mutex
	results []fetch.Result
	errs    []error
	calls   []fetch.Request
}

func (f *stubFetcher) Fetch(_ context.Context, req fetch.Request) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	i := len(f.calls) - 1
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var res fetch.Result
	if i < len(f.results) {
		res = f.results[i]
	}
	return res, err
}

// stubStrategy returns canned extractions per call.
type stubStrategy struct {
	mu          sync.Mutex
	extractions []crawl.Extraction
	err         error
	calls       int
}

func (s *stubStrategy) Extract(_ context.Context, _ string, _ []byte) (crawl.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if s.err != nil {
		return crawl.Extraction{}, s.err
	}
	if i < len(s.extractions) {
		return s.extractions[i], nil
	}
	return crawl.Extraction{Verdict: crawl.VerdictSuccess}, nil
}

type fixture struct {
	runner    *Runner
	trackings *memory.TrackingStore
	items     *memory.ItemSink
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	clock     *fakeClock
	fetcher   *stubFetcher
	strat     *stubStrategy
	pool      *proxy.Pool
	registry  *strategy.Registry
	limits    governor.Limits
}

func newFixture(t *testing.T, profiles []crawl.ProxyProfile) *fixture {
	t.Helper()

	clock := newFakeClock()
	fetcher := &stubFetcher{}
	strat := &stubStrategy{}
	registry := strategy.NewRegistry()
	registry.Register("bidfax", strat)

	limits, err := governor.New(governor.Config{RPM: 6000, Concurrency: 8})
	require.NoError(t, err)

	f := &fixture{
		trackings: memory.NewTrackingStore(clock),
		items:     memory.NewItemSink(),
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		clock:     clock,
		fetcher:   fetcher,
		strat:     strat,
		pool:      proxy.NewPool(profiles, clock),
		registry:  registry,
		limits:    limits,
	}

	f.runner, err = New(
		Config{
			UserAgent:          "bidcrawl-test/0.1",
			StallAfterFailures: 5,
			EventTopic:         "item-events",
		},
		f.trackings, f.items, f.blobs, f.publisher,
		registry, f.pool, fetcher, limits, clock, zap.NewNop(),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) claim(t *testing.T, spec crawl.JobSpec) crawl.Tracking {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	_, err := f.trackings.Upsert(ctx, crawl.Tracking{
		ID:          "t-1",
		TargetURL:   spec.TargetURL,
		Spec:        spec,
		NextCheckAt: &now,
	})
	require.NoError(t, err)
	claimed, ok, err := f.trackings.Claim(ctx, "t-1", false)
	require.NoError(t, err)
	require.True(t, ok)
	return claimed
}

func baseSpec() crawl.JobSpec {
	return crawl.JobSpec{
		TargetURL:  "https://example.test/listings",
		Pages:      1,
		FetchMode:  crawl.ModeHTTP,
		RPM:        6000,
		BatchSize:  5,
		StrategyID: "bidfax",
	}
}

func TestExecute_SuccessfulAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.results = []fetch.Result{{
		StatusCode: 200,
		Body:       []byte("<html>page</html>"),
		Headers:    http.Header{},
	}}
	f.strat.extractions = []crawl.Extraction{{
		Verdict: crawl.VerdictSuccess,
		Items: []crawl.AuctionItem{
			{Title: "2019 Toyota Camry SE", VIN: "4T1B11HK5KU211326"},
			{Title: "2017 Honda Accord EX-L", VIN: "1HGCR2F88HA031452"},
		},
	}}

	claimed := f.claim(t, baseSpec())
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusDone, got.Status)
	require.Equal(t, crawl.VerdictSuccess, got.LastVerdict)
	require.Equal(t, 2, got.Stats.ItemsSaved)
	require.Zero(t, got.ConsecFails)
	require.Nil(t, got.NextCheckAt)
	require.Equal(t, "mem://snapshots/t-1/1.html", got.SnapshotURI)

	require.Len(t, f.items.ItemsFor("t-1"), 2)
	events := f.publisher.ItemEvents()
	require.Len(t, events, 1)
	require.Equal(t, 2, events[0].ItemsSaved)
	require.Equal(t, "t-1", events[0].TrackingID)
}

func TestExecute_MultiPageStopsOnParseFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	spec := baseSpec()
	spec.Pages = 3
	f.fetcher.results = []fetch.Result{
		{StatusCode: 200, Body: []byte("p1")},
		{StatusCode: 200, Body: []byte("p2")},
		{StatusCode: 200, Body: []byte("p3")},
	}
	f.strat.extractions = []crawl.Extraction{
		{Verdict: crawl.VerdictSuccess, Items: []crawl.AuctionItem{{Title: "one", VIN: "1FTEW1EF5FFA12345"}}},
		{Verdict: crawl.VerdictFailure, Message: "layout unrecognized"},
	}

	claimed := f.claim(t, spec)
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	// Items from page one survived, so the attempt is partial, not failed.
	require.Equal(t, crawl.StatusDone, got.Status)
	require.Equal(t, crawl.VerdictPartial, got.LastVerdict)
	require.Equal(t, 1, got.Stats.ItemsSaved)
	require.Len(t, f.fetcher.calls, 2)
	require.Equal(t, "https://example.test/listings?page=2", f.fetcher.calls[1].URL)
}

func TestExecute_BlockedCountsTowardStall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.results = []fetch.Result{{StatusCode: 403}}

	claimed := f.claim(t, baseSpec())
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Equal(t, crawl.VerdictFailure, got.LastVerdict)
	require.Equal(t, 1, got.ConsecFails)
	require.False(t, got.Stalled)
	require.Contains(t, got.LastError, "status 403")
	// Unscheduled failures wait for a manual retry.
	require.Nil(t, got.NextCheckAt)
}

func TestExecute_ServerErrorIsFetchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.results = []fetch.Result{{StatusCode: 503}}

	claimed := f.claim(t, baseSpec())
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Equal(t, 1, got.ConsecFails)
	require.Contains(t, got.LastError, "status 503")
	// The body never reaches the extractor.
	require.Zero(t, f.strat.calls)
}

// ctxStore fails writes once its context is canceled, the way the
// Postgres store does.
type ctxStore struct {
	crawl.TrackingStore
}

func (s *ctxStore) Finish(ctx context.Context, t crawl.Tracking) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.TrackingStore.Finish(ctx, t)
}

func TestExecute_CanceledAttemptStillWritesTerminalState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	store := &ctxStore{TrackingStore: f.trackings}
	run, err := New(
		Config{UserAgent: "bidcrawl-test/0.1", StallAfterFailures: 5},
		store, f.items, f.blobs, f.publisher,
		f.registry, f.pool, f.fetcher, f.limits, f.clock, zap.NewNop(),
	)
	require.NoError(t, err)

	claimed := f.claim(t, baseSpec())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run.Execute(ctx, claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Zero(t, got.ConsecFails)
	require.Nil(t, got.NextCheckAt)
}

func TestExecute_JobRPMPacesPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	spec := baseSpec()
	spec.Pages = 2
	spec.RPM = 1200 // 50ms between the job's own fetches
	f.fetcher.results = []fetch.Result{
		{StatusCode: 200, Body: []byte("p1")},
		{StatusCode: 200, Body: []byte("p2")},
	}

	claimed := f.claim(t, spec)
	start := time.Now()
	f.runner.Execute(context.Background(), claimed)

	require.Len(t, f.fetcher.calls, 2)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestExecute_TimeoutCountsDouble(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.errs = []error{fetch.ErrTimeout}

	claimed := f.claim(t, baseSpec())
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Equal(t, 2, got.ConsecFails)
}

func TestExecute_StallsAtCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.results = []fetch.Result{{StatusCode: 429}}

	claimed := f.claim(t, baseSpec())
	claimed.ConsecFails = 4
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Equal(t, 5, got.ConsecFails)
	require.True(t, got.Stalled)
	require.Nil(t, got.NextCheckAt)
}

func TestExecute_ScheduledJobRearms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	spec := baseSpec()
	spec.ScheduleEnabled = true
	spec.IntervalMinutes = 15
	f.fetcher.results = []fetch.Result{{StatusCode: 200, Body: []byte("ok")}}
	f.strat.extractions = []crawl.Extraction{{Verdict: crawl.VerdictSuccess}}

	claimed := f.claim(t, spec)
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusDone, got.Status)
	require.NotNil(t, got.NextCheckAt)
	require.Equal(t, f.clock.Now().Add(15*time.Minute), *got.NextCheckAt)
}

func TestExecute_ProxyFailureRecordsHealth(t *testing.T) {
	t.Parallel()

	profiles := []crawl.ProxyProfile{
		{ID: "us-east", Scheme: "http", Host: "proxy-a.test", Port: 8080},
	}
	f := newFixture(t, profiles)
	spec := baseSpec()
	spec.ProxyID = "us-east"
	f.fetcher.errs = []error{errors.New("proxyconnect tcp: connection refused")}

	claimed := f.claim(t, spec)
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Equal(t, "us-east", got.ProxyID)
	require.NotEmpty(t, got.ProxyError)

	health := f.pool.List()[0].Health
	require.False(t, health.Reachable)
	require.Equal(t, "proxy", health.ErrorCode)
}

func TestExecute_UnknownProxyFailsWithoutFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	spec := baseSpec()
	spec.ProxyID = "nonexistent"

	claimed := f.claim(t, spec)
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Empty(t, f.fetcher.calls)
}

func TestExecute_UnknownStrategyFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	spec := baseSpec()
	spec.StrategyID = "copart-v2"

	claimed := f.claim(t, spec)
	f.runner.Execute(context.Background(), claimed)

	got, err := f.trackings.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Contains(t, got.LastError, "unknown strategy")
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	got, err := pageURL("https://example.test/listings", 1)
	require.NoError(t, err)
	require.Equal(t, "https://example.test/listings", got)

	got, err = pageURL("https://example.test/listings?make=toyota", 3)
	require.NoError(t, err)
	require.Equal(t, "https://example.test/listings?make=toyota&page=3", got)
}
