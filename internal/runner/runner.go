// Package runner executes one crawl attempt end to end: proxy choice,
// governed fetches, extraction, persistence, and the terminal tracking
// write.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lotsearch/bidcrawl/internal/crawl"
	"github.com/lotsearch/bidcrawl/internal/fetch"
	"github.com/lotsearch/bidcrawl/internal/governor"
	"github.com/lotsearch/bidcrawl/internal/metrics"
	"github.com/lotsearch/bidcrawl/internal/proxy"
	"github.com/lotsearch/bidcrawl/internal/strategy"
)

// Config holds runner tuning.
type Config struct {
	FetchTimeout        time.Duration
	UserAgent           string
	StallAfterFailures  int
	SnapshotPrefix      string
	SnapshotContentType string
	EventTopic          string
}

// Runner drives claimed tracking records through a full attempt.
type Runner struct {
	cfg        Config
	trackings  crawl.TrackingStore
	items      crawl.ItemSink
	blobs      crawl.BlobStore
	publisher  crawl.Publisher
	strategies *strategy.Registry
	proxies    *proxy.Pool
	fetcher    fetch.Fetcher
	limits     governor.Limits
	clock      crawl.Clock
	log        *zap.Logger
}

// New wires a Runner. All collaborators are required except the
// publisher, which may be nil when events are disabled.
func New(
	cfg Config,
	trackings crawl.TrackingStore,
	items crawl.ItemSink,
	blobs crawl.BlobStore,
	publisher crawl.Publisher,
	strategies *strategy.Registry,
	proxies *proxy.Pool,
	fetcher fetch.Fetcher,
	limits governor.Limits,
	clock crawl.Clock,
	log *zap.Logger,
) (*Runner, error) {
	if trackings == nil || items == nil || blobs == nil || strategies == nil ||
		proxies == nil || fetcher == nil || limits == nil || clock == nil {
		return nil, errors.New("runner is missing a required collaborator")
	}
	if cfg.StallAfterFailures < 1 {
		cfg.StallAfterFailures = 5
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	if cfg.SnapshotContentType == "" {
		cfg.SnapshotContentType = "text/html; charset=utf-8"
	}
	if log == nil {
		log = zap.NewNop()
	}
	metrics.Init()
	return &Runner{
		cfg:        cfg,
		trackings:  trackings,
		items:      items,
		blobs:      blobs,
		publisher:  publisher,
		strategies: strategies,
		proxies:    proxies,
		fetcher:    fetcher,
		limits:     limits,
		clock:      clock,
		log:        log,
	}, nil
}

// attempt accumulates state across the pages of one run.
type attempt struct {
	tracking  crawl.Tracking
	selection proxy.Selection

	itemsSaved int
	pending    []crawl.AuctionItem
	pagesOK    int
	partial    bool
	exitIP     string
	snapshot   []byte

	failed     bool
	failStage  crawl.FetchStage
	failError  string
	timedOut   bool
	canceled   bool
	proxyError string
}

// Execute runs one attempt for a tracking the scheduler has already
// claimed, and always writes a terminal state back.
func (r *Runner) Execute(ctx context.Context, t crawl.Tracking) {
	metrics.IncAttemptsInFlight()
	defer metrics.DecAttemptsInFlight()

	log := r.log.With(
		zap.String("tracking_id", t.ID),
		zap.String("target_url", t.TargetURL),
		zap.Int("attempt", t.Attempts),
	)

	a := &attempt{tracking: t}
	r.run(ctx, a, log)
	r.finish(ctx, a, log)
}

func (r *Runner) run(ctx context.Context, a *attempt, log *zap.Logger) {
	spec := a.tracking.Spec

	strat, err := r.strategies.Get(spec.StrategyID)
	if err != nil {
		a.failed = true
		a.failStage = crawl.StageParse
		a.failError = err.Error()
		return
	}

	a.selection, err = r.proxies.Select(spec.ProxyID)
	if err != nil {
		a.failed = true
		a.failStage = crawl.StageProxy
		a.failError = err.Error()
		a.proxyError = err.Error()
		return
	}

	pacer := newPacer(spec.RPM)
	for page := 1; page <= spec.Pages; page++ {
		if !r.crawlPage(ctx, a, strat, pacer, page, log) {
			break
		}
	}
	r.flushItems(ctx, a, log)
}

// newPacer spaces one job's own page fetches at its requested rpm.
// The global governor still applies on top.
func newPacer(rpm int) *rate.Limiter {
	if rpm < 1 {
		rpm = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

// crawlPage fetches and extracts one page. It reports whether the
// attempt should continue to the next page.
func (r *Runner) crawlPage(ctx context.Context, a *attempt, strat crawl.Strategy, pacer *rate.Limiter, page int, log *zap.Logger) bool {
	// Job pacing happens before the global acquire so a slow job never
	// sits on a shared slot while it waits out its own budget.
	if err := pacer.Wait(ctx); err != nil {
		a.failed = true
		a.canceled = true
		a.failStage = crawl.StageHTTP
		a.failError = "attempt canceled"
		return false
	}
	release, err := r.limits.Acquire(ctx)
	if err != nil {
		a.failed = true
		a.canceled = true
		a.failStage = crawl.StageHTTP
		a.failError = "attempt canceled while waiting for a slot"
		return false
	}
	defer release()

	target, err := pageURL(a.tracking.TargetURL, page)
	if err != nil {
		a.failed = true
		a.failStage = crawl.StageHTTP
		a.failError = err.Error()
		return false
	}

	headers := http.Header{}
	if r.cfg.UserAgent != "" {
		headers.Set("User-Agent", r.cfg.UserAgent)
	}
	start := r.clock.Now()
	res, err := r.fetcher.Fetch(ctx, fetch.Request{
		URL:     target,
		Mode:    a.tracking.Spec.FetchMode,
		Proxy:   a.selection,
		Timeout: r.cfg.FetchTimeout,
		Headers: headers,
	})
	outcome := fetch.Classify(res, err)
	metrics.ObserveFetch(string(a.tracking.Spec.FetchMode), string(outcome), r.clock.Now().Sub(start))
	r.recordProxyHealth(a, res, outcome, r.clock.Now().Sub(start))

	switch outcome {
	case fetch.OutcomeOK:
	case fetch.OutcomeCanceled:
		a.failed = true
		a.canceled = true
		a.failStage = crawl.StageHTTP
		a.failError = "attempt canceled"
		return false
	case fetch.OutcomeTimeout:
		a.failed = true
		a.timedOut = true
		a.failStage = crawl.StageHTTP
		a.failError = err.Error()
		return false
	case fetch.OutcomeProxy:
		a.failed = true
		a.failStage = crawl.StageProxy
		a.failError = err.Error()
		a.proxyError = err.Error()
		return false
	case fetch.OutcomeBlocked:
		a.failed = true
		a.failStage = crawl.StageHTTP
		a.failError = fmt.Sprintf("blocked by target: status %d", res.StatusCode)
		return false
	default:
		a.failed = true
		a.failStage = crawl.StageHTTP
		if err != nil {
			a.failError = err.Error()
		} else {
			a.failError = fmt.Sprintf("server error: status %d", res.StatusCode)
		}
		return false
	}

	if exit := fetch.ExitIP(res.Headers); exit != "" {
		a.exitIP = exit
	}
	if page == 1 {
		a.snapshot = res.Body
	}

	extraction, err := strat.Extract(ctx, target, res.Body)
	if err != nil {
		a.failed = true
		a.failStage = crawl.StageParse
		a.failError = err.Error()
		return false
	}
	log.Debug("page extracted",
		zap.Int("page", page),
		zap.String("verdict", string(extraction.Verdict)),
		zap.Int("items", len(extraction.Items)))

	switch extraction.Verdict {
	case crawl.VerdictFailure:
		a.failed = true
		a.failStage = crawl.StageParse
		a.failError = extraction.Message
		return false
	case crawl.VerdictPartial:
		a.partial = true
	}
	a.pagesOK++
	a.pending = append(a.pending, extraction.Items...)
	r.saveBatches(ctx, a, log)
	return true
}

// saveBatches flushes full batches from the pending buffer.
func (r *Runner) saveBatches(ctx context.Context, a *attempt, log *zap.Logger) {
	batch := a.tracking.Spec.BatchSize
	if batch < 1 {
		batch = 1
	}
	for len(a.pending) >= batch {
		r.save(ctx, a, a.pending[:batch], log)
		a.pending = a.pending[batch:]
	}
}

// flushItems writes whatever remains in the buffer.
func (r *Runner) flushItems(ctx context.Context, a *attempt, log *zap.Logger) {
	if len(a.pending) > 0 {
		r.save(ctx, a, a.pending, log)
		a.pending = nil
	}
}

func (r *Runner) save(ctx context.Context, a *attempt, batch []crawl.AuctionItem, log *zap.Logger) {
	n, err := r.items.SaveItems(ctx, a.tracking.ID, batch)
	a.itemsSaved += n
	metrics.AddItemsSaved(n)
	if err != nil {
		log.Error("save items", zap.Error(err), zap.Int("batch", len(batch)))
		if !a.failed {
			a.failed = true
			a.failStage = crawl.StageParse
			a.failError = fmt.Sprintf("save items: %v", err)
		}
	}
}

func (r *Runner) recordProxyHealth(a *attempt, res fetch.Result, outcome fetch.Outcome, latency time.Duration) {
	id := a.selection.ID()
	if id == "" {
		return
	}
	health := crawl.ProxyHealth{
		Reachable: outcome != fetch.OutcomeProxy,
		LatencyMS: latency.Milliseconds(),
		CheckedAt: r.clock.Now(),
	}
	if exit := fetch.ExitIP(res.Headers); exit != "" {
		health.ExitIP = exit
	}
	if outcome != fetch.OutcomeOK && outcome != fetch.OutcomeBlocked {
		health.ErrorCode = string(outcome)
	}
	r.proxies.RecordOutcome(id, health)
}

// finish computes the terminal state and writes it through the store.
// The write must land even when the attempt itself was canceled; a
// lost terminal write leaves the record running forever.
func (r *Runner) finish(ctx context.Context, a *attempt, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	now := r.clock.Now()
	t := a.tracking
	t.ProxyID = a.selection.ID()
	t.ProxyExitIP = a.exitIP
	t.ProxyError = a.proxyError
	t.Stats.ItemsSaved += a.itemsSaved

	verdict := r.verdict(a)
	t.LastVerdict = verdict
	metrics.ObserveAttempt(string(verdict))

	if verdict == crawl.VerdictFailure {
		t.Status = crawl.StatusFailed
		t.LastError = a.failError
		if !a.canceled {
			// A timeout burns the full fetch budget, so it counts
			// double toward the stall ceiling.
			t.ConsecFails++
			if a.timedOut {
				t.ConsecFails++
			}
		}
		t.Stalled = t.ConsecFails >= r.cfg.StallAfterFailures
	} else {
		t.Status = crawl.StatusDone
		t.LastError = ""
		t.ConsecFails = 0
		t.Stalled = false
	}

	t.SnapshotURI = r.storeSnapshot(ctx, a, log)
	t.NextCheckAt = r.nextCheck(t, now)

	if err := r.trackings.Finish(ctx, t); err != nil {
		log.Error("finish tracking", zap.Error(err))
		return
	}
	log.Info("attempt finished",
		zap.String("status", string(t.Status)),
		zap.String("verdict", string(verdict)),
		zap.Int("items_saved", a.itemsSaved),
		zap.Int("consecutive_failures", t.ConsecFails),
		zap.Bool("stalled", t.Stalled))

	r.publishEvent(ctx, t, a, log)
}

func (r *Runner) verdict(a *attempt) crawl.Verdict {
	switch {
	case a.failed && a.pagesOK == 0 && a.itemsSaved == 0:
		return crawl.VerdictFailure
	case a.failed || a.partial:
		return crawl.VerdictPartial
	default:
		return crawl.VerdictSuccess
	}
}

// nextCheck decides when the record surfaces again. Scheduled jobs
// re-arm at a fixed interval regardless of verdict; unscheduled and
// stalled records wait for a manual retry.
func (r *Runner) nextCheck(t crawl.Tracking, now time.Time) *time.Time {
	if t.Stalled || !t.Spec.ScheduleEnabled {
		return nil
	}
	next := now.Add(t.Spec.Interval())
	return &next
}

func (r *Runner) storeSnapshot(ctx context.Context, a *attempt, log *zap.Logger) string {
	if len(a.snapshot) == 0 {
		return a.tracking.SnapshotURI
	}
	path := fmt.Sprintf("%s/%s/%d.html", r.cfg.SnapshotPrefix, a.tracking.ID, a.tracking.Attempts)
	uri, err := r.blobs.PutObject(ctx, path, r.cfg.SnapshotContentType, a.snapshot)
	if err != nil {
		log.Warn("store snapshot", zap.Error(err))
		return a.tracking.SnapshotURI
	}
	return uri
}

func (r *Runner) publishEvent(ctx context.Context, t crawl.Tracking, a *attempt, log *zap.Logger) {
	if r.publisher == nil || a.itemsSaved == 0 {
		return
	}
	event := crawl.ItemEvent{
		TrackingID: t.ID,
		TargetURL:  t.TargetURL,
		ItemsSaved: a.itemsSaved,
		Verdict:    t.LastVerdict,
		At:         r.clock.Now(),
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.EventTopic, event); err != nil {
		log.Warn("publish item event", zap.Error(err))
	}
}

// pageURL appends the page query parameter for pages beyond the first.
func pageURL(base string, page int) (string, error) {
	if page <= 1 {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
