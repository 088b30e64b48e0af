package runner

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lotsearch/bidcrawl/internal/crawl"
	"github.com/lotsearch/bidcrawl/internal/fetch"
	"github.com/lotsearch/bidcrawl/internal/proxy"
)

// TestParseRequest describes an interactive dry-run. Nothing it does
// is persisted.
type TestParseRequest struct {
	TargetURL  string
	FetchMode  crawl.FetchMode
	ProxyID    string
	StrategyID string
}

// TestParse fetches and extracts one page without touching tracking
// state, item storage, or the rotation cursor. Operators use it to
// check a target before committing a job.
func (r *Runner) TestParse(ctx context.Context, req TestParseRequest) crawl.TestParseResult {
	strat, err := r.strategies.Get(req.StrategyID)
	if err != nil {
		return crawl.TestParseResult{
			Verdict: crawl.VerdictFailure,
			Stage:   crawl.StageParse,
			Message: err.Error(),
		}
	}

	sel, err := r.dryRunSelect(req.ProxyID)
	if err != nil {
		return crawl.TestParseResult{
			Verdict:    crawl.VerdictFailure,
			Stage:      crawl.StageProxy,
			ProxyError: err.Error(),
			Message:    err.Error(),
		}
	}

	// Dry-runs spend the same global budget as scheduled crawls.
	release, err := r.limits.Acquire(ctx)
	if err != nil {
		return crawl.TestParseResult{
			Verdict: crawl.VerdictFailure,
			Stage:   crawl.StageHTTP,
			Message: "canceled while waiting for a slot",
		}
	}
	defer release()

	headers := http.Header{}
	if r.cfg.UserAgent != "" {
		headers.Set("User-Agent", r.cfg.UserAgent)
	}
	start := r.clock.Now()
	res, err := r.fetcher.Fetch(ctx, fetch.Request{
		URL:     req.TargetURL,
		Mode:    req.FetchMode,
		Proxy:   sel,
		Timeout: r.cfg.FetchTimeout,
		Headers: headers,
	})
	latency := r.clock.Now().Sub(start).Milliseconds()
	outcome := fetch.Classify(res, err)

	out := crawl.TestParseResult{
		LatencyMS:  latency,
		StatusCode: res.StatusCode,
		ProxyID:    sel.ID(),
	}
	if exit := fetch.ExitIP(res.Headers); exit != "" {
		out.ProxyExitIP = exit
	}

	switch outcome {
	case fetch.OutcomeOK:
	case fetch.OutcomeTimeout:
		out.Verdict = crawl.VerdictFailure
		out.TimedOut = true
		out.Stage = crawl.StageHTTP
		out.Message = err.Error()
		return out
	case fetch.OutcomeProxy:
		out.Verdict = crawl.VerdictFailure
		out.Stage = crawl.StageProxy
		out.ProxyError = err.Error()
		out.Message = err.Error()
		return out
	case fetch.OutcomeBlocked:
		out.Verdict = crawl.VerdictFailure
		out.Stage = crawl.StageHTTP
		out.Message = "blocked by target"
		return out
	default:
		out.Verdict = crawl.VerdictFailure
		out.Stage = crawl.StageHTTP
		switch {
		case err != nil:
			out.Message = err.Error()
		case res.StatusCode > 0:
			out.Message = fmt.Sprintf("server error: status %d", res.StatusCode)
		default:
			out.Message = "fetch failed"
		}
		return out
	}

	extraction, err := strat.Extract(ctx, req.TargetURL, res.Body)
	if err != nil {
		out.Verdict = crawl.VerdictFailure
		out.Stage = crawl.StageParse
		out.Message = err.Error()
		return out
	}

	out.Verdict = extraction.Verdict
	out.Items = extraction.Items
	out.Message = extraction.Message
	if extraction.Verdict == crawl.VerdictFailure {
		out.Stage = crawl.StageParse
	}
	return out
}

// dryRunSelect resolves the proxy for a dry-run without moving the
// shared rotation cursor.
func (r *Runner) dryRunSelect(id string) (proxy.Selection, error) {
	if id != proxy.AutoID {
		return r.proxies.Select(id)
	}
	profile, ok := r.proxies.After("")
	if !ok {
		return proxy.Selection{Direct: true}, nil
	}
	return proxy.Selection{Profile: &profile}, nil
}
