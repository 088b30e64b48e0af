// Package fetch executes single-page retrievals using either a plain
// HTTP client or a full browser, behind one contract.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lotsearch/bidcrawl/internal/crawl"
	"github.com/lotsearch/bidcrawl/internal/proxy"
)

// DefaultTimeout bounds a fetch when the request does not set one.
const DefaultTimeout = 25 * time.Second

// ErrTimeout marks a fetch that hit its deadline. Callers use it to
// separate slow-target from blocked-target conditions.
var ErrTimeout = errors.New("fetch timed out")

// ErrProxy marks a failure reaching or authenticating to the proxy,
// as opposed to the target.
var ErrProxy = errors.New("proxy unreachable")

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Mode    crawl.FetchMode
	Proxy   proxy.Selection
	Timeout time.Duration
	Headers http.Header
}

// Result is the outcome of a completed fetch.
type Result struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	ExitIP     string
}

// Fetcher retrieves one page.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Engine dispatches to the fetcher matching the request mode and
// enforces the hard timeout.
type Engine struct {
	http    Fetcher
	browser Fetcher
}

// NewEngine builds an Engine over the two strategies.
func NewEngine(httpFetcher, browserFetcher Fetcher) *Engine {
	return &Engine{http: httpFetcher, browser: browserFetcher}
}

// Fetch runs the request under its timeout. A deadline hit surfaces
// as ErrTimeout; caller cancellation surfaces as context.Canceled.
func (e *Engine) Fetch(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var fetcher Fetcher
	switch req.Mode {
	case crawl.ModeHTTP:
		fetcher = e.http
	case crawl.ModeBrowser:
		fetcher = e.browser
	default:
		return Result{}, fmt.Errorf("unsupported fetch mode %q", req.Mode)
	}
	if fetcher == nil {
		return Result{}, fmt.Errorf("no fetcher configured for mode %q", req.Mode)
	}

	res, err := fetcher.Fetch(fetchCtx, req)
	if err != nil {
		if timedOut(fetchCtx, ctx, err) {
			return Result{}, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, req.URL)
		}
		return Result{}, err
	}
	return res, nil
}

// timedOut distinguishes our deadline from caller cancellation.
func timedOut(fetchCtx, parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Outcome classifies a finished attempt for tracking records and
// metrics labels.
type Outcome string

// Attempt outcomes.
const (
	OutcomeOK       Outcome = "ok"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeProxy    Outcome = "proxy"
	OutcomeNetwork  Outcome = "network"
	OutcomeCanceled Outcome = "canceled"
)

// Classify maps a fetch result/error pair onto the outcome taxonomy.
// Blocking responses are not transport errors: the fetch succeeded,
// the target refused us.
func Classify(res Result, err error) Outcome {
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout):
			return OutcomeTimeout
		case errors.Is(err, context.Canceled):
			return OutcomeCanceled
		case errors.Is(err, ErrProxy), isProxyTransportErr(err):
			return OutcomeProxy
		default:
			return OutcomeNetwork
		}
	}
	if Blocked(res.StatusCode) {
		return OutcomeBlocked
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return OutcomeNetwork
	}
	return OutcomeOK
}

// Blocked reports whether a status code indicates anti-bot blocking.
// 5xx stays a network-class failure; the corrective action differs.
func Blocked(status int) bool {
	return status == http.StatusForbidden || status == http.StatusTooManyRequests
}

// isProxyTransportErr sniffs Go's transport error text for the proxy
// CONNECT stage. The stdlib wraps these as url.Error with a
// "proxyconnect" prefix and gives us nothing more structured.
func isProxyTransportErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "proxyconnect") ||
		strings.Contains(msg, "Proxy Authentication Required")
}

// ExitIP extracts the proxy exit address a response advertises, if
// any. Commercial proxies commonly echo it in a response header.
func ExitIP(headers http.Header) string {
	for _, key := range []string{"X-Proxy-Exit-Ip", "X-Exit-Ip"} {
		if v := headers.Get(key); v != "" {
			return v
		}
	}
	return ""
}
