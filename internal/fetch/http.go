package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// HTTPConfig controls collector behavior.
type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// HTTPFetcher implements Fetcher with a Colly collector. Fast and
// cheap, but the first thing anti-bot layers block.
type HTTPFetcher struct {
	cfg           HTTPConfig
	baseCollector *colly.Collector
}

// NewHTTPFetcher builds an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &HTTPFetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	var (
		result   Result
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	if !req.Proxy.Direct {
		if err := collector.SetProxy(req.Proxy.URL()); err != nil {
			return Result{}, fmt.Errorf("%w: %s", ErrProxy, err)
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			ExitIP:     ExitIP(r.Headers.Clone()),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		// Colly routes non-2xx here; a blocking 403/429 is still a
		// completed fetch from our point of view.
		if r != nil && r.StatusCode > 0 {
			headers := http.Header{}
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			result = Result{
				URL:        req.URL,
				StatusCode: r.StatusCode,
				Headers:    headers,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
				ExitIP:     ExitIP(headers),
			}
			return
		}
		fetchErr = err
	})

	visitErr, canceled := runCollector(ctx, collector, req.URL)
	if canceled != nil {
		return Result{}, canceled
	}
	// A captured status wins over Visit's error: colly reports non-2xx
	// responses as errors, but a 403 page is a completed fetch here.
	if result.StatusCode > 0 {
		return result, nil
	}
	if fetchErr != nil {
		return Result{}, fmt.Errorf("http fetch: %w", fetchErr)
	}
	if visitErr != nil {
		return Result{}, fmt.Errorf("http visit: %w", visitErr)
	}
	return Result{}, fmt.Errorf("http fetch: no response for %s", req.URL)
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) (visitErr, canceled error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("http fetch canceled: %w", ctx.Err())
	case err := <-done:
		return err, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
