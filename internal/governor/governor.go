// Package governor enforces the global rate and concurrency budget
// shared by all crawl activity.
package governor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limits is the acquisition contract. It is an interface so a
// distributed limiter can replace the in-process one when multiple
// orchestrator instances run against the same sources.
type Limits interface {
	// Acquire blocks until both a rate token and an in-flight slot are
	// held, or the context ends. The returned release function must be
	// called exactly once on every exit path.
	Acquire(ctx context.Context) (release func(), err error)
	// InFlight reports the number of currently held slots.
	InFlight() int
}

// Config holds governor configuration.
type Config struct {
	RPM         int
	Concurrency int
}

// Governor implements Limits with a token bucket and a semaphore.
type Governor struct {
	limiter *rate.Limiter
	slots   chan struct{}
	waitObs func(time.Duration)
}

// Option customizes a Governor.
type Option func(*Governor)

// WithWaitObserver registers a callback invoked with the time spent
// blocked in Acquire. The metrics package uses it.
func WithWaitObserver(obs func(time.Duration)) Option {
	return func(g *Governor) { g.waitObs = obs }
}

// New creates a Governor. RPM and concurrency must both be >= 1.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if cfg.RPM < 1 {
		return nil, fmt.Errorf("governor rpm must be >= 1, got %d", cfg.RPM)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("governor concurrency must be >= 1, got %d", cfg.Concurrency)
	}
	g := &Governor{
		// Burst of 1 keeps dispatches evenly spaced inside the minute
		// rather than allowing an initial thundering herd.
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RPM)), 1),
		slots:   make(chan struct{}, cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Acquire takes an in-flight slot first, then waits for a rate token.
// Slot-first ordering means a caller waiting on the bucket is already
// counted against concurrency, so the two limits cannot be gamed by
// piling up in between.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("governor slot wait: %w", ctx.Err())
	}
	if err := g.limiter.Wait(ctx); err != nil {
		<-g.slots
		return nil, fmt.Errorf("governor rate wait: %w", err)
	}
	if g.waitObs != nil {
		g.waitObs(time.Since(start))
	}
	released := make(chan struct{}, 1)
	release := func() {
		select {
		case released <- struct{}{}:
			<-g.slots
		default:
			// Double release is a programming error upstream; absorb
			// it instead of corrupting the slot count.
		}
	}
	return release, nil
}

// InFlight reports the number of currently held slots.
func (g *Governor) InFlight() int {
	return len(g.slots)
}
