// Package scheduler runs the due-claim loop: it polls the tracking
// store for due records, claims them, and hands them to workers.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// Executor runs one claimed attempt. The runner implements it.
type Executor interface {
	Execute(ctx context.Context, t crawl.Tracking)
}

// Config controls the polling loop.
type Config struct {
	PollInterval time.Duration
	Workers      int
	// ClaimBatch bounds how many due records one tick claims.
	ClaimBatch int
}

// Scheduler owns the claim loop and the worker pool behind it.
type Scheduler struct {
	cfg       Config
	trackings crawl.TrackingStore
	executor  Executor
	clock     crawl.Clock
	log       *zap.Logger

	jobs chan crawl.Tracking
	wg   sync.WaitGroup
}

// New constructs a Scheduler.
func New(cfg Config, trackings crawl.TrackingStore, executor Executor, clock crawl.Clock, log *zap.Logger) (*Scheduler, error) {
	if trackings == nil || executor == nil || clock == nil {
		return nil, errors.New("scheduler is missing a required collaborator")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ClaimBatch < 1 {
		cfg.ClaimBatch = 2 * cfg.Workers
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		trackings: trackings,
		executor:  executor,
		clock:     clock,
		log:       log,
		jobs:      make(chan crawl.Tracking),
	}, nil
}

// Run blocks until the context finishes, polling for due records and
// dispatching claims to the worker pool. In-flight attempts drain
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			close(s.jobs)
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims due records and hands them to workers. Claims happen in
// the loop goroutine so a tick never claims more than it can dispatch.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.trackings.Due(ctx, now, s.cfg.ClaimBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("query due trackings", zap.Error(err))
		}
		return
	}

	for _, t := range due {
		claimed, ok := s.claim(ctx, t, now)
		if !ok {
			continue
		}
		select {
		case s.jobs <- claimed:
		case <-ctx.Done():
			// Shutdown with a claim in hand: put it back so another
			// instance (or the next start) can pick it up.
			if _, err := s.trackings.Rearm(context.WithoutCancel(ctx), claimed.ID, &now); err != nil {
				s.log.Error("rearm claimed tracking on shutdown", zap.Error(err))
			}
			return
		}
	}
}

// claim moves one due record to running. Terminal records whose
// recurrence elapsed are re-armed first; losing the subsequent CAS
// just means another instance got there before us.
func (s *Scheduler) claim(ctx context.Context, t crawl.Tracking, now time.Time) (crawl.Tracking, bool) {
	if t.Status != crawl.StatusPending {
		if _, err := s.trackings.Rearm(ctx, t.ID, &now); err != nil {
			s.log.Error("rearm due tracking", zap.String("tracking_id", t.ID), zap.Error(err))
			return crawl.Tracking{}, false
		}
	}
	claimed, ok, err := s.trackings.Claim(ctx, t.ID, false)
	if err != nil {
		s.log.Error("claim tracking", zap.String("tracking_id", t.ID), zap.Error(err))
		return crawl.Tracking{}, false
	}
	if !ok {
		s.log.Debug("lost claim", zap.String("tracking_id", t.ID))
		return crawl.Tracking{}, false
	}
	return claimed, true
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for t := range s.jobs {
		s.executor.Execute(ctx, t)
	}
}

// Retry re-arms a tracking for an immediate attempt. Without force a
// running record is left alone; with force the running lock is
// bypassed, accepting a possible duplicate attempt. Retrying clears
// the stall so operators can revive a dead target.
func (s *Scheduler) Retry(ctx context.Context, id string, force bool) (crawl.Tracking, error) {
	current, err := s.trackings.Get(ctx, id)
	if err != nil {
		return crawl.Tracking{}, err
	}
	if current.Status == crawl.StatusRunning && !force {
		return current, nil
	}
	now := s.clock.Now()
	return s.trackings.Rearm(ctx, id, &now)
}
