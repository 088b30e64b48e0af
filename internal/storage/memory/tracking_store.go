// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// TrackingStore keeps tracking records in a map guarded by a mutex.
// One record per target URL; the running status is the claim lock.
type TrackingStore struct {
	mu    sync.RWMutex
	byID  map[string]crawl.Tracking
	byURL map[string]string
	clock crawl.Clock
}

// NewTrackingStore constructs a TrackingStore.
func NewTrackingStore(clock crawl.Clock) *TrackingStore {
	return &TrackingStore{
		byID:  make(map[string]crawl.Tracking),
		byURL: make(map[string]string),
		clock: clock,
	}
}

// Upsert creates a tracking, or re-arms the existing record for the
// same target URL with the new spec. Identity, attempt history and
// stats survive an update.
func (s *TrackingStore) Upsert(_ context.Context, t crawl.Tracking) (crawl.Tracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	if existingID, ok := s.byURL[t.TargetURL]; ok {
		existing := s.byID[existingID]
		existing.Spec = t.Spec
		existing.Status = crawl.StatusPending
		existing.Stalled = false
		existing.ConsecFails = 0
		existing.NextCheckAt = t.NextCheckAt
		existing.UpdatedAt = now
		s.byID[existingID] = existing
		return existing, nil
	}

	t.Status = crawl.StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	s.byID[t.ID] = t
	s.byURL[t.TargetURL] = t.ID
	return t, nil
}

// Get fetches a tracking by id.
func (s *TrackingStore) Get(_ context.Context, id string) (crawl.Tracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return crawl.Tracking{}, crawl.ErrNotFound
	}
	return t, nil
}

// Due returns at most limit claimable records whose next_check_at has
// elapsed, oldest first, ties broken by id. Terminal records with an
// elapsed recurrence are included; the scheduler re-arms them.
func (s *TrackingStore) Due(_ context.Context, now time.Time, limit int) ([]crawl.Tracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []crawl.Tracking
	for _, t := range s.byID {
		if t.Status == crawl.StatusRunning || t.Stalled {
			continue
		}
		if t.NextCheckAt == nil || t.NextCheckAt.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextCheckAt.Equal(*due[j].NextCheckAt) {
			return due[i].NextCheckAt.Before(*due[j].NextCheckAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Claim atomically moves a pending record to running and counts the
// attempt. Without force, any other current status makes the claim
// fail; with force a running record may be re-claimed, accepting the
// duplicate-attempt risk that implies.
func (s *TrackingStore) Claim(_ context.Context, id string, force bool) (crawl.Tracking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return crawl.Tracking{}, false, crawl.ErrNotFound
	}
	if t.Status != crawl.StatusPending && !force {
		return t, false, nil
	}
	now := s.clock.Now()
	t.Status = crawl.StatusRunning
	t.Attempts++
	t.LastAttempt = &now
	t.NextCheckAt = nil
	t.UpdatedAt = now
	s.byID[id] = t
	return t, true, nil
}

// Finish writes the terminal state computed by the runner. Only a
// running record may be finished; anything else indicates a lost
// claim and is rejected.
func (s *TrackingStore) Finish(_ context.Context, t crawl.Tracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[t.ID]
	if !ok {
		return crawl.ErrNotFound
	}
	if current.Status != crawl.StatusRunning {
		return errors.New("finish on a tracking that is not running")
	}
	if t.Status != crawl.StatusDone && t.Status != crawl.StatusFailed {
		return errors.New("finish requires a terminal status")
	}
	t.CreatedAt = current.CreatedAt
	t.UpdatedAt = s.clock.Now()
	s.byID[t.ID] = t
	return nil
}

// Rearm moves a record back to pending with the given next check time
// and clears any stall. Used for both schedule recurrences and manual
// retries; forced retries may re-arm a running record.
func (s *TrackingStore) Rearm(_ context.Context, id string, next *time.Time) (crawl.Tracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return crawl.Tracking{}, crawl.ErrNotFound
	}
	t.Status = crawl.StatusPending
	t.Stalled = false
	t.ConsecFails = 0
	t.NextCheckAt = next
	t.UpdatedAt = s.clock.Now()
	s.byID[id] = t
	return t, nil
}

// List returns the most recently updated records, newest first.
func (s *TrackingStore) List(_ context.Context, limit int) ([]crawl.Tracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Tracking, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus returns counts for every status, including zeroes.
func (s *TrackingStore) CountByStatus(_ context.Context) (map[crawl.TrackingStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[crawl.TrackingStatus]int{
		crawl.StatusPending: 0,
		crawl.StatusRunning: 0,
		crawl.StatusDone:    0,
		crawl.StatusFailed:  0,
	}
	for _, t := range s.byID {
		counts[t.Status]++
	}
	return counts, nil
}
