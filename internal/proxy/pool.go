// Package proxy manages the egress proxy pool and its health state.
package proxy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// AutoID asks the pool to pick the next proxy in rotation.
const AutoID = "auto"

// ErrUnknownProxy is returned when an explicit proxy id is not in the
// pool.
var ErrUnknownProxy = errors.New("unknown proxy id")

// Selection is the outcome of a proxy choice. Direct is a first-class
// state: the operator chose to go without a proxy, which is not the
// same as "no choice made".
type Selection struct {
	Profile *crawl.ProxyProfile
	Direct  bool
}

// URL renders the proxy address for HTTP transports and chromedp
// flags, or "" for a direct selection.
func (s Selection) URL() string {
	if s.Direct || s.Profile == nil {
		return ""
	}
	scheme := s.Profile.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Profile.Host, s.Profile.Port)
}

// ID returns the selected profile id, or "" for direct.
func (s Selection) ID() string {
	if s.Direct || s.Profile == nil {
		return ""
	}
	return s.Profile.ID
}

// Pool holds the ordered proxy profiles and a rotation cursor. The
// order is stable (by id) so repeated Next calls visit every profile
// exactly once before repeating.
type Pool struct {
	mu       sync.RWMutex
	profiles []crawl.ProxyProfile
	byID     map[string]int
	cursor   int
	clock    crawl.Clock
}

// NewPool builds a Pool from the configured profiles.
func NewPool(profiles []crawl.ProxyProfile, clock crawl.Clock) *Pool {
	sorted := make([]crawl.ProxyProfile, len(profiles))
	copy(sorted, profiles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]int, len(sorted))
	for i, p := range sorted {
		byID[p.ID] = i
	}
	return &Pool{
		profiles: sorted,
		byID:     byID,
		clock:    clock,
	}
}

// Select resolves a job's proxy choice. An empty id means direct, the
// AutoID sentinel rotates, anything else must name a known profile.
func (p *Pool) Select(id string) (Selection, error) {
	switch id {
	case "":
		return Selection{Direct: true}, nil
	case AutoID:
		profile, ok := p.Next()
		if !ok {
			return Selection{Direct: true}, nil
		}
		return Selection{Profile: &profile}, nil
	default:
		p.mu.RLock()
		defer p.mu.RUnlock()
		idx, ok := p.byID[id]
		if !ok {
			return Selection{}, fmt.Errorf("%w: %q", ErrUnknownProxy, id)
		}
		profile := p.profiles[idx]
		return Selection{Profile: &profile}, nil
	}
}

// Next returns the next profile in rotation order. It reports false
// when the pool is empty.
func (p *Pool) Next() (crawl.ProxyProfile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.profiles) == 0 {
		return crawl.ProxyProfile{}, false
	}
	profile := p.profiles[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.profiles)
	return profile, true
}

// After returns the profile that rotation would yield after the named
// one, without moving the shared cursor. Interactive "try next proxy"
// flows use it so dry-runs cannot skew job rotation.
func (p *Pool) After(id string) (crawl.ProxyProfile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.profiles) == 0 {
		return crawl.ProxyProfile{}, false
	}
	idx, ok := p.byID[id]
	if !ok {
		return p.profiles[0], true
	}
	return p.profiles[(idx+1)%len(p.profiles)], true
}

// RecordOutcome updates the health fields for a profile after a fetch
// attempt.
func (p *Pool) RecordOutcome(id string, health crawl.ProxyHealth) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.byID[id]
	if !ok {
		return
	}
	if health.CheckedAt.IsZero() && p.clock != nil {
		health.CheckedAt = p.clock.Now()
	}
	p.profiles[idx].Health = health
}

// List returns a snapshot of all profiles in rotation order.
func (p *Pool) List() []crawl.ProxyProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawl.ProxyProfile, len(p.profiles))
	copy(out, p.profiles)
	return out
}

// Size reports the number of configured profiles.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.profiles)
}
