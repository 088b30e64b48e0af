// Package strategy holds the pluggable page-to-items extraction
// implementations, looked up by strategy id.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// ErrUnknownStrategy is returned when a job names a strategy id that
// was never registered.
var ErrUnknownStrategy = errors.New("unknown strategy id")

// Registry maps strategy ids to implementations. A capability lookup,
// not a switch: new source-specific extractors register themselves
// without touching the orchestrator.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]crawl.Strategy
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]crawl.Strategy)}
}

// Register binds an id to a strategy. Re-registering an id replaces
// the previous binding.
func (r *Registry) Register(id string, s crawl.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[id] = s
}

// Get resolves a strategy id.
func (r *Registry) Get(id string) (crawl.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, id)
	}
	return s, nil
}

// IDs lists the registered strategy ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
