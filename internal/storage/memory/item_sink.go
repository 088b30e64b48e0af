package memory

import (
	"context"
	"sync"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// ItemSink appends auction items to an in-memory slice.
type ItemSink struct {
	mu    sync.RWMutex
	items []crawl.AuctionItem
}

// NewItemSink constructs an ItemSink.
func NewItemSink() *ItemSink {
	return &ItemSink{}
}

// SaveItems appends the batch, stamping each item with the tracking id.
func (s *ItemSink) SaveItems(_ context.Context, trackingID string, items []crawl.AuctionItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		item.TrackingID = trackingID
		s.items = append(s.items, item)
	}
	return len(items), nil
}

// ItemsFor returns the stored items for a tracking, in insertion order.
func (s *ItemSink) ItemsFor(trackingID string) []crawl.AuctionItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.AuctionItem
	for _, item := range s.items {
		if item.TrackingID == trackingID {
			out = append(out, item)
		}
	}
	return out
}

// Len returns the total number of stored items.
func (s *ItemSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
