// Package memory contains an in-memory publisher for tests and for
// deployments that run without a broker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ItemEvents returns the recorded item events in publish order,
// skipping payloads of other types.
func (p *Publisher) ItemEvents() []crawl.ItemEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawl.ItemEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(crawl.ItemEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
