// Package mock provides a recording bus.Publisher for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/narrator/internal/bus"
)

// Publisher records every published event.
type Publisher struct {
	mu     sync.Mutex
	events []bus.Event
}

var _ bus.Publisher = (*Publisher)(nil)

// Publish records ev.
func (p *Publisher) Publish(_ context.Context, ev bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// Events returns a copy of the recorded events.
func (p *Publisher) Events() []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfKind returns the recorded events of kind k.
func (p *Publisher) OfKind(k bus.Kind) []bus.Event {
	var out []bus.Event
	for _, ev := range p.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
