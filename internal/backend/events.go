package backend

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event is a runtime lifecycle event (subprocess start, ready, exit, stop).
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives backend events. Publish must not block or panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes events to a zerolog logger at debug level.
type LogPublisher struct{ Logger zerolog.Logger }

func (p LogPublisher) Publish(e Event) {
	p.Logger.Debug().Str("event", e.Name).Str("model", e.ModelID).Fields(e.Fields).Msg("backend")
}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}
