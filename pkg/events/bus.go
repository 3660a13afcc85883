// Package events is the grid-wide typed event bus.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Type names a grid event.
type Type string

const (
	// PostCacheConstruction fires once every grid component is wired.
	PostCacheConstruction Type = "post_cache_construction"

	// CraftingCPUChanged fires when cluster membership changes.
	CraftingCPUChanged Type = "crafting_cpu_changed"

	// CraftingPatternChanged fires when a provider's patterns change.
	CraftingPatternChanged Type = "crafting_pattern_changed"

	// PowerStatusChanged fires when the grid gains or loses power.
	PowerStatusChanged Type = "power_status_changed"
)

// Event is a posted grid event.
type Event struct {
	Type Type

	// Source identifies the node that raised the event, if any.
	Source string

	// Powered is set for PowerStatusChanged.
	Powered bool
}

// Handler reacts to an event.
type Handler func(Event)

type registration struct {
	owner   string
	handler Handler
}

// Bus dispatches events to handlers registered per type, in registration
// order. Handlers run synchronously on the posting goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]registration
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]registration)}
}

// Subscribe registers handler for t under owner. A second registration for
// the same (t, owner) replaces the first in place.
func (b *Bus) Subscribe(t Type, owner string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[t]
	for i := range regs {
		if regs[i].owner == owner {
			regs[i].handler = handler
			return
		}
	}
	b.handlers[t] = append(regs, registration{owner: owner, handler: handler})
}

// UnsubscribeOwner drops every handler owned by owner.
func (b *Bus) UnsubscribeOwner(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, regs := range b.handlers {
		kept := regs[:0]
		for _, r := range regs {
			if r.owner != owner {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(b.handlers, t)
			continue
		}
		b.handlers[t] = kept
	}
}

// Post delivers e to every handler registered for its type and returns the
// number of handlers invoked.
func (b *Bus) Post(e Event) int {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[e.Type]))
	copy(regs, b.handlers[e.Type])
	b.mu.RUnlock()

	for _, r := range regs {
		r.handler(e)
	}
	log.Trace().Str("event", string(e.Type)).Int("handlers", len(regs)).Msg("Event posted")
	return len(regs)
}
