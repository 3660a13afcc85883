package nexus

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

// Tracker is the crafting ID → nexus table of one grid.
//
// Tracker is owned by the tick goroutine and is not safe for concurrent use.
type Tracker struct {
	nexuses map[string]*Nexus
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewTracker creates an empty tracker. A nil logger selects the global one.
func NewTracker(logger *zerolog.Logger, metrics *telemetry.Metrics) *Tracker {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Tracker{
		nexuses: make(map[string]*Nexus),
		logger:  l.With().Str("component", "nexus").Logger(),
		metrics: metrics,
	}
}

// Add binds link to the nexus for its crafting ID, creating the nexus on
// first reference. Standalone and already finished links are ignored. A
// finished nexus is replaced, never revived.
func (t *Tracker) Add(link *Link) error {
	if link == nil || link.IsStandalone() || link.finished() {
		return nil
	}

	n, ok := t.nexuses[link.ID()]
	if ok && n.finished() {
		n.markRemoved()
		delete(t.nexuses, link.ID())
		ok = false
	}

	if bound := link.Nexus(); bound != nil && bound != n && bound.live() {
		err := engine.NewInvariantError("crafting link already bound to another nexus", nil).
			WithCode(engine.ErrCodeDuplicateNexus).
			WithOperation("nexus_add").
			WithDetail("crafting_id", link.ID())
		engine.Invariant(err)
		return err
	}

	if !ok {
		n = newNexus(link.ID())
		t.nexuses[link.ID()] = n
		t.logger.Debug().Str("crafting_id", link.ID()).Msg("Nexus created")
	}
	n.attach(link)
	return nil
}

// Submit binds both halves of a newly accepted job.
func (t *Tracker) Submit(requester, cpu *Link) error {
	if err := t.Add(cpu); err != nil {
		return err
	}
	return t.Add(requester)
}

// RequesterRemoved detaches r from every nexus it is bound to. The nexus
// stays until the next sweep so a rejoining requester can rebind.
func (t *Tracker) RequesterRemoved(r Requester) int {
	detached := 0
	for _, n := range t.nexuses {
		if l := n.RequesterLink(); l != nil && l.Requester() == r {
			n.detachRequester()
			detached++
		}
	}
	return detached
}

// Sweep removes dead entries and returns how many were dropped.
func (t *Tracker) Sweep(alive func(CPU) bool) int {
	removed := 0
	for id, n := range t.nexuses {
		if !n.Dead(alive) {
			continue
		}
		n.markRemoved()
		delete(t.nexuses, id)
		removed++
	}
	t.metrics.RecordSweep(removed, len(t.nexuses))
	if removed > 0 {
		t.logger.Debug().Int("removed", removed).Int("remaining", len(t.nexuses)).Msg("Swept dead links")
	}
	return removed
}

// Get returns the nexus for a crafting ID.
func (t *Tracker) Get(id string) (*Nexus, bool) {
	n, ok := t.nexuses[id]
	return n, ok
}

// Len returns the number of tracked nexuses.
func (t *Tracker) Len() int {
	return len(t.nexuses)
}
