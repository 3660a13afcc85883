package catalog

import (
	"sync"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

// Rebuilder is anything whose rebuilds are coalesced by a Coordinator.
type Rebuilder interface {
	Rebuild()
}

// Coordinator coalesces rebuild requests across every catalog that shares it.
//
// A topology pass raises one "patterns changed" signal per touched node. The
// pass pauses the coordinator first; requests that arrive while paused are
// deduplicated per rebuilder and released when the last pause lifts, so each
// rebuilder rebuilds exactly once per pass.
//
// The counter and sets are safe to touch from any goroutine. Rebuilds
// themselves run on whichever goroutine drains them (RebuildIfReady on the
// tick, or ResumeAndRebuild).
type Coordinator struct {
	mu      sync.Mutex
	paused  int
	pending map[Rebuilder]struct{}
	ready   map[Rebuilder]struct{}
}

// DefaultCoordinator is the process-wide coordinator used by catalogs that
// are not given one explicitly. Its zero state is "not paused, nothing pending".
var DefaultCoordinator = NewCoordinator()

// NewCoordinator creates an unpaused coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		pending: make(map[Rebuilder]struct{}),
		ready:   make(map[Rebuilder]struct{}),
	}
}

// Pause opens (or nests) a coalescing window.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused++
}

// Resume closes one coalescing window. When the last window closes, every
// pending rebuilder becomes ready.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused == 0 {
		err := engine.NewInvariantError("resume without matching pause", nil).
			WithCode(engine.ErrCodePauseUnderflow)
		engine.Invariant(err)
		return err
	}

	c.paused--
	if c.paused == 0 {
		for r := range c.pending {
			c.ready[r] = struct{}{}
		}
		clear(c.pending)
	}
	return nil
}

// ResumeAndRebuild closes one window and, if it was the last, rebuilds every
// ready rebuilder on the calling goroutine.
func (c *Coordinator) ResumeAndRebuild() error {
	if err := c.Resume(); err != nil {
		return err
	}
	for _, r := range c.drainReady() {
		r.Rebuild()
	}
	return nil
}

// Paused reports whether a coalescing window is open.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused > 0
}

// request registers a rebuild for r. It returns true when the caller should
// rebuild immediately; otherwise the request is deferred.
func (c *Coordinator) request(r Rebuilder) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused > 0 {
		c.pending[r] = struct{}{}
		return false
	}
	// Rebuilding now satisfies any released request as well.
	delete(c.ready, r)
	return true
}

// takeReady claims the released rebuild for r, if any.
func (c *Coordinator) takeReady(r Rebuilder) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused > 0 {
		return false
	}
	if _, ok := c.ready[r]; !ok {
		return false
	}
	delete(c.ready, r)
	return true
}

// forget drops every request for r.
func (c *Coordinator) forget(r Rebuilder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, r)
	delete(c.ready, r)
}

func (c *Coordinator) drainReady() []Rebuilder {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Rebuilder, 0, len(c.ready))
	for r := range c.ready {
		out = append(out, r)
	}
	clear(c.ready)
	return out
}
