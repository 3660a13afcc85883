package nexus

import "sync"

// Nexus joins the two halves of one crafting job.
type Nexus struct {
	id string

	mu        sync.Mutex
	requester *Link
	cpu       *Link
	cancelled bool
	done      bool
	removed   bool
}

func newNexus(id string) *Nexus {
	return &Nexus{id: id}
}

// ID returns the crafting ID.
func (n *Nexus) ID() string { return n.id }

// RequesterLink returns the bound requester half, nil when absent.
func (n *Nexus) RequesterLink() *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requester
}

// CPULink returns the bound CPU half, nil when absent.
func (n *Nexus) CPULink() *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cpu
}

// IsCancelled reports whether the job was cancelled.
func (n *Nexus) IsCancelled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled
}

// IsDone reports whether the job completed.
func (n *Nexus) IsDone() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

// Dead reports whether the nexus can be dropped: the job finished, or no side
// references it any more. A CPU side whose cluster alive rejects counts as
// gone.
func (n *Nexus) Dead(alive func(CPU) bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cancelled || n.done {
		return true
	}
	hasRequester := n.requester != nil
	hasCPU := n.cpu != nil && cpuAlive(n.cpu.CPU(), alive)
	return !hasRequester && !hasCPU
}

func (n *Nexus) finished() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled || n.done
}

func (n *Nexus) live() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.removed && !n.cancelled && !n.done
}

func (n *Nexus) attach(l *Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch l.side {
	case SideRequester:
		if n.requester != nil && n.requester != l {
			n.requester.unbind(n)
		}
		n.requester = l
	case SideCPU:
		if n.cpu != nil && n.cpu != l {
			n.cpu.unbind(n)
		}
		n.cpu = l
	}
	l.bind(n)
}

func (n *Nexus) detachRequester() *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	l := n.requester
	if l != nil {
		l.unbind(n)
		n.requester = nil
	}
	return l
}

func (n *Nexus) markRemoved() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = true
}

func (n *Nexus) sides() (req, cpu *Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requester, n.cpu
}

func (n *Nexus) cancel() {
	n.mu.Lock()
	if n.cancelled || n.done {
		n.mu.Unlock()
		return
	}
	n.cancelled = true
	n.mu.Unlock()

	req, cpu := n.sides()
	if cpu != nil {
		cpu.setCancelled()
	}
	if req != nil {
		req.setCancelled()
		notify(req)
	}
}

func (n *Nexus) markDone() {
	n.mu.Lock()
	if n.cancelled || n.done {
		n.mu.Unlock()
		return
	}
	n.done = true
	n.mu.Unlock()

	req, cpu := n.sides()
	if cpu != nil {
		cpu.setDone()
	}
	if req != nil {
		req.setDone()
		notify(req)
	}
}

func notify(l *Link) {
	if l.requester != nil {
		l.requester.JobStateChange(l)
	}
}

func cpuAlive(cpu CPU, alive func(CPU) bool) bool {
	if cpu == nil || cpu.IsDestroyed() {
		return false
	}
	return alive == nil || alive(cpu)
}
