// Package nexus tracks the binding between a submitted crafting job's
// requester and the cluster executing it.
//
// Each accepted job has a crafting ID. The requester and the cluster each
// hold a Link carrying that ID; the Tracker joins the two halves into a Nexus
// so either side can cancel the job or observe its completion, and so the
// binding survives either side leaving and rejoining the network.
package nexus

import (
	"sync"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

// Side identifies which half of a job a link belongs to.
type Side string

const (
	// SideRequester is the half held by the machine that asked for the job.
	SideRequester Side = "requester"

	// SideCPU is the half held by the executing cluster.
	SideCPU Side = "cpu"
)

// CPU is the executing side of a link.
type CPU interface {
	Name() string
	IsDestroyed() bool
}

// Requester is a machine that submits crafting jobs and receives their output.
type Requester interface {
	// RequestedJobs returns the links the requester still waits on. They are
	// re-registered whenever the requester joins a network.
	RequestedJobs() []*Link

	// InjectCraftedItems offers crafted output to the requester and returns
	// whatever it did not accept.
	InjectCraftedItems(link *Link, stack engine.Stack) engine.Stack

	// JobStateChange is called when a job is cancelled or completed.
	JobStateChange(link *Link)
}

// Link is one half of a crafting job binding.
type Link struct {
	id         string
	side       Side
	standalone bool
	requester  Requester
	cpu        CPU

	mu        sync.Mutex
	cancelled bool
	done      bool
	nexus     *Nexus
}

// NewRequesterLink creates the requester half of job id.
func NewRequesterLink(id string, r Requester) *Link {
	return &Link{id: id, side: SideRequester, requester: r}
}

// NewCPULink creates the cluster half of job id.
func NewCPULink(id string, cpu CPU) *Link {
	return &Link{id: id, side: SideCPU, cpu: cpu}
}

// NewStandaloneLink creates an untracked link for a job with no requester.
// Its lifecycle is owned entirely by the cluster.
func NewStandaloneLink(id string, cpu CPU) *Link {
	return &Link{id: id, side: SideCPU, cpu: cpu, standalone: true}
}

// ID returns the crafting ID.
func (l *Link) ID() string { return l.id }

// Side returns which half of the job this link is.
func (l *Link) Side() Side { return l.side }

// IsStandalone reports whether the link bypasses the nexus table.
func (l *Link) IsStandalone() bool { return l.standalone }

// Requester returns the requesting machine, nil for CPU-side links.
func (l *Link) Requester() Requester { return l.requester }

// CPU returns the executing cluster, nil for requester-side links.
func (l *Link) CPU() CPU { return l.cpu }

// Nexus returns the nexus the link is bound to, if any.
func (l *Link) Nexus() *Nexus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nexus
}

// IsCancelled reports whether the job was cancelled.
func (l *Link) IsCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// IsDone reports whether the job completed.
func (l *Link) IsDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Link) finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled || l.done
}

// Cancel cancels the job. When bound, both halves observe the cancellation.
func (l *Link) Cancel() {
	if n := l.Nexus(); n != nil {
		n.cancel()
		return
	}
	l.setCancelled()
}

// MarkDone completes the job. When bound, both halves observe completion.
func (l *Link) MarkDone() {
	if n := l.Nexus(); n != nil {
		n.markDone()
		return
	}
	l.setDone()
}

// Counterpart returns the requester half for a CPU link, or the CPU half for
// a requester link, when both are bound.
func (l *Link) Counterpart() *Link {
	n := l.Nexus()
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if l.side == SideCPU {
		return n.requester
	}
	return n.cpu
}

func (l *Link) setCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled || l.done {
		return false
	}
	l.cancelled = true
	return true
}

func (l *Link) setDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled || l.done {
		return false
	}
	l.done = true
	return true
}

func (l *Link) bind(n *Nexus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nexus = n
}

func (l *Link) unbind(n *Nexus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nexus == n {
		l.nexus = nil
	}
}
