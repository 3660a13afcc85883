// Package interest keeps per-node stock interest and dispatches stock change
// notifications to the watchers that asked for them.
package interest

import (
	"sync"

	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

// Watcher receives stock changes for the fingerprints it subscribed to.
type Watcher interface {
	OnStockChange(f engine.Fingerprint, delta int64)
}

// NodeID identifies a subscribing node.
type NodeID string

type subscription struct {
	watcher Watcher
	items   map[engine.Fingerprint]struct{}
}

// Manager is a multi-valued fingerprint → watcher mapping.
//
// Notify is synchronous. The subscriber list is copied before dispatch, so a
// watcher may subscribe or unsubscribe from inside OnStockChange; such changes
// take effect from the next notification.
type Manager struct {
	mu      sync.Mutex
	nodes   map[NodeID]*subscription
	byItem  map[engine.Fingerprint]map[NodeID]struct{}
	metrics *telemetry.Metrics
}

// NewManager creates an empty manager.
func NewManager(metrics *telemetry.Metrics) *Manager {
	return &Manager{
		nodes:   make(map[NodeID]*subscription),
		byItem:  make(map[engine.Fingerprint]map[NodeID]struct{}),
		metrics: metrics,
	}
}

// Subscribe replaces node's interest set with fingerprints.
func (m *Manager) Subscribe(node NodeID, w Watcher, fingerprints []engine.Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropLocked(node)
	sub := &subscription{watcher: w, items: make(map[engine.Fingerprint]struct{}, len(fingerprints))}
	m.nodes[node] = sub
	for _, f := range fingerprints {
		m.addLocked(node, sub, f)
	}
}

// Add extends node's interest set. It reports false when node has no
// subscription.
func (m *Manager) Add(node NodeID, f engine.Fingerprint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.nodes[node]
	if !ok {
		return false
	}
	m.addLocked(node, sub, f)
	return true
}

// Remove drops f from node's interest set.
func (m *Manager) Remove(node NodeID, f engine.Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.nodes[node]
	if !ok {
		return
	}
	delete(sub.items, f)
	m.unindexLocked(node, f)
}

// Unsubscribe drops every interest of node. Unknown nodes are ignored.
func (m *Manager) Unsubscribe(node NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(node)
}

// Notify delivers a stock change to each watcher interested in f exactly
// once and returns how many were notified.
func (m *Manager) Notify(f engine.Fingerprint, delta int64) int {
	m.mu.Lock()
	subs := m.byItem[f]
	watchers := make([]Watcher, 0, len(subs))
	for node := range subs {
		watchers = append(watchers, m.nodes[node].watcher)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.OnStockChange(f, delta)
	}
	m.metrics.RecordNotifications(len(watchers))
	return len(watchers)
}

// Interested reports whether any node watches f.
func (m *Manager) Interested(f engine.Fingerprint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byItem[f]) > 0
}

// Len returns the number of subscribed nodes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

func (m *Manager) addLocked(node NodeID, sub *subscription, f engine.Fingerprint) {
	sub.items[f] = struct{}{}
	set, ok := m.byItem[f]
	if !ok {
		set = make(map[NodeID]struct{})
		m.byItem[f] = set
	}
	set[node] = struct{}{}
}

func (m *Manager) unindexLocked(node NodeID, f engine.Fingerprint) {
	set := m.byItem[f]
	delete(set, node)
	if len(set) == 0 {
		delete(m.byItem, f)
	}
}

func (m *Manager) dropLocked(node NodeID) {
	sub, ok := m.nodes[node]
	if !ok {
		return
	}
	for f := range sub.items {
		m.unindexLocked(node, f)
	}
	delete(m.nodes, node)
}
