package grid

import (
	"github.com/openfroyo/craftgrid/pkg/catalog"
	"github.com/openfroyo/craftgrid/pkg/cluster"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/interest"
	"github.com/openfroyo/craftgrid/pkg/nexus"
)

// WatcherHost is a node that watches stock levels of a fixed item set.
type WatcherHost interface {
	interest.Watcher

	// WatchedItems returns the fingerprints the node wants notifications for.
	WatchedItems() []engine.Fingerprint
}

// Node describes a machine joining the grid by the capabilities it carries.
// Every capability is optional; a node with none is accepted and ignored.
type Node struct {
	// ID uniquely identifies the node within its grid.
	ID string

	// Provider contributes patterns to the catalog.
	Provider catalog.Provider

	// Requester submits jobs and receives their output.
	Requester nexus.Requester

	// WatcherHost subscribes to stock changes.
	WatcherHost WatcherHost

	// ClusterMember is the crafting cluster the node forms part of.
	ClusterMember *cluster.Cluster
}

func (n Node) capabilities() []string {
	var caps []string
	if n.Provider != nil {
		caps = append(caps, "provider")
	}
	if n.Requester != nil {
		caps = append(caps, "requester")
	}
	if n.WatcherHost != nil {
		caps = append(caps, "watcher")
	}
	if n.ClusterMember != nil {
		caps = append(caps, "cluster")
	}
	return caps
}
