package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

func catalogState(c *Catalog) map[engine.Fingerprint][]string {
	out := make(map[engine.Fingerprint][]string)
	for f, list := range c.Patterns() {
		out[f] = names(list)
	}
	return out
}

func TestCoalescingEquivalence(t *testing.T) {
	m := &mockMedium{name: "m"}
	provs := []*mockProvider{
		{name: "a", medium: m, patterns: []engine.Pattern{pattern("a1", 1, stick), pattern("a2", 4, planks)}},
		{name: "b", medium: m, patterns: []engine.Pattern{pattern("b1", 4, planks)}},
		{name: "c", medium: m, patterns: []engine.Pattern{pattern("c1", 2, cobble)}},
	}

	// signals mutate the provider set then request a rebuild.
	signals := []func(c *Catalog){
		func(c *Catalog) { c.AddProvider(provs[0]) },
		func(c *Catalog) { c.AddProvider(provs[1]) },
		func(c *Catalog) { c.AddProvider(provs[2]) },
		func(c *Catalog) { c.RemoveProvider(provs[0]) },
		func(c *Catalog) { c.AddProvider(provs[0]) },
	}

	immediate := New(Options{Coordinator: NewCoordinator()})
	for _, s := range signals {
		s(immediate)
		immediate.RequestRebuild()
	}

	coord := NewCoordinator()
	coalesced := New(Options{Coordinator: coord})
	coord.Pause()
	for _, s := range signals {
		s(coalesced)
		coalesced.RequestRebuild()
	}
	if coalesced.Rebuilds() != 0 {
		t.Fatalf("Expected no rebuild while paused, got %d", coalesced.Rebuilds())
	}
	if err := coord.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !coalesced.RebuildIfReady() {
		t.Fatal("Expected a released rebuild")
	}
	if coalesced.RebuildIfReady() {
		t.Error("Expected the released rebuild to run only once")
	}

	if coalesced.Rebuilds() != 1 {
		t.Errorf("Expected exactly one coalesced rebuild, got %d", coalesced.Rebuilds())
	}
	if immediate.Rebuilds() != uint64(len(signals)) {
		t.Errorf("Expected %d immediate rebuilds, got %d", len(signals), immediate.Rebuilds())
	}
	if diff := cmp.Diff(catalogState(immediate), catalogState(coalesced)); diff != "" {
		t.Errorf("catalog mismatch (-immediate +coalesced):\n%s", diff)
	}
}

func TestNestedPause(t *testing.T) {
	coord := NewCoordinator()
	c := New(Options{Coordinator: coord})

	coord.Pause()
	coord.Pause()
	c.RequestRebuild()

	if err := coord.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if c.RebuildIfReady() {
		t.Error("Expected no rebuild while still paused")
	}
	if err := coord.ResumeAndRebuild(); err != nil {
		t.Fatalf("ResumeAndRebuild failed: %v", err)
	}
	if c.Rebuilds() != 1 {
		t.Errorf("Expected one rebuild after the last resume, got %d", c.Rebuilds())
	}
	if coord.Paused() {
		t.Error("Expected coordinator to be unpaused")
	}
}

func TestCoordinatorSharedAcrossCatalogs(t *testing.T) {
	coord := NewCoordinator()
	first := New(Options{Coordinator: coord})
	second := New(Options{Coordinator: coord})

	coord.Pause()
	for i := 0; i < 3; i++ {
		first.RequestRebuild()
		second.RequestRebuild()
	}
	if err := coord.ResumeAndRebuild(); err != nil {
		t.Fatalf("ResumeAndRebuild failed: %v", err)
	}

	if first.Rebuilds() != 1 || second.Rebuilds() != 1 {
		t.Errorf("Expected one rebuild each, got %d and %d", first.Rebuilds(), second.Rebuilds())
	}
}

func TestCloseDropsQueuedRebuild(t *testing.T) {
	coord := NewCoordinator()
	c := New(Options{Coordinator: coord})

	coord.Pause()
	c.RequestRebuild()
	c.Close()
	if err := coord.ResumeAndRebuild(); err != nil {
		t.Fatalf("ResumeAndRebuild failed: %v", err)
	}
	if c.Rebuilds() != 0 {
		t.Errorf("Expected closed catalog not to rebuild, got %d", c.Rebuilds())
	}
}
