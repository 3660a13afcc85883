package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/craftgrid/pkg/catalog"
	"github.com/openfroyo/craftgrid/pkg/cluster"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/scheduler"
)

const factory = `
name: factory
engine:
  algorithm: legacy
  fuzzy_mode: match-tag
  prioritize_power: false
clusters:
  - name: alpha
    capacity: 1000
    co_processors: 2
  - name: beta
    capacity: 64
    allow_mode: players-only
    inactive: true
providers:
  - name: smeltery
    medium: furnace
    patterns:
      - name: smelt
        priority: 5
        outputs: [{item: ingot, quantity: 1}]
        inputs: [{item: ore, quantity: 2}]
      - name: plank
        craftable: true
        outputs: [{item: planks, subtypes: true, quantity: 4}]
        inputs: [{item: log, quantity: 1}]
        slot_rule: 'slot == 0 and item == "log"'
    emitable:
      - item: water
stock:
  - {item: ore, quantity: 10}
  - {item: ore, quantity: 2}
requests:
  - item: ingot
    quantity: 3
    source: steve
    player: true
    mode: ignore-missing
    cluster: alpha
ticks: 5
`

func TestParseScenario(t *testing.T) {
	s, err := Parse([]byte(factory))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if s.Algorithm() != scheduler.AlgorithmLegacy {
		t.Errorf("Expected legacy algorithm, got %s", s.Algorithm())
	}
	if s.FuzzyMode() != engine.FuzzyMatchTag {
		t.Errorf("Expected match-tag, got %s", s.FuzzyMode())
	}
	if s.PrioritizePower() {
		t.Error("Expected prioritize_power false")
	}
	if s.Ticks != 5 {
		t.Errorf("Expected 5 ticks, got %d", s.Ticks)
	}

	want := map[engine.Fingerprint]int64{{Item: "ore"}: 12}
	if diff := cmp.Diff(want, s.StockLevels()); diff != "" {
		t.Errorf("stock mismatch (-want +got):\n%s", diff)
	}

	req := s.Requests[0]
	if !req.ActionSource().IsPlayer() || req.CraftingMode() != engine.ModeIgnoreMissing {
		t.Errorf("Unexpected request conversion: %+v", req)
	}
	if got := req.Stack(); got != engine.NewStack(engine.Fingerprint{Item: "ingot"}, 3) {
		t.Errorf("Unexpected request stack %v", got)
	}
}

func TestScenarioDefaults(t *testing.T) {
	s, err := Parse([]byte("name: empty\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Algorithm() != scheduler.AlgorithmV2 || s.FuzzyMode() != engine.FuzzyIgnoreTag || !s.PrioritizePower() {
		t.Errorf("Unexpected defaults: %s %s %v", s.Algorithm(), s.FuzzyMode(), s.PrioritizePower())
	}
	if !s.IsPowered() {
		t.Error("Expected networks to start powered by default")
	}
	if mode := (ClusterSpec{Name: "c", Capacity: 1}).Mode(); mode != cluster.AllowAny {
		t.Errorf("Expected allow mode any by default, got %s", mode)
	}

	off, err := Parse([]byte("name: dark\npowered: false\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if off.IsPowered() {
		t.Error("Expected powered: false to be honoured")
	}
}

func TestParseRejectsInvalidScenarios(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{"missing name", "clusters: []\n", "invalid scenario"},
		{"unknown field", "name: x\nturbo: true\n", "failed to decode"},
		{"bad algorithm", "name: x\nengine: {algorithm: quantum}\n", "invalid scenario"},
		{"zero capacity", "name: x\nclusters: [{name: a, capacity: 0}]\n", "invalid scenario"},
		{"bad allow mode", "name: x\nclusters: [{name: a, capacity: 1, allow_mode: robots}]\n", "invalid scenario"},
		{"duplicate cluster", "name: x\nclusters: [{name: a, capacity: 1}, {name: a, capacity: 2}]\n", "duplicate cluster"},
		{"pattern without outputs", "name: x\nproviders: [{name: p, patterns: [{name: q}]}]\n", "invalid scenario"},
		{"duplicate provider", "name: x\nproviders: [{name: p}, {name: p}]\n", "duplicate provider"},
		{"unknown target cluster", "name: x\nrequests: [{item: a, quantity: 1, source: s, cluster: nope}]\n", "unknown cluster"},
		{"zero request quantity", "name: x\nrequests: [{item: a, quantity: 0, source: s}]\n", "invalid scenario"},
		{"broken slot rule", "name: x\nproviders: [{name: p, patterns: [{name: q, outputs: [{item: a, quantity: 1}], slot_rule: 'slot =='}]}]\n", "pattern \"q\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !engine.IsConfiguration(err) {
				t.Errorf("Expected configuration error, got %T %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected %q in %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestBuildClusters(t *testing.T) {
	s, err := Parse([]byte(factory))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	clusters := s.BuildClusters()
	if len(clusters) != 2 {
		t.Fatalf("Expected 2 clusters, got %d", len(clusters))
	}
	if clusters[0].Name() != "alpha" || clusters[0].CoProcessors() != 2 || !clusters[0].IsActive() {
		t.Errorf("Unexpected alpha: %v", clusters[0])
	}
	if clusters[1].IsActive() || clusters[1].AllowMode() != cluster.AllowPlayersOnly {
		t.Errorf("Expected beta inactive and players-only, got %s %s", clusters[1].State(), clusters[1].AllowMode())
	}
}

type world struct{}

func (world) Name() string { return "overworld" }

func TestBuildProvidersFeedCatalog(t *testing.T) {
	s, err := Parse([]byte(factory))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	providers, err := s.BuildProviders()
	if err != nil {
		t.Fatalf("BuildProviders failed: %v", err)
	}

	c := catalog.New(catalog.Options{Coordinator: catalog.NewCoordinator()})
	for _, p := range providers {
		c.AddProvider(p)
	}
	c.Rebuild()

	ingot := engine.Fingerprint{Item: "ingot"}
	if got := c.Lookup(ingot); len(got) != 1 || got[0].Name() != "smelt" {
		t.Errorf("Expected smelt for ingot, got %v", got)
	}
	if !c.CanEmitFor(engine.Fingerprint{Item: "water"}) {
		t.Error("Expected water to be emitable")
	}
	if mediums := c.Mediums(c.Lookup(ingot)[0]); len(mediums) != 1 || mediums[0].Name() != "furnace" {
		t.Errorf("Expected furnace medium, got %v", mediums)
	}

	plank := c.Lookup(engine.Fingerprint{Item: "planks", HasSubtypes: true})[0]
	if !plank.ValidForSlot(0, engine.NewStack(engine.Fingerprint{Item: "log"}, 1), world{}) {
		t.Error("Expected slot rule to accept a log in slot 0")
	}
	if plank.ValidForSlot(1, engine.NewStack(engine.Fingerprint{Item: "log"}, 1), world{}) {
		t.Error("Expected slot rule to reject slot 1")
	}
}
