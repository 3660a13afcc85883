package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/craftgrid/pkg/cluster"
	"github.com/openfroyo/craftgrid/pkg/config"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

const smelterScenario = `
name: smelter
clusters:
  - name: main
    capacity: 1000
    co_processors: 1
providers:
  - name: smeltery
    medium: furnace
    patterns:
      - name: smelt
        priority: 5
        outputs: [{item: ingot, quantity: 1}]
        inputs: [{item: ore, quantity: 2}]
stock:
  - {item: ore, quantity: 10}
requests:
  - {item: ingot, quantity: 3, source: bus}
  - {item: gear, quantity: 1, source: alex, player: true, mode: ignore-missing}
  - {item: gear, quantity: 1, source: bus}
ticks: 4
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write scenario: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand("test", "none", "today")
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("craftd %s failed: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestSimulateCommand(t *testing.T) {
	path := writeScenario(t, smelterScenario)
	db := filepath.Join(t.TempDir(), "craft.db")

	var report simulationReport
	if err := json.Unmarshal([]byte(run(t, "simulate", "-f", path, "--db", db, "--json")), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}

	if report.Ticks != 4 || report.Produced != 3 {
		t.Errorf("expected 3 items over 4 ticks, got %d over %d", report.Produced, report.Ticks)
	}
	if len(report.Requests) != 3 {
		t.Fatalf("expected 3 request results, got %d", len(report.Requests))
	}

	ingot := report.Requests[0]
	if ingot.Outcome != outcomeSubmitted || ingot.Cluster != "main" || ingot.Status != "done" || ingot.CraftingID == "" {
		t.Errorf("unexpected ingot result: %+v", ingot)
	}
	preview := report.Requests[1]
	if preview.Outcome != outcomeSimulation || len(preview.Missing) != 1 || preview.Source != "player:alex" {
		t.Errorf("unexpected preview result: %+v", preview)
	}
	if failed := report.Requests[2]; failed.Outcome != outcomeFailed || failed.Error == "" {
		t.Errorf("unexpected failed result: %+v", failed)
	}

	wantClusters := []clusterLine{{Name: "main", State: "active", FreeStorage: 1000}}
	if diff := cmp.Diff(wantClusters, report.Clusters); diff != "" {
		t.Errorf("clusters mismatch (-want +got):\n%s", diff)
	}
	// Three smelt steps at two operations per tick.
	wantMediums := []mediumLine{{Name: "furnace", Pushed: 3}}
	if diff := cmp.Diff(wantMediums, report.Mediums); diff != "" {
		t.Errorf("mediums mismatch (-want +got):\n%s", diff)
	}

	want := []stockLine{{Item: "ingot", Quantity: 3}, {Item: "ore", Quantity: 4}}
	if diff := cmp.Diff(want, report.Stock); diff != "" {
		t.Errorf("stock mismatch (-want +got):\n%s", diff)
	}

	var ledger ledgerReport
	if err := json.Unmarshal([]byte(run(t, "ledger", "--db", db, "--json")), &ledger); err != nil {
		t.Fatalf("failed to decode ledger: %v", err)
	}
	if diff := cmp.Diff([]string{"ingot"}, ledger.Craftable); diff != "" {
		t.Errorf("craftable mismatch (-want +got):\n%s", diff)
	}
	if len(ledger.Links) != 1 || ledger.Links[0].ID != ingot.CraftingID || ledger.Links[0].Status != "done" {
		t.Errorf("unexpected link history: %+v", ledger.Links)
	}
	if len(ledger.Alterations) == 0 {
		t.Error("expected the catalog rebuild to be recorded")
	}
}

func TestSimulateTextOutput(t *testing.T) {
	path := writeScenario(t, smelterScenario)
	out := run(t, "simulate", "-f", path, "--ticks", "1")

	for _, want := range []string{"Scenario smelter: 1 ticks, 2 items produced", "machine:bus", "submitted", "simulation", "1xingot", "furnace  2"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestSimulateRejectsInvalidScenario(t *testing.T) {
	path := writeScenario(t, "name: broken\nclusters: [{name: a}]\n")
	root := newRootCommand("test", "none", "today")
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"simulate", "-f", path})
	if err := root.ExecuteContext(context.Background()); !engine.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestWatchRejectsNonPositiveInterval(t *testing.T) {
	path := writeScenario(t, smelterScenario)
	for _, interval := range []string{"0s", "-1s"} {
		root := newRootCommand("test", "none", "today")
		root.SetOut(io.Discard)
		root.SetErr(io.Discard)
		root.SetArgs([]string{"watch", "-f", path, "--interval", interval})
		if err := root.ExecuteContext(context.Background()); !engine.IsConfiguration(err) {
			t.Errorf("interval %s: expected configuration error, got %v", interval, err)
		}
	}
}

func TestPatternsCommand(t *testing.T) {
	path := writeScenario(t, smelterScenario)

	var lines []patternLine
	if err := json.Unmarshal([]byte(run(t, "patterns", "-f", path, "--json")), &lines); err != nil {
		t.Fatalf("failed to decode patterns: %v", err)
	}
	want := []patternLine{{
		Output:   "ingot",
		Pattern:  "smelt",
		Priority: 5,
		Inputs:   []string{"2xore"},
		Mediums:  []string{"furnace"},
	}}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("patterns mismatch (-want +got):\n%s", diff)
	}

	if out := run(t, "patterns", "-f", path, "--item", "gear"); !strings.Contains(out, "No patterns") {
		t.Errorf("expected no patterns for gear, got:\n%s", out)
	}
}

func TestNetworkReload(t *testing.T) {
	tel, err := setupTelemetry("test")
	if err != nil {
		t.Fatalf("setupTelemetry failed: %v", err)
	}
	scn, err := config.Parse([]byte(smelterScenario))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	net, err := newNetwork(scn, tel, nil)
	if err != nil {
		t.Fatalf("newNetwork failed: %v", err)
	}
	defer net.Close()
	if got := net.grid.Catalog().Rebuilds(); got != 1 {
		t.Errorf("expected startup to cost one rebuild, got %d", got)
	}
	net.grid.Tick(context.Background())

	next, err := config.Parse([]byte(strings.Replace(smelterScenario, "name: smelt\n", "name: smelt-fast\n", 1)))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	next.Providers = append(next.Providers, config.ProviderSpec{
		Name: "press",
		Patterns: []config.PatternSpec{{
			Name:    "gear",
			Outputs: []config.StackSpec{{ItemSpec: config.ItemSpec{Item: "gear"}, Quantity: 1}},
			Inputs:  []config.StackSpec{{ItemSpec: config.ItemSpec{Item: "ingot"}, Quantity: 4}},
		}},
	})
	next.Clusters[0].AllowMode = "players-only"
	unpowered := false
	next.Powered = &unpowered

	rebuilds := net.grid.Catalog().Rebuilds()
	if err := net.reload(next); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := net.grid.Catalog().Rebuilds(); got != rebuilds+1 {
		t.Errorf("expected exactly one rebuild for the reload, got %d", got-rebuilds)
	}

	var names []string
	for _, f := range []engine.Fingerprint{{Item: "ingot"}, {Item: "gear"}} {
		for _, p := range net.grid.Catalog().Lookup(f) {
			names = append(names, p.Name())
		}
	}
	if diff := cmp.Diff([]string{"smelt-fast", "gear"}, names); diff != "" {
		t.Errorf("patterns after reload mismatch (-want +got):\n%s", diff)
	}

	mainCluster := net.clusters["main"]
	if mainCluster.AllowMode() != cluster.AllowPlayersOnly {
		t.Errorf("expected reloaded allow mode, got %s", mainCluster.AllowMode())
	}
	if net.grid.Powered() || mainCluster.IsActive() {
		t.Error("expected the reload to cut power")
	}
}

func TestWatchLoopStopsOnCancel(t *testing.T) {
	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	scn, err := config.Parse([]byte(smelterScenario))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	net, err := newNetwork(scn, tel, nil)
	if err != nil {
		t.Fatalf("newNetwork failed: %v", err)
	}
	defer net.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runWatchLoop(ctx, net, 5*time.Millisecond, make(chan *config.Scenario)) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch loop did not stop")
	}
	if net.grid.Ticks() == 0 {
		t.Error("expected the loop to tick")
	}
}
