package grid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/craftgrid/pkg/catalog"
	"github.com/openfroyo/craftgrid/pkg/cluster"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/events"
	"github.com/openfroyo/craftgrid/pkg/nexus"
	"github.com/openfroyo/craftgrid/pkg/scheduler"
)

var (
	ore   = engine.Fingerprint{Item: "ore"}
	ingot = engine.Fingerprint{Item: "ingot"}
	gear  = engine.Fingerprint{Item: "gear"}
)

type mockMedium struct{}

func (mockMedium) Name() string                    { return "assembler" }
func (mockMedium) PushPattern(engine.Pattern) bool { return true }
func (mockMedium) IsBusy() bool                    { return false }

type mockProvider struct {
	patterns []engine.Pattern
}

func (p *mockProvider) ProvideCrafting(h catalog.Helper) {
	for _, pat := range p.patterns {
		_ = h.AddCraftingOption(mockMedium{}, pat)
	}
}

// recorder is a storage backend and output sink sharing one event log.
type recorder struct {
	log   []string
	cells []engine.CellProvider
	stock map[engine.Fingerprint]int64
	err   error
}

func (r *recorder) PostAlterationOfStoredItems(_ engine.Channel, changed []engine.Fingerprint, _ engine.ActionSource) {
	r.log = append(r.log, "alteration")
}

func (r *recorder) RegisterCellProvider(p engine.CellProvider) {
	r.cells = append(r.cells, p)
}

func (r *recorder) InjectItems(stack engine.Stack, _ engine.ActionSource) engine.Stack {
	r.log = append(r.log, "inject:"+stack.String())
	return engine.Stack{}
}

func (r *recorder) Stock(context.Context) (map[engine.Fingerprint]int64, error) {
	return r.stock, r.err
}

type mockRequester struct {
	links    []*nexus.Link
	received int64
	changes  int
}

func (m *mockRequester) RequestedJobs() []*nexus.Link { return m.links }

func (m *mockRequester) InjectCraftedItems(_ *nexus.Link, stack engine.Stack) engine.Stack {
	m.received += stack.Quantity
	return engine.Stack{}
}

func (m *mockRequester) JobStateChange(*nexus.Link) { m.changes++ }

type mockWatcher struct {
	items  []engine.Fingerprint
	deltas []int64
}

func (w *mockWatcher) WatchedItems() []engine.Fingerprint { return w.items }

func (w *mockWatcher) OnStockChange(_ engine.Fingerprint, delta int64) {
	w.deltas = append(w.deltas, delta)
}

type world struct{}

func (world) Name() string { return "overworld" }

func newTestGrid(t *testing.T, storage *recorder) (*Grid, *catalog.Coordinator) {
	t.Helper()
	coord := catalog.NewCoordinator()
	pool := scheduler.NewPool(2, 8)
	t.Cleanup(pool.Close)
	sched, err := scheduler.New(scheduler.Options{Pool: pool})
	if err != nil {
		t.Fatalf("scheduler.New failed: %v", err)
	}
	opts := Options{Name: "test", Coordinator: coord, Scheduler: sched}
	if storage != nil {
		opts.Storage = storage
		opts.Stock = storage
	}
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(g.Close)
	return g, coord
}

func recipe(name string, prio int, out engine.Stack, in ...engine.Stack) *engine.BasicPattern {
	return &engine.BasicPattern{ID: name, Prio: prio, Out: []engine.Stack{out}, In: in}
}

func names(patterns []engine.Pattern) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p.Name())
	}
	return out
}

func TestEndToEndPriorityOrdering(t *testing.T) {
	g, _ := newTestGrid(t, nil)
	for i, p := range []*engine.BasicPattern{
		recipe("p1", 5, engine.NewStack(gear, 1)),
		recipe("p2", 10, engine.NewStack(gear, 1)),
		recipe("p3", 10, engine.NewStack(gear, 1)),
	} {
		node := Node{ID: string(rune('a' + i)), Provider: &mockProvider{patterns: []engine.Pattern{p}}}
		if err := g.AddNode(node); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}
	g.Start()

	got := names(g.CraftingPatterns()[gear])
	if diff := cmp.Diff([]string{"p2", "p3", "p1"}, got); diff != "" {
		t.Errorf("priority order mismatch (-want +got):\n%s", diff)
	}

	g.RemoveNode("b")
	if diff := cmp.Diff([]string{"p3", "p1"}, names(g.CraftingPatterns()[gear])); diff != "" {
		t.Errorf("after removal (-want +got):\n%s", diff)
	}
}

func TestAddNodeValidation(t *testing.T) {
	g, _ := newTestGrid(t, nil)
	if err := g.AddNode(Node{}); !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error for empty ID, got %v", err)
	}
	if err := g.AddNode(Node{ID: "x"}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if err := g.AddNode(Node{ID: "x"}); !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error for duplicate ID, got %v", err)
	}
	g.RemoveNode("missing")
}

func TestStartRegistersCatalogAsCellProvider(t *testing.T) {
	storage := &recorder{}
	g, _ := newTestGrid(t, storage)
	g.Start()
	g.Start()

	if len(storage.cells) != 1 || storage.cells[0] != engine.CellProvider(g.Catalog()) {
		t.Errorf("Expected the catalog registered once, got %d providers", len(storage.cells))
	}
}

func TestTickOrder(t *testing.T) {
	storage := &recorder{}
	g, coord := newTestGrid(t, storage)

	coord.Pause()
	c := cluster.New(cluster.Config{Name: "cpu", Capacity: 100})
	if _, _, err := c.Submit(&engine.Job{Output: engine.NewStack(gear, 1), Plan: &engine.Plan{}, ByteTotal: 2}, nil, engine.MachineSource("m")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	provider := &mockProvider{patterns: []engine.Pattern{recipe("gear", 1, engine.NewStack(gear, 1))}}
	if err := g.AddNode(Node{ID: "cpu", ClusterMember: c}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if err := g.AddNode(Node{ID: "iface", Provider: provider}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if err := coord.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if len(storage.log) != 0 {
		t.Fatalf("Expected no work before the tick, got %v", storage.log)
	}

	res := g.Tick(context.Background())
	if !res.Reconciled || res.Produced != 1 || !res.Rebuilt {
		t.Fatalf("Unexpected tick result: %+v", res)
	}
	// Output is delivered by the advance phase before the rebuild notifies
	// storage, and the advance saw the cluster the reconcile phase found.
	want := []string{"inject:1x" + gear.String(), "alteration", "alteration"}
	if diff := cmp.Diff(want, storage.log); diff != "" {
		t.Errorf("phase order mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepRunsBeforeAdvance(t *testing.T) {
	g, _ := newTestGrid(t, &recorder{})
	c := cluster.New(cluster.Config{Name: "cpu", Capacity: 100, CoProcessors: 1})
	req := &mockRequester{}
	if err := g.AddNode(Node{ID: "cpu", ClusterMember: c}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if err := g.AddNode(Node{ID: "req", Requester: req}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	g.Tick(context.Background())

	job := &engine.Job{Output: engine.NewStack(gear, 2), Plan: &engine.Plan{}, ByteTotal: 4}
	link := g.SubmitJob(job, req, nil, true, engine.MachineSource("req"))
	if link == nil {
		t.Fatal("Expected the job to be accepted")
	}
	if link.Side() != nexus.SideRequester {
		t.Errorf("Expected requester link, got %s", link.Side())
	}
	if !g.IsRequesting(gear) {
		t.Error("Expected grid to report gear in production")
	}

	res := g.Tick(context.Background())
	if res.Produced != 2 || res.Swept != 0 {
		t.Fatalf("Unexpected tick result: %+v", res)
	}
	if !link.IsDone() || req.received != 2 || req.changes != 1 {
		t.Errorf("Expected completed delivery, done=%v received=%d changes=%d", link.IsDone(), req.received, req.changes)
	}
	if g.Tracker().Len() != 1 {
		t.Errorf("Expected the finished nexus to survive its own tick, got %d", g.Tracker().Len())
	}

	if res := g.Tick(context.Background()); res.Swept != 1 {
		t.Errorf("Expected the finished nexus swept next tick, got %+v", res)
	}
}

func TestSubmitJobRejections(t *testing.T) {
	g, _ := newTestGrid(t, nil)
	src := engine.MachineSource("m")
	job := &engine.Job{Output: engine.NewStack(gear, 1), Plan: &engine.Plan{}, ByteTotal: 10}

	if link := g.SubmitJob(job, nil, nil, true, src); link != nil {
		t.Error("Expected nil link with no clusters")
	}

	small := cluster.New(cluster.Config{Name: "small", Capacity: 5})
	if err := g.AddNode(Node{ID: "small", ClusterMember: small}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	g.Tick(context.Background())
	if link := g.SubmitJob(job, nil, nil, true, src); link != nil {
		t.Error("Expected nil link when capacity is insufficient")
	}

	preview := &engine.Job{Output: engine.NewStack(gear, 1), Plan: &engine.Plan{}, Simulation: true}
	if link := g.SubmitJob(preview, nil, nil, true, src); link != nil {
		t.Error("Expected simulations never to be submitted")
	}

	tiny := &engine.Job{Output: engine.NewStack(gear, 1), Plan: &engine.Plan{}, ByteTotal: 1}
	link := g.SubmitJob(tiny, nil, small, false, src)
	if link == nil || !link.IsStandalone() {
		t.Errorf("Expected a standalone link for a requester-less job, got %v", link)
	}
	if g.Tracker().Len() != 0 {
		t.Error("Expected standalone links to stay untracked")
	}
}

func TestRequesterRejoinKeepsNexus(t *testing.T) {
	g, _ := newTestGrid(t, nil)
	c := cluster.New(cluster.Config{Name: "cpu", Capacity: 100})
	req := &mockRequester{}
	_ = g.AddNode(Node{ID: "cpu", ClusterMember: c})
	_ = g.AddNode(Node{ID: "req", Requester: req})
	g.Tick(context.Background())

	job := &engine.Job{Output: engine.NewStack(gear, 50), Plan: &engine.Plan{}, ByteTotal: 50}
	link := g.SubmitJob(job, req, nil, true, engine.MachineSource("req"))
	if link == nil {
		t.Fatal("Expected the job to be accepted")
	}
	req.links = []*nexus.Link{link}

	g.RemoveNode("req")
	g.Tick(context.Background())
	n, ok := g.Tracker().Get(link.ID())
	if !ok || n.RequesterLink() != nil {
		t.Fatal("Expected the nexus to survive with a detached requester")
	}

	if err := g.AddNode(Node{ID: "req", Requester: req}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if n.RequesterLink() != link {
		t.Error("Expected the rejoining requester to rebind")
	}
}

func TestNotifyStockChange(t *testing.T) {
	g, _ := newTestGrid(t, nil)
	w := &mockWatcher{items: []engine.Fingerprint{ore}}
	_ = g.AddNode(Node{ID: "monitor", WatcherHost: w})

	if n := g.NotifyStockChange(ore, 3); n != 1 {
		t.Errorf("Expected one watcher notified, got %d", n)
	}
	if n := g.NotifyStockChange(ingot, 3); n != 0 {
		t.Errorf("Expected no watcher for ingot, got %d", n)
	}
	g.RemoveNode("monitor")
	if n := g.NotifyStockChange(ore, -1); n != 0 {
		t.Errorf("Expected no watcher after removal, got %d", n)
	}
	if diff := cmp.Diff([]int64{3}, w.deltas); diff != "" {
		t.Errorf("deltas mismatch (-want +got):\n%s", diff)
	}
}

type resultCallback struct {
	mu   sync.Mutex
	jobs []*engine.Job
}

func (c *resultCallback) CalculationComplete(job *engine.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
}

func TestBeginCraftingJobUsesStock(t *testing.T) {
	storage := &recorder{stock: map[engine.Fingerprint]int64{ore: 8}}
	g, _ := newTestGrid(t, storage)
	smelt := recipe("smelt", 1, engine.NewStack(ingot, 1), engine.NewStack(ore, 2))
	_ = g.AddNode(Node{ID: "furnace", Provider: &mockProvider{patterns: []engine.Pattern{smelt}}})
	g.Start()

	cb := &resultCallback{}
	future, err := g.BeginCraftingJob(context.Background(), world{}, engine.MachineSource("m"),
		engine.NewStack(ingot, 3), engine.ModeStandard, cb)
	if err != nil {
		t.Fatalf("BeginCraftingJob failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if diff := cmp.Diff([]engine.Stack{engine.NewStack(ore, 6)}, job.Plan.Consumed); diff != "" {
		t.Errorf("consumed mismatch (-want +got):\n%s", diff)
	}
}

func TestBeginCraftingJobStockError(t *testing.T) {
	boom := errors.New("ledger offline")
	g, _ := newTestGrid(t, &recorder{err: boom})
	_, err := g.BeginCraftingJob(context.Background(), world{}, engine.MachineSource("m"),
		engine.NewStack(ingot, 1), engine.ModeStandard, nil)
	if !errors.Is(err, boom) {
		t.Errorf("Expected stock error, got %v", err)
	}
}

type countingMedium struct {
	mu     sync.Mutex
	pushes int
}

func (m *countingMedium) Name() string { return "press" }

func (m *countingMedium) PushPattern(engine.Pattern) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes++
	return true
}

func (m *countingMedium) IsBusy() bool { return false }

type mediumProvider struct {
	medium  engine.Medium
	pattern engine.Pattern
}

func (p *mediumProvider) ProvideCrafting(h catalog.Helper) {
	_ = h.AddCraftingOption(p.medium, p.pattern)
}

func TestClusterPushesPlanToMediums(t *testing.T) {
	g, _ := newTestGrid(t, &recorder{})
	press := &countingMedium{}
	stamp := recipe("stamp", 1, engine.NewStack(gear, 1))
	c := cluster.New(cluster.Config{Name: "cpu", Capacity: 100, CoProcessors: 1})
	req := &mockRequester{}
	_ = g.AddNode(Node{ID: "press", Provider: &mediumProvider{medium: press, pattern: stamp}})
	_ = g.AddNode(Node{ID: "cpu", ClusterMember: c})
	_ = g.AddNode(Node{ID: "req", Requester: req})
	g.Start()
	g.Tick(context.Background())

	future, err := g.BeginCraftingJob(context.Background(), world{}, engine.MachineSource("req"),
		engine.NewStack(gear, 4), engine.ModeStandard, nil)
	if err != nil {
		t.Fatalf("BeginCraftingJob failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	link := g.SubmitJob(job, req, nil, true, engine.MachineSource("req"))
	if link == nil {
		t.Fatal("Expected the job to be accepted")
	}

	var produced []int64
	for range 3 {
		produced = append(produced, g.Tick(context.Background()).Produced)
	}
	if diff := cmp.Diff([]int64{2, 2, 0}, produced); diff != "" {
		t.Errorf("per-tick output mismatch (-want +got):\n%s", diff)
	}
	if press.pushes != 4 || req.received != 4 || !link.IsDone() {
		t.Errorf("Expected 4 pushes and 4 delivered, got pushes=%d received=%d done=%v",
			press.pushes, req.received, link.IsDone())
	}
}

func TestUnpoweredGrid(t *testing.T) {
	g, _ := newTestGrid(t, &recorder{})
	var seen []bool
	g.Bus().Subscribe(events.PowerStatusChanged, "observer", func(e events.Event) {
		seen = append(seen, e.Powered)
	})
	c := cluster.New(cluster.Config{Name: "cpu", Capacity: 100, CoProcessors: 1})
	_ = g.AddNode(Node{ID: "cpu", ClusterMember: c})
	g.Tick(context.Background())

	job := &engine.Job{Output: engine.NewStack(gear, 2), Plan: &engine.Plan{}, ByteTotal: 4}
	running := g.SubmitJob(job, nil, nil, true, engine.MachineSource("m"))
	if running == nil {
		t.Fatal("Expected the job to be accepted while powered")
	}

	g.SetPowered(false)
	g.SetPowered(false)
	if g.Powered() || c.IsActive() {
		t.Fatal("Expected the cluster to go inactive without power")
	}
	if link := g.SubmitJob(job, nil, nil, true, engine.MachineSource("m")); link != nil {
		t.Error("Expected an unpowered grid to reject submissions")
	}
	if res := g.Tick(context.Background()); res.Produced != 0 {
		t.Errorf("Expected no work without power, got %+v", res)
	}

	late := cluster.New(cluster.Config{Name: "late", Capacity: 100})
	_ = g.AddNode(Node{ID: "late", ClusterMember: late})
	if late.IsActive() {
		t.Error("Expected a cluster joining an unpowered grid to stay inactive")
	}

	g.SetPowered(true)
	if res := g.Tick(context.Background()); res.Produced != 2 || !running.IsDone() {
		t.Errorf("Expected the job to resume with power, got %+v", res)
	}
	if diff := cmp.Diff([]bool{false, true}, seen); diff != "" {
		t.Errorf("power events mismatch (-want +got):\n%s", diff)
	}
}
