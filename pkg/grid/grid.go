// Package grid ties the crafting components of one network together.
//
// A Grid owns a catalog, a cluster registry, a nexus tracker and an interest
// manager, and drives them from a single tick goroutine. Plan computation is
// the only work that leaves that goroutine; results come back through the
// scheduler's callback and are submitted on a later tick.
package grid

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/openfroyo/craftgrid/pkg/catalog"
	"github.com/openfroyo/craftgrid/pkg/cluster"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/events"
	"github.com/openfroyo/craftgrid/pkg/interest"
	"github.com/openfroyo/craftgrid/pkg/nexus"
	"github.com/openfroyo/craftgrid/pkg/scheduler"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

// StockSource reports the stored quantity of every item on the network.
type StockSource interface {
	Stock(ctx context.Context) (map[engine.Fingerprint]int64, error)
}

// Options configures a Grid.
type Options struct {
	// Name identifies the grid in logs, traces and on the event bus.
	Name string

	// Storage receives craftability alterations and the catalog as a cell
	// provider. Optional.
	Storage engine.StorageGrid

	// Stock feeds plan snapshots. Without it plans see empty storage.
	Stock StockSource

	// Sink receives crafted output the requester refuses. Defaults to
	// Storage when it implements cluster.OutputSink.
	Sink cluster.OutputSink

	// Scheduler computes plans. Defaults to one built from Algorithm.
	Scheduler *scheduler.Scheduler
	Algorithm scheduler.Algorithm

	Coordinator *catalog.Coordinator
	FuzzyMode   engine.FuzzyMode

	// Bus is the event bus. Defaults to a private one.
	Bus *events.Bus

	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
}

// TickResult summarizes the work done by one Tick.
type TickResult struct {
	Reconciled bool
	Relinked   int
	Swept      int
	Produced   int64
	Rebuilt    bool
}

// Grid is one crafting network. It is owned by the tick goroutine.
type Grid struct {
	name      string
	catalog   *catalog.Catalog
	registry  *cluster.Registry
	tracker   *nexus.Tracker
	interest  *interest.Manager
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	storage   engine.StorageGrid
	stock     StockSource
	sink      cluster.OutputSink
	logger    zerolog.Logger

	nodes     map[string]Node
	nodeOrder []string

	reconcile bool
	started   bool
	powered   bool
	ticks     uint64
}

// New creates a grid and wires its event handlers. Call Start once the
// initial nodes are added.
func New(opts Options) (*Grid, error) {
	name := opts.Name
	if name == "" {
		name = "grid"
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	logger := base.With().Str("grid", name).Logger()

	sched := opts.Scheduler
	if sched == nil {
		var err error
		sched, err = scheduler.New(scheduler.Options{
			Algorithm: opts.Algorithm,
			Logger:    &logger,
			Metrics:   opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
	}

	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	sink := opts.Sink
	if sink == nil {
		if s, ok := opts.Storage.(cluster.OutputSink); ok {
			sink = s
		}
	}

	g := &Grid{
		name: name,
		catalog: catalog.New(catalog.Options{
			Coordinator: opts.Coordinator,
			Storage:     opts.Storage,
			FuzzyMode:   opts.FuzzyMode,
			Logger:      &logger,
			Metrics:     opts.Metrics,
		}),
		registry:  cluster.NewRegistry(&logger, opts.Metrics),
		tracker:   nexus.NewTracker(&logger, opts.Metrics),
		interest:  interest.NewManager(opts.Metrics),
		scheduler: sched,
		bus:       bus,
		storage:   opts.Storage,
		stock:     opts.Stock,
		sink:      sink,
		logger:    logger.With().Str("component", "grid").Logger(),
		nodes:     make(map[string]Node),
		powered:   true,
	}
	g.subscribe()
	return g, nil
}

func (g *Grid) subscribe() {
	g.bus.Subscribe(events.PostCacheConstruction, g.name, func(events.Event) {
		if g.storage != nil {
			g.storage.RegisterCellProvider(g.catalog)
		}
		g.catalog.RequestRebuild()
	})
	g.bus.Subscribe(events.CraftingCPUChanged, g.name, func(events.Event) {
		g.reconcile = true
	})
	g.bus.Subscribe(events.CraftingPatternChanged, g.name, func(events.Event) {
		g.catalog.RequestRebuild()
	})
	g.bus.Subscribe(events.PowerStatusChanged, g.name, func(e events.Event) {
		g.logger.Info().Bool("powered", e.Powered).Msg("Power status changed")
		g.reconcile = true
		g.catalog.RequestRebuild()
	})
}

// Start posts PostCacheConstruction. It runs once; later calls are no-ops.
func (g *Grid) Start() {
	if g.started {
		return
	}
	g.started = true
	g.bus.Post(events.Event{Type: events.PostCacheConstruction, Source: g.name})
}

// Close unregisters the grid from the bus and drops queued rebuilds.
func (g *Grid) Close() {
	g.bus.UnsubscribeOwner(g.name)
	g.catalog.Close()
}

// Name returns the grid name.
func (g *Grid) Name() string { return g.name }

// Catalog returns the grid's pattern catalog.
func (g *Grid) Catalog() *catalog.Catalog { return g.catalog }

// Tracker returns the grid's nexus tracker.
func (g *Grid) Tracker() *nexus.Tracker { return g.tracker }

// Bus returns the grid's event bus.
func (g *Grid) Bus() *events.Bus { return g.bus }

// AddNode joins n to the grid.
func (g *Grid) AddNode(n Node) error {
	if n.ID == "" {
		return engine.NewConfigurationError("node ID is required", nil).WithOperation("add_node")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return engine.NewConfigurationError(fmt.Sprintf("node %q already on grid", n.ID), nil).
			WithOperation("add_node")
	}
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)

	if n.WatcherHost != nil {
		g.interest.Subscribe(interest.NodeID(n.ID), n.WatcherHost, n.WatcherHost.WatchedItems())
	}
	if n.Requester != nil {
		for _, link := range n.Requester.RequestedJobs() {
			if err := g.tracker.Add(link); err != nil {
				g.logger.Warn().Err(err).Str("node", n.ID).Msg("Failed to re-register crafting link")
			}
		}
	}
	if n.ClusterMember != nil {
		if !g.powered {
			n.ClusterMember.SetActive(false)
		}
		g.bus.Post(events.Event{Type: events.CraftingCPUChanged, Source: n.ID})
	}
	if n.Provider != nil {
		g.catalog.AddProvider(n.Provider)
		g.bus.Post(events.Event{Type: events.CraftingPatternChanged, Source: n.ID})
	}

	g.logger.Debug().Str("node", n.ID).Strs("capabilities", n.capabilities()).Msg("Node added")
	return nil
}

// RemoveNode detaches the node with the given ID. Unknown IDs are ignored.
// A removed cluster member is dropped from the registry on the next tick but
// not destroyed; its links are re-registered if it rejoins.
func (g *Grid) RemoveNode(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	delete(g.nodes, id)
	g.nodeOrder = slices.DeleteFunc(g.nodeOrder, func(s string) bool { return s == id })

	if n.WatcherHost != nil {
		g.interest.Unsubscribe(interest.NodeID(id))
	}
	if n.Requester != nil {
		g.tracker.RequesterRemoved(n.Requester)
	}
	if n.ClusterMember != nil {
		g.bus.Post(events.Event{Type: events.CraftingCPUChanged, Source: id})
	}
	if n.Provider != nil {
		g.catalog.RemoveProvider(n.Provider)
		g.bus.Post(events.Event{Type: events.CraftingPatternChanged, Source: id})
	}

	g.logger.Debug().Str("node", id).Msg("Node removed")
}

// SetPowered switches the grid's power. Without power every cluster member
// goes inactive: it keeps its jobs but neither accepts nor advances them.
// Restoring power reactivates them. Changes post PowerStatusChanged.
func (g *Grid) SetPowered(powered bool) {
	if g.powered == powered {
		return
	}
	g.powered = powered
	for _, c := range g.Clusters() {
		c.SetActive(powered)
	}
	g.bus.Post(events.Event{Type: events.PowerStatusChanged, Source: g.name, Powered: powered})
}

// Powered reports whether the grid has power.
func (g *Grid) Powered() bool { return g.powered }

// Clusters implements cluster.Source over the grid's cluster members, in
// node insertion order.
func (g *Grid) Clusters() []*cluster.Cluster {
	var out []*cluster.Cluster
	for _, id := range g.nodeOrder {
		if c := g.nodes[id].ClusterMember; c != nil && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Tick runs one update: reconcile clusters when flagged, sweep dead links,
// advance every cluster, then run a coalesced catalog rebuild if one is
// ready.
func (g *Grid) Tick(ctx context.Context) TickResult {
	g.ticks++
	_, span := otel.Tracer("craftgrid/grid").Start(ctx, "grid.tick")
	defer span.End()
	span.SetAttributes(telemetry.AttrGrid.String(g.name), telemetry.AttrTick.Int64(int64(g.ticks)))

	var res TickResult
	if g.reconcile {
		g.reconcile = false
		res.Reconciled = true
		for _, link := range g.registry.Reconcile(g) {
			if err := g.tracker.Add(link); err != nil {
				g.logger.Warn().Err(err).Str("crafting_id", link.ID()).Msg("Failed to re-register cluster link")
				continue
			}
			res.Relinked++
		}
	}

	res.Swept = g.tracker.Sweep(g.registry.Alive)
	res.Produced = g.registry.AdvanceAll(g.sink, g)
	res.Rebuilt = g.catalog.RebuildIfReady()

	g.logger.Trace().
		Uint64("tick", g.ticks).
		Int("swept", res.Swept).
		Int64("produced", res.Produced).
		Bool("rebuilt", res.Rebuilt).
		Msg("Tick complete")
	return res
}

// Ticks returns how many ticks have run.
func (g *Grid) Ticks() uint64 { return g.ticks }

// SubmitJob hands a computed job to a cluster and returns the requester's
// link, or the cluster's standalone link when requester is nil. A nil result
// means no cluster accepted the job; it is not an error.
func (g *Grid) SubmitJob(job *engine.Job, requester nexus.Requester, target *cluster.Cluster, prioritizePower bool, src engine.ActionSource) *nexus.Link {
	if job == nil {
		return nil
	}
	c := g.registry.Select(job, src, target, prioritizePower)
	if c == nil {
		return nil
	}

	reqLink, cpuLink, err := c.Submit(job, requester, src)
	if err != nil {
		g.logger.Warn().Err(err).Str("cluster", c.Name()).Msg("Cluster rejected selected job")
		return nil
	}
	if reqLink == nil {
		return cpuLink
	}
	if err := g.tracker.Submit(reqLink, cpuLink); err != nil {
		g.logger.Error().Err(err).Str("crafting_id", reqLink.ID()).Msg("Failed to track submitted job")
	}
	return reqLink
}

// BeginCraftingJob snapshots the catalog and stock and schedules a plan
// computation for target.
func (g *Grid) BeginCraftingJob(
	ctx context.Context,
	world engine.World,
	src engine.ActionSource,
	target engine.Stack,
	mode engine.CraftingMode,
	cb scheduler.Callback,
) (*scheduler.Future, error) {
	stock := map[engine.Fingerprint]int64{}
	if g.stock != nil {
		s, err := g.stock.Stock(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read stock: %w", err)
		}
		stock = s
	}
	network := &scheduler.Snapshot{Catalog: g.catalog.Snapshot(), Stock: stock}
	return g.scheduler.BeginJob(ctx, world, network, src, target, mode, cb)
}

// CraftingPatterns returns a copy of the output → patterns index.
func (g *Grid) CraftingPatterns() map[engine.Fingerprint][]engine.Pattern {
	return g.catalog.Patterns()
}

// CraftingFor resolves the patterns able to fill slot of the context pattern.
func (g *Grid) CraftingFor(what engine.Fingerprint, context engine.Pattern, slot int, world engine.World) []engine.Pattern {
	return g.catalog.CraftingFor(what, context, slot, world)
}

// CanEmitFor reports whether f is emitable on this grid.
func (g *Grid) CanEmitFor(f engine.Fingerprint) bool {
	return g.catalog.CanEmitFor(f)
}

// IsRequesting reports whether any cluster is currently producing f.
func (g *Grid) IsRequesting(f engine.Fingerprint) bool {
	return g.registry.IsRequesting(f)
}

// CPUs returns the registered clusters.
func (g *Grid) CPUs() []*cluster.Cluster {
	return g.registry.All()
}

// Mediums returns the mediums able to execute p.
func (g *Grid) Mediums(p engine.Pattern) []engine.Medium {
	return g.catalog.Mediums(p)
}

// NotifyStockChange dispatches a stock delta to interested watchers and
// returns how many were notified.
func (g *Grid) NotifyStockChange(f engine.Fingerprint, delta int64) int {
	return g.interest.Notify(f, delta)
}
