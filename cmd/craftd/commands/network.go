package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/craftgrid/pkg/catalog"
	"github.com/openfroyo/craftgrid/pkg/cluster"
	"github.com/openfroyo/craftgrid/pkg/config"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/grid"
	"github.com/openfroyo/craftgrid/pkg/scheduler"
	"github.com/openfroyo/craftgrid/pkg/stores"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

// planQueueSize bounds pending plan computations per network.
const planQueueSize = 64

type world string

func (w world) Name() string { return string(w) }

func setupTelemetry(version string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Exporter = traceExporter
	cfg.Tracing.Enabled = traceExporter != "" && traceExporter != "none"
	cfg.Tracing.Endpoint = otlpEndpoint
	if metricsAddr != "" {
		cfg.Metrics.ListenAddress = metricsAddr
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if metricsAddr != "" {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return tel, nil
}

// openLedger opens and migrates the ledger at path. An empty path selects a
// throwaway in-memory ledger.
func openLedger(ctx context.Context, path string, tel *telemetry.Telemetry) (*stores.Ledger, error) {
	if path == "" {
		path = ":memory:"
	}
	ledger, err := stores.NewLedger(stores.Config{
		Path:    path,
		Logger:  tel.Logger.Zerolog(),
		Metrics: tel.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := ledger.Init(ctx); err != nil {
		return nil, err
	}
	if err := ledger.Migrate(ctx); err != nil {
		_ = ledger.Close()
		return nil, err
	}
	return ledger, nil
}

// network is a grid assembled from a scenario.
type network struct {
	grid        *grid.Grid
	coordinator *catalog.Coordinator
	clusters    map[string]*cluster.Cluster
	providers   []string
	mediums     []*config.Medium
	pool        *scheduler.Pool
	world       engine.World
	logger      zerolog.Logger
}

func newNetwork(scn *config.Scenario, tel *telemetry.Telemetry, ledger *stores.Ledger) (*network, error) {
	logger := tel.Logger.Zerolog()

	workers := scn.Engine.Workers
	if workers <= 0 {
		workers = 2
	}
	pool := scheduler.NewPool(workers, planQueueSize)
	sched, err := scheduler.New(scheduler.Options{
		Algorithm: scn.Algorithm(),
		Pool:      pool,
		Logger:    logger,
		Metrics:   tel.Metrics,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	opts := grid.Options{
		Name:        scn.Name,
		Scheduler:   sched,
		Coordinator: catalog.NewCoordinator(),
		FuzzyMode:   scn.FuzzyMode(),
		Logger:      logger,
		Metrics:     tel.Metrics,
	}
	if ledger != nil {
		opts.Storage = ledger
		opts.Stock = ledger
	}
	g, err := grid.New(opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if ledger != nil {
		ledger.SetStockListener(func(f engine.Fingerprint, delta int64) { g.NotifyStockChange(f, delta) })
	}

	n := &network{
		grid:        g,
		coordinator: opts.Coordinator,
		clusters:    make(map[string]*cluster.Cluster),
		pool:        pool,
		world:       world(scn.Name),
		logger:      logger.With().Str("component", "network").Logger(),
	}

	// Assemble inside one paused window so startup costs a single rebuild.
	n.coordinator.Pause()
	err = n.populate(scn)
	if rerr := n.coordinator.ResumeAndRebuild(); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *network) populate(scn *config.Scenario) error {
	for _, c := range scn.BuildClusters() {
		if err := n.grid.AddNode(grid.Node{ID: "cluster/" + c.Name(), ClusterMember: c}); err != nil {
			return err
		}
		n.clusters[c.Name()] = c
	}
	if err := n.setProviders(scn); err != nil {
		return err
	}
	n.grid.SetPowered(scn.IsPowered())
	n.grid.Start()
	return nil
}

// applyClusterSettings updates the allow mode of clusters the scenario
// still declares. Clusters are not added or removed on reload.
func (n *network) applyClusterSettings(scn *config.Scenario) {
	for _, spec := range scn.Clusters {
		c, ok := n.clusters[spec.Name]
		if !ok {
			n.logger.Warn().Str("cluster", spec.Name).Msg("Ignoring cluster added by reload")
			continue
		}
		c.SetAllowMode(spec.Mode())
	}
}

// setProviders replaces every provider node with the scenario's providers.
func (n *network) setProviders(scn *config.Scenario) error {
	providers, err := scn.BuildProviders()
	if err != nil {
		return err
	}
	for _, id := range n.providers {
		n.grid.RemoveNode(id)
	}
	n.providers = n.providers[:0]
	n.mediums = n.mediums[:0]
	for _, p := range providers {
		id := "provider/" + p.Name()
		if err := n.grid.AddNode(grid.Node{ID: id, Provider: p}); err != nil {
			return err
		}
		n.providers = append(n.providers, id)
		n.mediums = append(n.mediums, p.Medium())
	}
	return nil
}

// reload swaps the providers inside one paused rebuild window, so the
// catalog is rebuilt once for the whole change. Allow modes and the power
// state follow the new scenario.
func (n *network) reload(scn *config.Scenario) error {
	n.coordinator.Pause()
	err := n.setProviders(scn)
	if err == nil {
		n.applyClusterSettings(scn)
		n.grid.SetPowered(scn.IsPowered())
	}
	if rerr := n.coordinator.ResumeAndRebuild(); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	n.logger.Info().
		Str("scenario", scn.Name).
		Int("providers", len(n.providers)).
		Int("outputs", len(n.grid.CraftingPatterns())).
		Msg("Providers reloaded")
	return nil
}

func (n *network) Close() {
	n.grid.Close()
	n.pool.Close()
}
