package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/craftgrid/pkg/config"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		scenarioPath string
		interval     time.Duration
		dbPath       string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a network running and hot-reload its providers",
		Long: `Build a crafting network from a scenario and tick it until interrupted.

Whenever the scenario file changes, its providers are swapped in one paused
rebuild window so the catalog is rebuilt once per change. Invalid versions
of the file are logged and ignored.`,
		Example: `  # Tick every 500ms and expose metrics
  craftd watch -f factory.yaml --interval 500ms --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return engine.NewConfigurationError(fmt.Sprintf("tick interval must be positive, got %s", interval), nil).
					WithOperation("watch")
			}
			scn, err := config.Load(scenarioPath)
			if err != nil {
				return err
			}
			tel, err := setupTelemetry(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()

			ctx := tel.WithContext(cmd.Context())
			ledger, err := openLedger(ctx, dbPath, tel)
			if err != nil {
				return err
			}
			defer ledger.Close()
			if err := ledger.Seed(ctx, scn.StockLevels()); err != nil {
				return err
			}

			net, err := newNetwork(scn, tel, ledger)
			if err != nil {
				return err
			}
			defer net.Close()

			reloads := make(chan *config.Scenario, 1)
			watcher := config.NewWatcher(tel.Logger.Zerolog(), 0)
			err = watcher.Watch(ctx, scenarioPath, func(next *config.Scenario) error {
				select {
				case reloads <- next:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Stop() }()

			return runWatchLoop(ctx, net, interval, reloads)
		},
	}

	cmd.Flags().StringVarP(&scenarioPath, "file", "f", "", "scenario file path")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "tick interval")
	cmd.Flags().StringVar(&dbPath, "db", "", "ledger database path (in-memory when empty)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// runWatchLoop owns the grid: ticks and reloads both run here.
func runWatchLoop(ctx context.Context, net *network, interval time.Duration, reloads <-chan *config.Scenario) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	net.logger.Info().Dur("interval", interval).Msg("Watching network")
	for {
		select {
		case <-ctx.Done():
			net.logger.Info().Uint64("ticks", net.grid.Ticks()).Msg("Stopped watching network")
			return nil

		case scn := <-reloads:
			err := telemetry.TraceOperation(ctx, "network.reload", func(context.Context) error {
				return net.reload(scn)
			})
			if err != nil {
				net.logger.Error().Err(err).Msg("Failed to reload providers")
			}

		case <-ticker.C:
			res := net.grid.Tick(ctx)
			if res.Produced > 0 || res.Rebuilt || res.Swept > 0 {
				net.logger.Debug().
					Int64("produced", res.Produced).
					Bool("rebuilt", res.Rebuilt).
					Int("swept", res.Swept).
					Msg("Tick")
			}
		}
	}
}
