package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/craftgrid/pkg/config"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/nexus"
	"github.com/openfroyo/craftgrid/pkg/stores"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

// defaultTicks is used when neither the scenario nor --ticks set a count.
const defaultTicks = 10

// Request outcomes.
const (
	outcomeSubmitted  = "submitted"
	outcomeSimulation = "simulation"
	outcomeRejected   = "rejected"
	outcomeFailed     = "failed"
)

type requestResult struct {
	Source     string   `json:"source"`
	Output     string   `json:"output"`
	Outcome    string   `json:"outcome"`
	CraftingID string   `json:"crafting_id,omitempty"`
	Cluster    string   `json:"cluster,omitempty"`
	Status     string   `json:"status,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type stockLine struct {
	Item     string `json:"item"`
	Quantity int64  `json:"quantity"`
}

type clusterLine struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Making      string `json:"making,omitempty"`
	FreeStorage int64  `json:"free_storage"`
}

type mediumLine struct {
	Name   string `json:"name"`
	Pushed int    `json:"pushed"`
}

type simulationReport struct {
	Scenario string          `json:"scenario"`
	Ticks    int             `json:"ticks"`
	Produced int64           `json:"produced"`
	Requests []requestResult `json:"requests"`
	Clusters []clusterLine   `json:"clusters"`
	Mediums  []mediumLine    `json:"mediums"`
	Stock    []stockLine     `json:"stock"`
}

func newSimulateCommand() *cobra.Command {
	var (
		scenarioPath string
		ticks        int
		dbPath       string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scenario's crafting requests",
		Long: `Build a crafting network from a scenario, plan and submit every request,
then advance the network for a number of ticks.

Plans that cannot be satisfied are reported with their missing items. Crafted
output is stored in the item ledger, which persists when --db is given.`,
		Example: `  # Run a scenario with an in-memory ledger
  craftd simulate -f factory.yaml

  # Run 50 ticks and keep the ledger for 'craftd ledger'
  craftd simulate -f factory.yaml --ticks 50 --db craft.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scn, err := config.Load(scenarioPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ticks") {
				scn.Ticks = ticks
			}

			tel, err := setupTelemetry(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()

			ctx := tel.WithContext(cmd.Context())
			report, err := runSimulation(ctx, scn, dbPath, tel)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVarP(&scenarioPath, "file", "f", "", "scenario file path")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "ticks to run after submitting (overrides the scenario)")
	cmd.Flags().StringVar(&dbPath, "db", "", "ledger database path (in-memory when empty)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runSimulation(ctx context.Context, scn *config.Scenario, dbPath string, tel *telemetry.Telemetry) (*simulationReport, error) {
	ledger, err := openLedger(ctx, dbPath, tel)
	if err != nil {
		return nil, err
	}
	defer ledger.Close()
	if err := ledger.Seed(ctx, scn.StockLevels()); err != nil {
		return nil, err
	}

	net, err := newNetwork(scn, tel, ledger)
	if err != nil {
		return nil, err
	}
	defer net.Close()

	// The first tick reconciles clusters.
	net.grid.Tick(ctx)

	report := &simulationReport{Scenario: scn.Name}
	var links []*nexus.Link
	for _, req := range scn.Requests {
		res, link := submitRequest(ctx, net, ledger, scn, req, tel)
		report.Requests = append(report.Requests, res)
		links = append(links, link)
	}

	ticks := scn.Ticks
	if ticks == 0 {
		ticks = defaultTicks
	}
	for range ticks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := net.grid.Tick(ctx)
		report.Produced += res.Produced
		report.Ticks++
	}

	for i, link := range links {
		if link == nil {
			continue
		}
		status := linkStatus(link)
		report.Requests[i].Status = string(status)
		if err := ledger.UpdateLinkStatus(ctx, link.ID(), status); err != nil {
			net.logger.Warn().Err(err).Str("crafting_id", link.ID()).Msg("Failed to update link history")
		}
	}

	for _, c := range net.grid.CPUs() {
		line := clusterLine{Name: c.Name(), State: string(c.State()), FreeStorage: c.FreeStorage()}
		if out, ok := c.FinalOutput(); ok {
			line.Making = out.String()
		}
		report.Clusters = append(report.Clusters, line)
	}
	for _, m := range net.mediums {
		report.Mediums = append(report.Mediums, mediumLine{Name: m.Name(), Pushed: m.Pushed()})
	}

	stock, err := ledger.Stock(ctx)
	if err != nil {
		return nil, err
	}
	report.Stock = stockLines(stock)
	return report, nil
}

// submitRequest plans req and submits the resulting job. The returned link
// is nil unless the job was accepted.
func submitRequest(
	ctx context.Context,
	net *network,
	ledger *stores.Ledger,
	scn *config.Scenario,
	req config.RequestSpec,
	tel *telemetry.Telemetry,
) (requestResult, *nexus.Link) {
	src := req.ActionSource()
	target := req.Stack()
	res := requestResult{Source: src.String(), Output: target.String()}

	ctx, span := tel.Tracer.StartRequestSpan(ctx, src, target)
	defer span.End()
	fail := func(err error) (requestResult, *nexus.Link) {
		telemetry.RecordError(span, err)
		res.Outcome = outcomeFailed
		res.Error = err.Error()
		return res, nil
	}

	future, err := net.grid.BeginCraftingJob(ctx, net.world, src, target, req.CraftingMode(), nil)
	if err != nil {
		return fail(err)
	}
	job, err := future.Wait(ctx)
	if err != nil {
		return fail(err)
	}

	if job.IsSimulation() {
		res.Outcome = outcomeSimulation
		if job.Plan != nil {
			for _, m := range job.Plan.Missing {
				res.Missing = append(res.Missing, m.String())
			}
		}
		telemetry.RecordSuccess(span)
		return res, nil
	}
	if !job.Submittable() {
		return fail(engine.NewComputationError("planner returned no plan", nil))
	}

	consumed := job.Plan.Consumed
	for i, s := range consumed {
		if _, err := ledger.Adjust(ctx, s.Fingerprint, -s.Quantity); err != nil {
			restock(ctx, net, ledger, consumed[:i])
			return fail(err)
		}
	}

	preferred := net.clusters[req.Cluster]
	link := net.grid.SubmitJob(job, nil, preferred, scn.PrioritizePower(), src)
	if link == nil {
		restock(ctx, net, ledger, consumed)
		res.Outcome = outcomeRejected
		telemetry.RecordSuccess(span)
		return res, nil
	}

	res.Outcome = outcomeSubmitted
	res.CraftingID = link.ID()
	if cpu := link.CPU(); cpu != nil {
		res.Cluster = cpu.Name()
	}
	rec := &stores.LinkRecord{ID: link.ID(), Output: target, Cluster: res.Cluster, Source: res.Source}
	if err := ledger.RecordLink(ctx, rec); err != nil {
		net.logger.Warn().Err(err).Str("crafting_id", link.ID()).Msg("Failed to record link")
	}
	telemetry.RecordSuccess(span)
	return res, link
}

func restock(ctx context.Context, net *network, ledger *stores.Ledger, stacks []engine.Stack) {
	for _, s := range stacks {
		if _, err := ledger.Adjust(ctx, s.Fingerprint, s.Quantity); err != nil {
			net.logger.Error().Err(err).Str("stack", s.String()).Msg("Failed to return consumed items")
		}
	}
}

func linkStatus(link *nexus.Link) stores.LinkStatus {
	switch {
	case link.IsDone():
		return stores.LinkStatusDone
	case link.IsCancelled():
		return stores.LinkStatusCancelled
	default:
		return stores.LinkStatusSubmitted
	}
}

func stockLines(stock map[engine.Fingerprint]int64) []stockLine {
	keys := make([]engine.Fingerprint, 0, len(stock))
	for f := range stock {
		keys = append(keys, f)
	}
	slices.SortFunc(keys, compareFingerprints)
	out := make([]stockLine, 0, len(keys))
	for _, f := range keys {
		out = append(out, stockLine{Item: f.String(), Quantity: stock[f]})
	}
	return out
}

func printReport(w io.Writer, report *simulationReport) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "Scenario %s: %d ticks, %d items produced\n\n", report.Scenario, report.Ticks, report.Produced)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tOUTPUT\tOUTCOME\tCLUSTER\tSTATUS\tDETAIL")
	for _, r := range report.Requests {
		detail := r.Error
		if len(r.Missing) > 0 {
			detail = fmt.Sprintf("missing %v", r.Missing)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Source, r.Output, r.Outcome, r.Cluster, r.Status, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLUSTER\tSTATE\tMAKING\tFREE")
	for _, c := range report.Clusters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.Name, c.State, c.Making, c.FreeStorage)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MEDIUM\tPUSHED")
	for _, m := range report.Mediums {
		fmt.Fprintf(tw, "%s\t%d\n", m.Name, m.Pushed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tQUANTITY")
	for _, s := range report.Stock {
		fmt.Fprintf(tw, "%s\t%d\n", s.Item, s.Quantity)
	}
	return tw.Flush()
}
