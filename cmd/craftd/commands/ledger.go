package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/craftgrid/pkg/stores"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

type ledgerReport struct {
	Craftable   []string             `json:"craftable"`
	Stock       []stockLine          `json:"stock"`
	Links       []*stores.LinkRecord `json:"links"`
	Alterations []*stores.Alteration `json:"alterations"`
}

func newLedgerCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the item ledger",
		Long: `Print the craftable set, stock levels, crafting link history and the
alteration history recorded in a ledger database.`,
		Example: `  craftd ledger --db craft.db --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			var report *ledgerReport
			err = telemetry.TraceOperation(ctx, "ledger.read", func(ctx context.Context) error {
				var rerr error
				report, rerr = readLedger(ctx, ledger, limit)
				return rerr
			})
			if err != nil {
				return err
			}
			return printLedger(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "ledger database path")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum history entries to show")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func readLedger(ctx context.Context, ledger *stores.Ledger, limit int) (*ledgerReport, error) {
	craftable, err := ledger.Craftable(ctx)
	if err != nil {
		return nil, err
	}
	stock, err := ledger.Stock(ctx)
	if err != nil {
		return nil, err
	}
	links, err := ledger.Links(ctx, limit, 0)
	if err != nil {
		return nil, err
	}
	alterations, err := ledger.Alterations(ctx, limit, 0)
	if err != nil {
		return nil, err
	}

	report := &ledgerReport{Stock: stockLines(stock), Links: links, Alterations: alterations}
	for _, f := range craftable {
		report.Craftable = append(report.Craftable, f.String())
	}
	return report, nil
}

func printLedger(w io.Writer, report *ledgerReport) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "Craftable (%d):\n", len(report.Craftable))
	for _, c := range report.Craftable {
		fmt.Fprintf(w, "  %s\n", c)
	}

	fmt.Fprintln(w, "\nStock:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range report.Stock {
		fmt.Fprintf(tw, "  %s\t%d\n", s.Item, s.Quantity)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nLinks:")
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, l := range report.Links {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", l.ID, l.Output, l.Cluster, l.Source, l.Status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nAlterations:")
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, a := range report.Alterations {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", a.Seq, a.RecordedAt.Format(time.RFC3339), a.Channel, a.Fingerprint, a.Source)
	}
	return tw.Flush()
}
