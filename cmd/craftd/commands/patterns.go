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
)

type patternLine struct {
	Output   string   `json:"output"`
	Pattern  string   `json:"pattern"`
	Priority int      `json:"priority"`
	Inputs   []string `json:"inputs,omitempty"`
	Mediums  []string `json:"mediums"`
}

func newPatternsCommand() *cobra.Command {
	var (
		scenarioPath string
		item         string
		variant      int
		tag          string
	)

	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Show the pattern catalog of a scenario",
		Long: `Rebuild the catalog from a scenario's providers and print the patterns
producing each output, highest priority first.

With --item only the patterns for that item are shown, including
substitution-eligible patterns whose outputs match fuzzily.`,
		Example: `  # Full catalog
  craftd patterns -f factory.yaml

  # Patterns able to produce planks of any wear
  craftd patterns -f factory.yaml --item planks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scn, err := config.Load(scenarioPath)
			if err != nil {
				return err
			}
			tel, err := setupTelemetry(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()

			net, err := newNetwork(scn, tel, nil)
			if err != nil {
				return err
			}
			defer net.Close()
			net.grid.Tick(cmd.Context())

			var lines []patternLine
			if item != "" {
				f := engine.Fingerprint{Item: item, Variant: variant, Tag: tag}
				lines = net.patternLines(f, net.grid.Catalog().LookupFuzzy(f))
			} else {
				patterns := net.grid.CraftingPatterns()
				outputs := make([]engine.Fingerprint, 0, len(patterns))
				for f := range patterns {
					outputs = append(outputs, f)
				}
				slices.SortFunc(outputs, compareFingerprints)
				for _, f := range outputs {
					lines = append(lines, net.patternLines(f, patterns[f])...)
				}
			}
			return printPatterns(cmd.OutOrStdout(), lines)
		},
	}

	cmd.Flags().StringVarP(&scenarioPath, "file", "f", "", "scenario file path")
	cmd.Flags().StringVar(&item, "item", "", "only show patterns for this item")
	cmd.Flags().IntVar(&variant, "variant", 0, "variant of --item")
	cmd.Flags().StringVar(&tag, "tag", "", "tag of --item")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func (n *network) patternLines(output engine.Fingerprint, patterns []engine.Pattern) []patternLine {
	out := make([]patternLine, 0, len(patterns))
	for _, p := range patterns {
		line := patternLine{Output: output.String(), Pattern: p.Name(), Priority: p.Priority(), Mediums: []string{}}
		for _, in := range p.Inputs() {
			line.Inputs = append(line.Inputs, in.String())
		}
		for _, m := range n.grid.Mediums(p) {
			line.Mediums = append(line.Mediums, m.Name())
		}
		out = append(out, line)
	}
	return out
}

func compareFingerprints(a, b engine.Fingerprint) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

func printPatterns(w io.Writer, lines []patternLine) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(lines)
	}
	if len(lines) == 0 {
		_, err := fmt.Fprintln(w, "No patterns")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTPUT\tPATTERN\tPRIORITY\tINPUTS\tMEDIUMS")
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%v\n", l.Output, l.Pattern, l.Priority, l.Inputs, l.Mediums)
	}
	return tw.Flush()
}
