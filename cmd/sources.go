package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/geo-pipeline/internal/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the configured sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := source.DefaultRegistry(cfg.SourcesFile)
		if err != nil {
			return err
		}
		formatSources(os.Stdout, reg.All())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

func formatSources(out io.Writer, defs []source.Definition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tKIND\tLAYER\tSRS\tGROUP_BY\tMEASURE")
	for _, d := range defs {
		layer := d.Layer
		if d.Kind == source.KindShapefile {
			layer = d.Path
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Name, d.Kind, orDash(layer), orDash(d.SRS),
			orDash(strings.Join(d.Aggregation.GroupBy, ",")), orDash(d.Aggregation.Measure))
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
