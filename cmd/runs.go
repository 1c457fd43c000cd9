package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/geo-pipeline/internal/runlog"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs from the run ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cfg.Runlog.Driver == "" {
			return eris.New("run ledger is disabled (set runlog.driver)")
		}
		ledger, err := runlog.Open(ctx, cfg.Runlog.Driver, cfg.Runlog.DSN)
		if err != nil {
			return err
		}
		defer ledger.Close() //nolint:errcheck

		src, _ := cmd.Flags().GetString("source")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := ledger.List(ctx, runlog.Filter{Source: src, Status: status, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, entries)
		return nil
	},
}

func init() {
	runsCmd.Flags().String("source", "", "filter by source name")
	runsCmd.Flags().String("status", "", "filter by status (running, done, failed)")
	runsCmd.Flags().Int("limit", 50, "max number of runs to display")
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, entries []runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTAGE\tRUN_TS\tSTATUS\tPAGES\tFAILED\tDROPPED\tROWS\tDURATION")
	for _, e := range entries {
		pages, failed, dropped, rows := "-", "-", "-", "-"
		if s := e.Summary; s != nil {
			pages = fmt.Sprint(s.PagesFetched)
			failed = fmt.Sprint(s.PagesFailed)
			dropped = fmt.Sprint(s.FeaturesDropped)
			rows = fmt.Sprint(s.AggregateRows)
		}
		dur := "-"
		if e.FinishedAt != nil {
			dur = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(e.ID), e.Source, e.Stage, e.RunTS, e.Status, pages, failed, dropped, rows, dur)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
