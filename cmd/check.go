package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/geo-pipeline/internal/monitoring"
	"github.com/sells-group/geo-pipeline/internal/runlog"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate recent runs in the ledger and send health alerts",
	Example: `  geo-pipeline check
  geo-pipeline check --watch`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Runlog.Driver == "" {
			return eris.New("run ledger is disabled (set runlog.driver)")
		}
		ledger, err := runlog.Open(ctx, cfg.Runlog.Driver, cfg.Runlog.DSN)
		if err != nil {
			return err
		}
		defer ledger.Close() //nolint:errcheck

		collector := monitoring.NewCollector(ledger)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		watch, _ := cmd.Flags().GetBool("watch")
		if watch {
			checker.Run(ctx)
			return nil
		}

		snap, err := collector.Collect(ctx, cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return err
		}
		alerts := checker.Check(ctx)
		return writeCheck(os.Stdout, snap, alerts)
	},
}

func init() {
	checkCmd.Flags().Bool("watch", false, "keep checking every monitoring.check_interval_secs")
	rootCmd.AddCommand(checkCmd)
}

// writeCheck prints the snapshot and any triggered alerts as JSON.
func writeCheck(w io.Writer, snap *monitoring.Snapshot, alerts []monitoring.Alert) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		Snapshot *monitoring.Snapshot `json:"snapshot"`
		Alerts   []monitoring.Alert   `json:"alerts"`
	}{snap, alerts}); err != nil {
		return eris.Wrap(err, "check: encode")
	}
	if len(alerts) > 0 {
		fmt.Fprintf(os.Stderr, "%d alert(s) triggered\n", len(alerts))
	}
	return nil
}
