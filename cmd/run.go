package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geo-pipeline/internal/config"
	"github.com/sells-group/geo-pipeline/internal/metrics"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/monitoring"
	"github.com/sells-group/geo-pipeline/internal/pipeline"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

var (
	runSource string
	runStage  string
	runEnv    string
	runTS     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one source through bronze and/or silver",
	Example: `  geo-pipeline run --source bnbo_status
  geo-pipeline run --source cadastral --stage silver --run-ts 20250504T080000Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req, err := buildRequest(runSource, runStage, runEnv, runTS, cfg.Env)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Metrics.Addr != "" {
			metricsCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := metrics.Serve(metricsCtx, cfg.Metrics.Addr, env.Metrics); err != nil {
					zap.L().Warn("metrics server stopped", zap.Error(err))
				}
			}()
		}

		summary, runErr := env.Orchestrator.Run(ctx, req)
		alertRun(context.WithoutCancel(ctx), cfg.Monitoring, summary)
		if err := writeSummary(os.Stdout, summary); err != nil {
			return err
		}
		if runErr != nil {
			return eris.Wrapf(runErr, "run %s", req.Source)
		}
		return nil
	},
}

// buildRequest validates the run flags. envFallback applies when --env is
// not given.
func buildRequest(src, stage, env, ts, envFallback string) (pipeline.Request, error) {
	if src == "" {
		return pipeline.Request{}, eris.New("--source is required")
	}
	st, err := model.ParseStage(stage)
	if err != nil {
		return pipeline.Request{}, err
	}
	if env == "" {
		env = envFallback
	}
	e, err := model.ParseEnv(env)
	if err != nil {
		return pipeline.Request{}, err
	}
	req := pipeline.Request{Source: src, Stage: st, Env: e}
	if ts != "" {
		t, err := parseRunTS(ts)
		if err != nil {
			return pipeline.Request{}, err
		}
		req.RunTS = t
	}
	return req, nil
}

// parseRunTS accepts a partition key or RFC 3339.
func parseRunTS(s string) (time.Time, error) {
	if t, err := model.ParsePartitionKey(s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid --run-ts %q (want %s or RFC 3339)", s, model.PartitionLayout)
	}
	return t.UTC(), nil
}

// alertRun posts failed or degraded runs to the monitoring webhook and
// returns the number of alerts sent.
func alertRun(ctx context.Context, mc config.MonitoringConfig, summary *model.RunSummary) int {
	if mc.WebhookURL == "" {
		return 0
	}
	a := monitoring.NewAlerter(mc)
	return a.SendAlerts(ctx, a.EvaluateRun(summary))
}

// Process exit statuses. A run that produced no data at all exits with
// exitRunFatal so schedulers can tell it from a usage or config error.
const (
	exitError    = 1
	exitRunFatal = 2
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case resilience.IsFatal(err):
		return exitRunFatal
	default:
		return exitError
	}
}

func writeSummary(w io.Writer, summary *model.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "source name (see `geo-pipeline sources`)")
	runCmd.Flags().StringVar(&runStage, "stage", "all", "stage to run: bronze, silver, all")
	runCmd.Flags().StringVar(&runEnv, "env", "", "environment tag: prod, dev, test (default from config)")
	runCmd.Flags().StringVar(&runTS, "run-ts", "", "partition timestamp; silver runs default to the latest bronze partition")
	rootCmd.AddCommand(runCmd)
}
