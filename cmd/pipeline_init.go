package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geo-pipeline/internal/blobstore"
	"github.com/sells-group/geo-pipeline/internal/bronze"
	"github.com/sells-group/geo-pipeline/internal/config"
	"github.com/sells-group/geo-pipeline/internal/fetcher"
	"github.com/sells-group/geo-pipeline/internal/ingest"
	"github.com/sells-group/geo-pipeline/internal/metrics"
	"github.com/sells-group/geo-pipeline/internal/pipeline"
	"github.com/sells-group/geo-pipeline/internal/resilience"
	"github.com/sells-group/geo-pipeline/internal/runlog"
	"github.com/sells-group/geo-pipeline/internal/silver"
	"github.com/sells-group/geo-pipeline/internal/source"
)

// pipelineEnv holds everything the run command needs.
type pipelineEnv struct {
	Store        blobstore.Store
	Ledger       runlog.Ledger // may be nil
	Metrics      *metrics.Collector
	Registry     *source.Registry
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Ledger != nil {
		_ = pe.Ledger.Close()
	}
}

// initPipeline builds the store, ledger, engines and orchestrator from cfg.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, cfg *config.Config) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initBlobStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	reg, err := source.DefaultRegistry(cfg.SourcesFile)
	if err != nil {
		return nil, eris.Wrap(err, "load sources")
	}

	m := metrics.NewCollector()
	writer, err := bronze.NewWriter(st)
	if err != nil {
		return nil, err
	}
	reader, err := bronze.NewReader(st)
	if err != nil {
		return nil, err
	}
	engine, err := silver.NewEngine(st, silver.Options{
		TargetCRS:   cfg.Transform.TargetCRS,
		MemoryLimit: cfg.Transform.MemoryLimit,
		TempDir:     cfg.Transform.TempDir,
	}, m)
	if err != nil {
		return nil, err
	}

	ledger, err := runlog.Open(ctx, cfg.Runlog.Driver, cfg.Runlog.DSN)
	if err != nil {
		return nil, eris.Wrap(err, "open run ledger")
	}

	factory := source.NewFactory(reg, source.Deps{
		HTTP:     httpOptions(cfg.Fetch),
		Fetch:    ingestConfig(cfg.Fetch),
		Writer:   writer,
		Silver:   engine,
		Metrics:  m,
		PageSize: cfg.Fetch.PageSize,
	})

	zap.L().Debug("pipeline initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("runlog", cfg.Runlog.Driver),
		zap.Strings("sources", reg.Names()),
	)

	return &pipelineEnv{
		Store:    st,
		Ledger:   ledger,
		Metrics:  m,
		Registry: reg,
		Orchestrator: pipeline.New(pipeline.Options{
			Sources:    factory,
			Bronze:     reader,
			Ledger:     ledger,
			Metrics:    m,
			RunTimeout: cfg.Fetch.RunTimeout,
		}),
	}, nil
}

func initBlobStore(sc config.StoreConfig) (blobstore.Store, error) {
	switch sc.Backend {
	case "local":
		return blobstore.NewLocal(sc.Dir)
	case "s3":
		return blobstore.NewS3(blobstore.S3Options{
			Bucket:    sc.S3.Bucket,
			Prefix:    sc.S3.Prefix,
			Region:    sc.S3.Region,
			Endpoint:  sc.S3.Endpoint,
			PathStyle: sc.S3.PathStyle,
		})
	default:
		return nil, eris.Errorf("unsupported store backend: %s", sc.Backend)
	}
}

func httpOptions(fc config.FetchConfig) fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		UserAgent:          fc.UserAgent,
		ConnectTimeout:     fc.ConnectTimeout,
		ReadTimeout:        fc.ReadTimeout,
		MaxBodyBytes:       int64(fc.MaxBodyMB) << 20,
		InsecureSkipVerify: fc.InsecureSkipVerify,
		RatePerSec:         fc.RatePerSec,
	}
}

func ingestConfig(fc config.FetchConfig) ingest.Config {
	return ingest.Config{
		Concurrency:   fc.Concurrency,
		Retry:         resilience.FromRetryConfig(fc.MaxAttempts, fc.InitialBackoff, fc.MaxBackoff, fc.BackoffMultiplier, fc.Jitter),
		FailureStreak: fc.FailureStreak,
	}
}
