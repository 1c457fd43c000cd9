package silver

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geo-pipeline/internal/blobstore"
	"github.com/sells-group/geo-pipeline/internal/crs"
	"github.com/sells-group/geo-pipeline/internal/metrics"
	"github.com/sells-group/geo-pipeline/internal/model"
)

const (
	rootPrefix     = "silver"
	aggregatesFile = "aggregates.parquet"
	featuresFile   = "features.parquet"
)

// AggregatesKey returns the blob key of a run's aggregate file.
func AggregatesKey(source, runTS string) string {
	return blobstore.Join(rootPrefix, source, runTS, aggregatesFile)
}

// FeaturesKey returns the blob key of a run's cleaned feature file.
func FeaturesKey(source, runTS string) string {
	return blobstore.Join(rootPrefix, source, runTS, featuresFile)
}

// Options configures an Engine.
type Options struct {
	// TargetCRS is the canonical CRS. Defaults to EPSG:4326.
	TargetCRS string
	// MemoryLimit caps DuckDB memory, e.g. "2GB". Empty keeps the default.
	MemoryLimit string
	// TempDir holds Parquet files before upload. Empty uses os.TempDir.
	TempDir string
}

// Engine runs the transform stage and writes its output to the store.
type Engine struct {
	store   blobstore.Store
	target  crs.CRS
	opts    Options
	metrics *metrics.Collector
}

// NewEngine creates an Engine. m may be nil.
func NewEngine(store blobstore.Store, opts Options, m *metrics.Collector) (*Engine, error) {
	target := crs.CRS{Code: crs.WGS84}
	if opts.TargetCRS != "" {
		c, err := crs.Parse(opts.TargetCRS)
		if err != nil {
			return nil, eris.Wrap(err, "silver: target crs")
		}
		if !c.Supported() {
			return nil, eris.Errorf("silver: unsupported target crs %s", c)
		}
		target = c
	}
	return &Engine{store: store, target: target, opts: opts, metrics: m}, nil
}

// Result summarizes one transform.
type Result struct {
	Records           []model.AggregateRecord
	Input             int
	DuplicatesDropped int
	GeometryRejected  int
	AggregatesKey     string
	FeaturesKey       string
}

// Transform turns a run's bronze batches into aggregate records and
// overwrites the run's silver files. Zero surviving features is not an
// error: the files are written with their schema and no rows.
func (e *Engine) Transform(ctx context.Context, run *model.RunContext, batches []*model.BronzeBatch, plan Plan) (*Result, error) {
	start := time.Now()
	log := run.Log.With(zap.String("component", "silver"))

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	prep, err := e.prepare(ctx, run, batches, plan)
	if err != nil {
		return nil, err
	}

	db, err := openDuckDB(ctx, e.opts.MemoryLimit)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck

	if err := db.load(ctx, len(plan.Aggregation.GroupBy), prep.rows); err != nil {
		return nil, err
	}

	crsTag := e.target.String()
	records, err := db.aggregate(ctx, plan.Aggregation, crsTag)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(e.opts.TempDir, "geopipe-silver-*")
	if err != nil {
		return nil, eris.Wrap(err, "silver: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	aggPath := filepath.ToSlash(filepath.Join(dir, aggregatesFile))
	featPath := filepath.ToSlash(filepath.Join(dir, featuresFile))
	if err := db.copyAggregates(ctx, plan.Aggregation, crsTag, aggPath); err != nil {
		return nil, err
	}
	if err := db.copyFeatures(ctx, crsTag, featPath); err != nil {
		return nil, err
	}

	partition := run.PartitionKey()
	res := &Result{
		Records:           records,
		Input:             prep.input,
		DuplicatesDropped: prep.duplicates,
		GeometryRejected:  prep.rejected,
		AggregatesKey:     AggregatesKey(run.Source, partition),
		FeaturesKey:       FeaturesKey(run.Source, partition),
	}
	// Features first: a reader that sees the aggregates file can rely on
	// the feature file of the same run being complete.
	if err := e.upload(ctx, featPath, res.FeaturesKey); err != nil {
		return nil, err
	}
	if err := e.upload(ctx, aggPath, res.AggregatesKey); err != nil {
		return nil, err
	}

	e.metrics.Transformed(run.Source, res.GeometryRejected, len(records))
	log.Info("transform complete",
		zap.Int("input", res.Input),
		zap.Int("features", len(prep.rows)),
		zap.Int("duplicates_dropped", res.DuplicatesDropped),
		zap.Int("geometry_rejected", res.GeometryRejected),
		zap.Int("aggregate_rows", len(records)),
		zap.String("key", res.AggregatesKey),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (e *Engine) upload(ctx context.Context, path, key string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "silver: read %s", filepath.Base(path))
	}
	if err := e.store.Put(ctx, key, data); err != nil {
		return eris.Wrapf(err, "silver: put %s", key)
	}
	return nil
}
