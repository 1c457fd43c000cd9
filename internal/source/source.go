package source

import (
	"context"
	"maps"
	"os"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/featuresvc"
	"github.com/sells-group/geo-pipeline/internal/fetcher"
	"github.com/sells-group/geo-pipeline/internal/ingest"
	"github.com/sells-group/geo-pipeline/internal/metrics"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/silver"
)

// Source is what the orchestrator drives for one run: fetch pages into
// bronze, then transform a bronze partition into silver.
type Source interface {
	Name() string
	Fetch(ctx context.Context, run *model.RunContext) (*ingest.Result, error)
	Transform(ctx context.Context, run *model.RunContext, batches []*model.BronzeBatch) (*silver.Result, error)
}

// Transformer is implemented by silver.Engine.
type Transformer interface {
	Transform(ctx context.Context, run *model.RunContext, batches []*model.BronzeBatch, plan silver.Plan) (*silver.Result, error)
}

// Deps are the shared collaborators a source is built from.
type Deps struct {
	HTTP    fetcher.HTTPOptions
	Fetch   ingest.Config
	Writer  ingest.BatchWriter
	Silver  Transformer
	Metrics *metrics.Collector
	// PageSize applies to definitions without their own page size.
	PageSize int
	// Fetcher overrides the HTTP fetcher built from HTTP.
	Fetcher fetcher.Fetcher
	// Now stamps provenance; defaults to time.Now.
	Now func() time.Time
}

// featureSource is the one Source implementation; the kind only decides
// which pager is built.
type featureSource struct {
	def   Definition
	pager featuresvc.Pager
	deps  Deps
}

// New builds the Source for def.
func New(def Definition, deps Deps) (Source, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.PageSize == 0 {
		def.PageSize = deps.PageSize
	}
	f := deps.Fetcher
	if f == nil {
		opts := deps.HTTP
		opts.Headers = make(map[string]string, len(deps.HTTP.Headers)+len(def.Headers))
		maps.Copy(opts.Headers, deps.HTTP.Headers)
		for k, v := range def.Headers {
			opts.Headers[k] = os.ExpandEnv(v)
		}
		f = fetcher.NewHTTPFetcher(opts)
	}
	pager, err := NewPager(def, f, deps.Now)
	if err != nil {
		return nil, err
	}
	return &featureSource{def: def, pager: pager, deps: deps}, nil
}

// NewPager builds the pager for def's kind.
func NewPager(def Definition, f fetcher.Fetcher, now func() time.Time) (featuresvc.Pager, error) {
	opts := featuresvc.Options{
		Source:   def.Name,
		URL:      def.URL,
		Layer:    def.Layer,
		SRS:      def.SRS,
		IDField:  def.IDField,
		PageSize: def.PageSize,
		Window:   time.Duration(def.WindowDays) * 24 * time.Hour,
		Now:      now,
	}
	if len(def.Query) > 0 {
		opts.Query = make(map[string]string, len(def.Query))
		for k, v := range def.Query {
			opts.Query[k] = os.ExpandEnv(v)
		}
	}
	switch def.Kind {
	case KindWFS:
		return featuresvc.NewWFSPager(f, opts), nil
	case KindArcGIS:
		return featuresvc.NewArcGISPager(f, opts), nil
	case KindOGCAPI:
		return featuresvc.NewOGCAPIPager(f, opts), nil
	case KindShapefile:
		opts.URL = def.Path
		return featuresvc.NewShapefilePager(opts), nil
	default:
		return nil, eris.Errorf("source %s: no pager for kind %q", def.Name, def.Kind)
	}
}

func (s *featureSource) Name() string { return s.def.Name }

// Fetch runs the bounded concurrency fetcher over the source's pager.
func (s *featureSource) Fetch(ctx context.Context, run *model.RunContext) (*ingest.Result, error) {
	if s.deps.Writer == nil {
		return nil, eris.Errorf("source %s: no bronze writer configured", s.def.Name)
	}
	cfg := s.deps.Fetch
	if s.def.Concurrency > 0 {
		cfg.Concurrency = s.def.Concurrency
	}
	return ingest.New(s.pager, s.deps.Writer, cfg, s.deps.Metrics).Run(ctx, run)
}

// Transform runs the silver engine with the source's plan.
func (s *featureSource) Transform(ctx context.Context, run *model.RunContext, batches []*model.BronzeBatch) (*silver.Result, error) {
	if s.deps.Silver == nil {
		return nil, eris.Errorf("source %s: no transform engine configured", s.def.Name)
	}
	return s.deps.Silver.Transform(ctx, run, batches, s.def.Plan())
}
