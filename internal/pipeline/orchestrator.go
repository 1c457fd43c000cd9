// Package pipeline drives one run of one source through the fetch and
// transform stages and reports a single summary for it.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geo-pipeline/internal/ingest"
	"github.com/sells-group/geo-pipeline/internal/metrics"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/runlog"
	"github.com/sells-group/geo-pipeline/internal/source"
)

// State is a position in the run state machine.
type State string

const (
	StateIdle               State = "idle"
	StateFetchingBronze     State = "fetching_bronze"
	StateTransformingSilver State = "transforming_silver"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Resolver builds the Source for a name. Implemented by source.Factory.
type Resolver interface {
	Resolve(name string) (source.Source, error)
}

// BronzeReader loads committed bronze partitions. Implemented by
// bronze.Reader.
type BronzeReader interface {
	Latest(ctx context.Context, source string) (time.Time, error)
	ReadRun(ctx context.Context, source string, runTS time.Time) ([]*model.BronzeBatch, error)
}

// Options configures an Orchestrator.
type Options struct {
	Sources Resolver
	Bronze  BronzeReader
	// Ledger is optional.
	Ledger  runlog.Ledger
	Metrics *metrics.Collector
	// RunTimeout bounds the fetch stage. Zero means no limit.
	RunTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs the state machine for one source run at a time. It holds
// no per-run state, so one Orchestrator may serve sequential runs.
type Orchestrator struct {
	opts Options
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts}
}

// Request is one invocation.
type Request struct {
	Source string
	Stage  model.Stage
	Env    model.Env
	// RunTS selects the partition. For silver runs a zero RunTS means the
	// latest bronze partition; for bronze and all it defaults to now.
	RunTS time.Time
}

// run is the bookkeeping of one execution.
type run struct {
	ctx     *model.RunContext
	summary *model.RunSummary
	state   State
	log     *zap.Logger
}

func (r *run) transition(s State) {
	r.log.Info("pipeline: state transition", zap.String("from", string(r.state)), zap.String("to", string(s)))
	r.state = s
	r.summary.States = append(r.summary.States, string(s))
}

// Run executes req and returns its summary. The error is non-nil exactly
// when the run ends Failed; the summary is always returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*model.RunSummary, error) {
	start := time.Now()
	if req.Stage == "" {
		req.Stage = model.StageAll
	}
	if req.Env == "" {
		req.Env = model.EnvProd
	}

	r := &run{
		state: StateIdle,
		summary: &model.RunSummary{
			Source: req.Source,
			Stage:  req.Stage,
			Env:    req.Env,
			States: []string{string(StateIdle)},
		},
		log: zap.L().With(zap.String("component", "pipeline"), zap.String("source", req.Source), zap.String("stage", string(req.Stage))),
	}

	err := o.execute(ctx, req, r)
	if err != nil {
		r.summary.Status = model.RunFailed
		r.summary.Error = err.Error()
		r.transition(StateFailed)
		r.log.Error("pipeline: run failed", zap.Error(err))
	} else {
		r.summary.Status = model.RunDone
		r.transition(StateDone)
		r.log.Info("pipeline: run done",
			zap.Int("pages_fetched", r.summary.PagesFetched),
			zap.Int("pages_failed", r.summary.PagesFailed),
			zap.Int("features_dropped", r.summary.FeaturesDropped),
			zap.Int("aggregate_rows", r.summary.AggregateRows),
		)
	}

	o.finishLedger(ctx, r)
	o.opts.Metrics.RunDone(req.Source, string(req.Stage), string(r.summary.Status), time.Since(start))
	return r.summary, err
}

func (o *Orchestrator) execute(ctx context.Context, req Request, r *run) error {
	if o.opts.Sources == nil {
		return eris.New("pipeline: no source resolver configured")
	}
	src, err := o.opts.Sources.Resolve(req.Source)
	if err != nil {
		return eris.Wrapf(err, "pipeline: resolve source %s", req.Source)
	}

	runTS, err := o.runTimestamp(ctx, req)
	if err != nil {
		return err
	}
	r.ctx = model.NewRunContext(req.Source, req.Stage, req.Env, runTS)
	r.summary.RunTS = r.ctx.PartitionKey()
	r.log = r.log.With(zap.String("run_ts", r.summary.RunTS))
	o.startLedger(ctx, r)

	if req.Stage.IncludesBronze() {
		r.transition(StateFetchingBronze)
		if err := o.fetch(ctx, src, r); err != nil {
			return err
		}
	}
	if req.Stage.IncludesSilver() {
		r.transition(StateTransformingSilver)
		if err := o.transform(ctx, src, r, req.Stage == model.StageSilver); err != nil {
			return err
		}
	}
	return nil
}

// runTimestamp resolves the partition key of the run.
func (o *Orchestrator) runTimestamp(ctx context.Context, req Request) (time.Time, error) {
	if !req.RunTS.IsZero() {
		return req.RunTS.UTC(), nil
	}
	if req.Stage != model.StageSilver {
		return o.opts.Now().UTC(), nil
	}
	if o.opts.Bronze == nil {
		return time.Time{}, eris.New("pipeline: no bronze reader configured")
	}
	return o.opts.Bronze.Latest(ctx, req.Source)
}

func (o *Orchestrator) fetch(ctx context.Context, src source.Source, r *run) error {
	fetchCtx := ctx
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	res, err := src.Fetch(fetchCtx, r.ctx)
	if res != nil {
		applyFetch(r.summary, res)
	}
	if err != nil {
		return err
	}
	if res.Outcome == model.FetchDegraded {
		r.log.Warn("pipeline: fetch degraded", zap.Ints("failed_pages", r.summary.FailedPages))
	}
	return nil
}

func applyFetch(s *model.RunSummary, res *ingest.Result) {
	s.FetchOutcome = res.Outcome
	s.PagesFetched = res.PagesFetched
	s.PagesFailed = len(res.Failures)
	s.FailedPages = res.FailedPages()
	if res.CaughtUp >= 0 {
		caughtUp := res.CaughtUp
		s.CaughtUpPage = &caughtUp
	}
	s.RecordsFetched = res.RecordsFetched
	s.FeaturesDropped += res.FeaturesDropped
}

// transform reads the run's bronze partition and hands it to the source.
// Silver-only runs also account for the decode drops recorded in bronze,
// since no fetch stage reported them.
func (o *Orchestrator) transform(ctx context.Context, src source.Source, r *run, silverOnly bool) error {
	if o.opts.Bronze == nil {
		return eris.New("pipeline: no bronze reader configured")
	}
	batches, err := o.opts.Bronze.ReadRun(ctx, r.ctx.Source, r.ctx.StartedAt)
	if err != nil {
		return err
	}
	if silverOnly {
		for _, b := range batches {
			r.summary.FeaturesDropped += b.Dropped
		}
	}

	res, err := src.Transform(ctx, r.ctx, batches)
	if err != nil {
		return eris.Wrapf(err, "pipeline: transform %s", r.ctx.Source)
	}
	r.summary.FeaturesDropped += res.GeometryRejected
	r.summary.GeometryRejected = res.GeometryRejected
	r.summary.DuplicatesDropped = res.DuplicatesDropped
	r.summary.AggregateRows = len(res.Records)
	r.summary.SilverKey = res.AggregatesKey
	return nil
}

func (o *Orchestrator) startLedger(ctx context.Context, r *run) {
	if o.opts.Ledger == nil {
		return
	}
	id, err := o.opts.Ledger.Start(ctx, r.ctx.Source, r.ctx.Stage, r.ctx.StartedAt)
	if err != nil {
		r.log.Warn("pipeline: failed to record run start", zap.Error(err))
		return
	}
	r.ctx.ID = id
	r.summary.RunID = id
}

func (o *Orchestrator) finishLedger(ctx context.Context, r *run) {
	if o.opts.Ledger == nil || r.summary.RunID == "" {
		return
	}
	// The run context may be done after a cancellation; the ledger row
	// should still be closed.
	ctx = context.WithoutCancel(ctx)
	var err error
	if r.summary.Status == model.RunFailed {
		err = o.opts.Ledger.Fail(ctx, r.summary.RunID, r.summary)
	} else {
		err = o.opts.Ledger.Complete(ctx, r.summary.RunID, r.summary)
	}
	if err != nil {
		r.log.Warn("pipeline: failed to record run end", zap.Error(err))
	}
}
