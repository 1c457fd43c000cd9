// Package ingest runs the fetch stage: it drives a pager with bounded
// concurrency, retries transient page failures and writes each decoded page
// to bronze.
package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/geo-pipeline/internal/featuresvc"
	"github.com/sells-group/geo-pipeline/internal/metrics"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// DefaultConcurrency is the page fetch ceiling when none is configured.
const DefaultConcurrency = 3

// DefaultFailureStreak stops speculative dispatch after this many
// consecutive page failures while the last page is still unknown.
const DefaultFailureStreak = 5

// BatchWriter persists one page. Implemented by bronze.Writer.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch *model.BronzeBatch) (string, error)
}

// Config tunes a Fetcher.
type Config struct {
	Concurrency   int
	Retry         resilience.RetryConfig
	FailureStreak int
}

// Fetcher is the bounded concurrency fetcher for one source.
type Fetcher struct {
	pager   featuresvc.Pager
	writer  BatchWriter
	cfg     Config
	metrics *metrics.Collector
}

// New creates a Fetcher. m may be nil.
func New(pager featuresvc.Pager, writer BatchWriter, cfg Config, m *metrics.Collector) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.FailureStreak <= 0 {
		cfg.FailureStreak = DefaultFailureStreak
	}
	return &Fetcher{pager: pager, writer: writer, cfg: cfg, metrics: m}
}

// Result summarizes a fetch stage.
type Result struct {
	Outcome         model.FetchOutcome
	PagesFetched    int
	Failures        []resilience.PageFailure
	RecordsFetched  int
	FeaturesDropped int
	// CaughtUp is the highest page K such that every page <= K has
	// completed, successfully or not. -1 when page 0 never completed.
	CaughtUp int
	// LastPage is the discovered final page index, or -1 if never found.
	LastPage int
}

// FailedPages returns the failed page indices in ascending order.
func (r *Result) FailedPages() []int {
	out := make([]int, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Page)
	}
	return out
}

// state is the bookkeeping shared by page tasks. Every field is guarded by mu.
type state struct {
	mu sync.Mutex

	end      int // last page index, -1 while unknown
	done     map[int]bool
	failures map[int]resilience.PageFailure
	fetched  int
	records  int
	dropped  int
	streak   int
	caughtUp int
}

func (s *state) stopDispatch(next, streakLimit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end >= 0 {
		return next > s.end
	}
	return s.streak >= streakLimit
}

// learnEnd narrows the known last page.
func (s *state) learnEnd(last int) {
	if last < 0 {
		return
	}
	if s.end < 0 || last < s.end {
		s.end = last
	}
}

func (s *state) beyondEnd(page int) bool {
	return s.end >= 0 && page > s.end
}

// complete marks page finished and advances the watermark.
func (s *state) complete(page int) {
	s.done[page] = true
	for s.done[s.caughtUp+1] {
		s.caughtUp++
	}
}

// Run fetches every page of the source for run. It returns a RunFatalError
// when no page succeeded. Cancellation stops dispatch; aborted pages are never
// written and count as failed.
func (f *Fetcher) Run(ctx context.Context, run *model.RunContext) (*Result, error) {
	log := run.Log.With(zap.String("component", "ingest"))
	st := &state{
		end:      -1,
		done:     make(map[int]bool),
		failures: make(map[int]resilience.PageFailure),
		caughtUp: -1,
	}

	sem := semaphore.NewWeighted(int64(f.cfg.Concurrency))
	var g errgroup.Group

	for ctx.Err() == nil {
		next := run.Cursor()
		if st.stopDispatch(next, f.cfg.FailureStreak) {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		// The end may have been discovered while waiting for a slot.
		if st.stopDispatch(next, f.cfg.FailureStreak) {
			sem.Release(1)
			break
		}
		page := run.NextPage()
		g.Go(func() error {
			defer sem.Release(1)
			f.fetchPage(ctx, run, log, st, page)
			return nil
		})
	}
	_ = g.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()

	res := &Result{
		PagesFetched:    st.fetched,
		RecordsFetched:  st.records,
		FeaturesDropped: st.dropped,
		CaughtUp:        st.caughtUp,
		LastPage:        st.end,
	}
	for page, pf := range st.failures {
		if st.beyondEnd(page) {
			continue
		}
		res.Failures = append(res.Failures, pf)
	}
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Page < res.Failures[j].Page })

	switch {
	case res.PagesFetched == 0:
		res.Outcome = model.FetchFatal
	case len(res.Failures) > 0:
		res.Outcome = model.FetchDegraded
	default:
		res.Outcome = model.FetchComplete
	}

	log.Info("fetch stage finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("pages_fetched", res.PagesFetched),
		zap.Int("pages_failed", len(res.Failures)),
		zap.Int("records", res.RecordsFetched),
		zap.Int("dropped", res.FeaturesDropped),
		zap.Int("caught_up", res.CaughtUp),
	)

	if res.Outcome == model.FetchFatal {
		var cause error
		if err := ctx.Err(); err != nil {
			cause = err
		} else if len(res.Failures) > 0 {
			cause = eris.New(res.Failures[0].Error)
		}
		return res, resilience.NewRunFatalError("no page fetched for "+run.Source, cause)
	}
	return res, nil
}

// fetchPage fetches, retries and writes one page, then records the outcome.
func (f *Fetcher) fetchPage(ctx context.Context, run *model.RunContext, log *zap.Logger, st *state, page int) {
	f.metrics.InFlight(run.Source, 1)
	defer f.metrics.InFlight(run.Source, -1)

	start := time.Now()
	plog := log.With(zap.Int("page", page))

	retry := f.cfg.Retry
	onRetry := resilience.RetryLogger(plog, "fetch_page")
	retry.OnRetry = func(attempt int, err error) {
		f.metrics.PageRetry(run.Source)
		onRetry(attempt, err)
	}

	p, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*featuresvc.Page, error) {
		return f.pager.FetchPage(ctx, page)
	})

	var batch *model.BronzeBatch
	if err == nil {
		batch, err = f.accept(ctx, run, plog, st, p)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	defer st.complete(page)

	if err == errDiscard {
		f.metrics.PageDone(run.Source, metrics.ResultDiscarded, time.Since(start))
		return
	}
	if err != nil {
		if st.beyondEnd(page) {
			f.metrics.PageDone(run.Source, metrics.ResultDiscarded, time.Since(start))
			return
		}
		pf := resilience.NewPageFailure(page, err)
		st.failures[page] = pf
		st.streak++
		f.metrics.PageDone(run.Source, metrics.ResultFailed, time.Since(start))
		plog.Error("page failed", zap.String("class", string(pf.Class)), zap.Error(err))
		return
	}

	st.fetched++
	st.records += batch.Len()
	st.dropped += batch.Dropped
	st.streak = 0
	f.metrics.PageDone(run.Source, metrics.ResultOK, time.Since(start))
	f.metrics.Fetched(run.Source, batch.Len(), batch.Dropped)
}

// errDiscard marks a page that lies past the end of the data.
var errDiscard = eris.New("ingest: page beyond end")

// accept records what the page says about the end of the data and writes it
// to bronze unless it lies past the end.
func (f *Fetcher) accept(ctx context.Context, run *model.RunContext, log *zap.Logger, st *state, p *featuresvc.Page) (*model.BronzeBatch, error) {
	size := f.pager.PageSize()

	st.mu.Lock()
	st.learnEnd(p.EndIndex(size))
	discard := st.beyondEnd(p.Index)
	st.mu.Unlock()

	if discard {
		return nil, errDiscard
	}
	// Abort before writing if the run was cancelled mid-flight.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, d := range p.Dropped {
		log.Warn("feature dropped", zap.String("feature_id", d.FeatureID), zap.String("ref", d.Ref), zap.Error(d.Err))
	}

	batch := &model.BronzeBatch{
		Source:  run.Source,
		RunTS:   run.StartedAt,
		Page:    p.Index,
		Records: p.Records,
		Dropped: len(p.Dropped),
	}
	// Puts are idempotent per page key, so a transient store failure is
	// retried like a fetch.
	retry := f.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(log, "write_page")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		_, err := f.writer.WriteBatch(ctx, batch)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: write page %d", p.Index)
	}
	log.Debug("page written", zap.Int("records", batch.Len()), zap.Int("dropped", batch.Dropped))
	return batch, nil
}
