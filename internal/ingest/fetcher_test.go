package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geo-pipeline/internal/featuresvc"
	"github.com/sells-group/geo-pipeline/internal/fetcher"
	"github.com/sells-group/geo-pipeline/internal/metrics"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// stubPager serves `pages` pages of `size` records; the last one holds
// lastSize records. Pages past the data are empty.
type stubPager struct {
	size     int
	pages    int
	lastSize int
	total    int
	dropped  int
	delay    time.Duration
	fail     func(page, attempt int) error
	block    func(page int) bool

	mu       sync.Mutex
	attempts map[int]int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newStubPager(size, pages int) *stubPager {
	return &stubPager{
		size:     size,
		pages:    pages,
		lastSize: size / 2,
		total:    featuresvc.UnknownTotal,
		attempts: make(map[int]int),
	}
}

func (s *stubPager) PageSize() int { return s.size }

func (s *stubPager) FetchPage(ctx context.Context, page int) (*featuresvc.Page, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxInFlight.Load()
		if cur <= prev || s.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	s.mu.Lock()
	s.attempts[page]++
	attempt := s.attempts[page]
	s.mu.Unlock()

	if s.block != nil && s.block(page) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail != nil {
		if err := s.fail(page, attempt); err != nil {
			return nil, err
		}
	}

	n := 0
	switch {
	case page < s.pages-1:
		n = s.size
	case page == s.pages-1:
		n = s.lastSize
	}
	out := &featuresvc.Page{Index: page, Total: s.total}
	for i := range n {
		if i < s.dropped {
			out.Dropped = append(out.Dropped, &resilience.DecodeError{FeatureID: "bad", Ref: "r", Err: errors.New("x")})
			continue
		}
		out.Records = append(out.Records, model.FeatureRecord{ID: fmt.Sprintf("p%d-%d", page, i)})
	}
	out.Returned = n
	return out, nil
}

func (s *stubPager) attemptsFor(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[page]
}

// memWriter keeps written batches in memory.
type memWriter struct {
	mu      sync.Mutex
	batches map[int]*model.BronzeBatch
	failOn  map[int]bool
	// flaky counts transient failures still to return per page.
	flaky  map[int]int
	writes map[int]int
}

func newMemWriter() *memWriter {
	return &memWriter{
		batches: make(map[int]*model.BronzeBatch),
		failOn:  make(map[int]bool),
		flaky:   make(map[int]int),
		writes:  make(map[int]int),
	}
}

func (w *memWriter) WriteBatch(_ context.Context, b *model.BronzeBatch) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes[b.Page]++
	if w.failOn[b.Page] {
		return "", errors.New("disk full")
	}
	if w.flaky[b.Page] > 0 {
		w.flaky[b.Page]--
		return "", resilience.NewTransientError(errors.New("s3: 503 slow down"), 503)
	}
	w.batches[b.Page] = b
	return fmt.Sprintf("page-%d", b.Page), nil
}

func (w *memWriter) pages() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int
	for p := range w.batches {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func newRun() *model.RunContext {
	return model.NewRunContext("bnbo_status", model.StageBronze, model.EnvTest, time.Now())
}

func TestRun_CeilingNeverExceeded(t *testing.T) {
	pager := newStubPager(10, 10)
	pager.delay = 10 * time.Millisecond
	pager.dropped = 1
	w := newMemWriter()

	f := New(pager, w, Config{Concurrency: 3, Retry: fastRetry()}, metrics.NewCollector())
	res, err := f.Run(context.Background(), newRun())
	require.NoError(t, err)

	assert.LessOrEqual(t, pager.maxInFlight.Load(), int32(3))
	assert.Greater(t, pager.maxInFlight.Load(), int32(1))

	assert.Equal(t, model.FetchComplete, res.Outcome)
	assert.Equal(t, 10, res.PagesFetched)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 9*9+4, res.RecordsFetched)
	assert.Equal(t, 10, res.FeaturesDropped)
	assert.Equal(t, 9, res.LastPage)
	assert.GreaterOrEqual(t, res.CaughtUp, 9)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, w.pages())
}

func TestRun_AllPagesFailIsFatal(t *testing.T) {
	pager := newStubPager(10, 100)
	pager.fail = func(int, int) error {
		return resilience.NewTransientError(errors.New("503"), 503)
	}
	w := newMemWriter()

	f := New(pager, w, Config{Concurrency: 3, Retry: fastRetry()}, nil)
	res, err := f.Run(context.Background(), newRun())
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))

	assert.Equal(t, model.FetchFatal, res.Outcome)
	assert.Equal(t, 0, res.PagesFetched)
	assert.GreaterOrEqual(t, len(res.Failures), DefaultFailureStreak)
	assert.Empty(t, w.pages())
	for _, pf := range res.Failures {
		assert.Equal(t, resilience.ClassTransient, pf.Class)
		assert.Equal(t, 3, pager.attemptsFor(pf.Page))
	}
}

func TestRun_PartialFailureIsDegraded(t *testing.T) {
	pager := newStubPager(10, 5)
	pager.lastSize = 10
	pager.total = 50
	pager.fail = func(page, _ int) error {
		if page == 2 {
			return resilience.NewRequestError(errors.New("400 bad STARTINDEX"), 400)
		}
		return nil
	}
	w := newMemWriter()

	res, err := New(pager, w, Config{Concurrency: 3, Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)

	assert.Equal(t, model.FetchDegraded, res.Outcome)
	assert.Equal(t, 4, res.PagesFetched)
	assert.Equal(t, []int{2}, res.FailedPages())
	assert.Equal(t, resilience.ClassRequest, res.Failures[0].Class)
	assert.Equal(t, 1, pager.attemptsFor(2), "request errors are never retried")
	assert.Equal(t, []int{0, 1, 3, 4}, w.pages())
	assert.Equal(t, 4, res.CaughtUp)
}

func TestRun_TransientFailureRetried(t *testing.T) {
	pager := newStubPager(10, 3)
	pager.fail = func(page, attempt int) error {
		if page == 1 && attempt == 1 {
			return resilience.NewTransientError(errors.New("read timeout"), 0)
		}
		return nil
	}
	w := newMemWriter()

	res, err := New(pager, w, Config{Concurrency: 2, Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)
	assert.Equal(t, model.FetchComplete, res.Outcome)
	assert.Equal(t, 2, pager.attemptsFor(1))
	assert.Equal(t, []int{0, 1, 2}, w.pages())
}

func TestRun_EmptyPageEndsData(t *testing.T) {
	pager := newStubPager(10, 2)
	pager.lastSize = 10
	w := newMemWriter()

	res, err := New(pager, w, Config{Concurrency: 3, Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)
	assert.Equal(t, model.FetchComplete, res.Outcome)
	assert.Equal(t, 1, res.LastPage)
	assert.Equal(t, 2, res.PagesFetched)
	assert.Equal(t, []int{0, 1}, w.pages())
}

func TestRun_EmptySource(t *testing.T) {
	pager := newStubPager(10, 0)
	w := newMemWriter()

	res, err := New(pager, w, Config{Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)
	assert.Equal(t, model.FetchComplete, res.Outcome)
	assert.Equal(t, 1, res.PagesFetched)
	assert.Equal(t, 0, res.RecordsFetched)
	assert.Equal(t, []int{0}, w.pages())
}

func TestRun_FailuresPastEndArePruned(t *testing.T) {
	pager := newStubPager(10, 2)
	pager.fail = func(page, _ int) error {
		if page >= 2 {
			return resilience.NewRequestError(errors.New("416"), 416)
		}
		return nil
	}
	pager.delay = 5 * time.Millisecond
	w := newMemWriter()

	res, err := New(pager, w, Config{Concurrency: 3, Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)
	assert.Equal(t, model.FetchComplete, res.Outcome)
	assert.Empty(t, res.Failures)
	assert.Equal(t, []int{0, 1}, w.pages())
}

func TestRun_WriteFailureRecorded(t *testing.T) {
	pager := newStubPager(10, 3)
	w := newMemWriter()
	w.failOn[1] = true

	res, err := New(pager, w, Config{Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)
	assert.Equal(t, model.FetchDegraded, res.Outcome)
	assert.Equal(t, []int{1}, res.FailedPages())
	assert.Contains(t, res.Failures[0].Error, "disk full")
}

func TestRun_CancellationLeavesNoPartialBatches(t *testing.T) {
	pager := newStubPager(10, 100)
	pager.block = func(page int) bool { return page >= 2 }
	w := newMemWriter()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type out struct {
		res *Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := New(pager, w, Config{Concurrency: 3, Retry: fastRetry()}, nil).Run(ctx, newRun())
		done <- out{res, err}
	}()

	require.Eventually(t, func() bool { return len(w.pages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pager.inFlight.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	var got out
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	require.NoError(t, got.err)
	assert.Equal(t, model.FetchDegraded, got.res.Outcome)
	assert.Equal(t, 2, got.res.PagesFetched)
	assert.Equal(t, []int{0, 1}, w.pages())
	assert.Equal(t, []int{2, 3, 4}, got.res.FailedPages())
	for _, pf := range got.res.Failures {
		assert.Equal(t, resilience.ClassCancelled, pf.Class)
	}
}

func TestRun_CancelledBeforeStartIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(newStubPager(10, 3), newMemWriter(), Config{}, nil).Run(ctx, newRun())
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.FetchFatal, res.Outcome)
}

func TestRun_CursorContinuesFromRunContext(t *testing.T) {
	run := newRun()
	require.Equal(t, 0, run.NextPage())
	require.Equal(t, 1, run.NextPage())

	pager := newStubPager(10, 4)
	w := newMemWriter()
	res, err := New(pager, w, Config{Retry: fastRetry()}, nil).Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, w.pages())
	assert.Equal(t, 2, res.PagesFetched)
	assert.Equal(t, 0, pager.attemptsFor(0))
}

// cappedArcGIS serves total point features but never more than limit per
// response, the way a layer with a low maxRecordCount does.
func cappedArcGIS(t *testing.T, total, limit int, hits map[string]int, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("resultOffset"))
		count, _ := strconv.Atoi(r.URL.Query().Get("resultRecordCount"))
		mu.Lock()
		hits[r.URL.Query().Get("resultOffset")]++
		mu.Unlock()

		n := min(count, limit, max(total-offset, 0))
		feats := make([]map[string]any, 0, n)
		for i := range n {
			feats = append(feats, map[string]any{
				"attributes": map[string]any{"OBJECTID": offset + i + 1},
				"geometry":   map[string]any{"x": 10.0, "y": 56.0},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"exceededTransferLimit": offset+n < total,
			"features":              feats,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_CappedArcGISPageIsNotSilent(t *testing.T) {
	var mu sync.Mutex
	hits := make(map[string]int)
	srv := cappedArcGIS(t, 6, 2, hits, &mu)

	pager := featuresvc.NewArcGISPager(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), featuresvc.Options{
		Source:   "agricultural_fields",
		URL:      srv.URL + "/layer/0",
		IDField:  "OBJECTID",
		PageSize: 4,
	})
	w := newMemWriter()

	res, err := New(pager, w, Config{Concurrency: 3, Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)

	// Page 0 came back capped at 2 of 4; features 3 and 4 are unreachable at
	// this page size, so the page is failed rather than written short.
	assert.Equal(t, model.FetchDegraded, res.Outcome)
	assert.Equal(t, []int{0}, res.FailedPages())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, resilience.ClassRequest, res.Failures[0].Class)
	assert.Contains(t, res.Failures[0].Error, "capped")
	assert.Equal(t, []int{1}, w.pages())
	assert.Equal(t, 2, res.RecordsFetched)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits["0"], "a capped page is not retried")
}

func TestRun_ArcGISWithinCapIsComplete(t *testing.T) {
	var mu sync.Mutex
	hits := make(map[string]int)
	srv := cappedArcGIS(t, 6, 2, hits, &mu)

	pager := featuresvc.NewArcGISPager(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), featuresvc.Options{
		Source:   "agricultural_fields",
		URL:      srv.URL + "/layer/0",
		IDField:  "OBJECTID",
		PageSize: 2,
	})
	w := newMemWriter()

	res, err := New(pager, w, Config{Concurrency: 3, Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)
	assert.Equal(t, model.FetchComplete, res.Outcome)
	assert.Equal(t, 6, res.RecordsFetched)
	assert.Equal(t, []int{0, 1, 2}, w.pages())
}

func TestRun_TransientWriteFailureRetried(t *testing.T) {
	pager := newStubPager(10, 2)
	w := newMemWriter()
	w.flaky[1] = 2

	res, err := New(pager, w, Config{Concurrency: 2, Retry: fastRetry()}, nil).Run(context.Background(), newRun())
	require.NoError(t, err)
	assert.Equal(t, model.FetchComplete, res.Outcome)
	assert.Equal(t, []int{0, 1}, w.pages())

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 3, w.writes[1])
	assert.Equal(t, 1, pager.attemptsFor(1), "the page is not fetched again")
}
