package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/runlog"
)

// mockLedger implements runlog.Ledger for testing.
type mockLedger struct {
	entries []runlog.Entry
	listErr error
	filters []runlog.Filter
}

func (m *mockLedger) List(_ context.Context, filter runlog.Filter) ([]runlog.Entry, error) {
	m.filters = append(m.filters, filter)
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []runlog.Entry
	for _, e := range m.entries {
		if !filter.Since.IsZero() && e.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockLedger) Start(context.Context, string, model.Stage, time.Time) (string, error) {
	return "", nil
}
func (m *mockLedger) Complete(context.Context, string, *model.RunSummary) error { return nil }
func (m *mockLedger) Fail(context.Context, string, *model.RunSummary) error     { return nil }
func (m *mockLedger) Close() error                                             { return nil }

var collectNow = time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestCollector(l runlog.Ledger) *Collector {
	c := NewCollector(l)
	c.now = func() time.Time { return collectNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	recent := collectNow.Add(-time.Hour)
	ledger := &mockLedger{entries: []runlog.Entry{
		{Source: "bnbo_status", Status: runlog.StatusDone, StartedAt: recent, Summary: &model.RunSummary{
			FetchOutcome: model.FetchComplete, RecordsFetched: 90, FeaturesDropped: 10,
		}},
		{Source: "cadastral", Status: runlog.StatusDone, StartedAt: recent, Summary: &model.RunSummary{
			FetchOutcome: model.FetchDegraded, PagesFailed: 2, RecordsFetched: 100,
		}},
		{Source: "wetlands", Status: runlog.StatusFailed, StartedAt: recent, Summary: &model.RunSummary{
			FetchOutcome: model.FetchFatal, PagesFailed: 3,
		}},
		{Source: "wetlands", Status: runlog.StatusFailed, StartedAt: recent},
		{Source: "roads", Status: runlog.StatusRunning, StartedAt: recent},
		{Source: "old", Status: runlog.StatusFailed, StartedAt: collectNow.Add(-48 * time.Hour)},
	}}

	snap, err := newTestCollector(ledger).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 2, snap.Done)
	assert.Equal(t, 2, snap.Failed)
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 1, snap.Degraded)
	assert.InDelta(t, 0.5, snap.FailRate, 0.001)
	assert.Equal(t, 5, snap.PagesFailed)
	assert.Equal(t, 190, snap.RecordsFetched)
	assert.Equal(t, 10, snap.FeaturesDropped)
	assert.InDelta(t, 0.05, snap.DropRate, 0.001)
	assert.Equal(t, []string{"wetlands"}, snap.FailedSources)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, collectNow, snap.CollectedAt)

	require.Len(t, ledger.filters, 1)
	assert.Equal(t, collectNow.Add(-24*time.Hour), ledger.filters[0].Since)
	assert.Equal(t, collectLimit, ledger.filters[0].Limit)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := newTestCollector(&mockLedger{}).Collect(context.Background(), 6)
	require.NoError(t, err)
	assert.Zero(t, snap.Total)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.DropRate)
}

func TestCollector_ListError(t *testing.T) {
	ledger := &mockLedger{listErr: errors.New("db down")}
	_, err := newTestCollector(ledger).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list runs")
}
