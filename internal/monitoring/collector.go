package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/runlog"
)

// collectLimit bounds how many ledger rows one snapshot reads.
const collectLimit = 10000

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	Total    int `json:"total"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Running  int `json:"running"`
	Degraded int `json:"degraded"`

	// FailRate is Failed over finished runs.
	FailRate float64 `json:"fail_rate"`

	PagesFailed     int `json:"pages_failed"`
	RecordsFetched  int `json:"records_fetched"`
	FeaturesDropped int `json:"features_dropped"`
	// DropRate is FeaturesDropped over fetched plus dropped features.
	DropRate float64 `json:"drop_rate"`

	// FailedSources lists sources with at least one failed run, in ledger order.
	FailedSources []string `json:"failed_sources,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector builds snapshots from the run ledger.
type Collector struct {
	ledger runlog.Ledger
	now    func() time.Time
}

// NewCollector creates a collector reading from ledger.
func NewCollector(ledger runlog.Ledger) *Collector {
	return &Collector{ledger: ledger, now: time.Now}
}

// Collect summarizes the runs started within the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	entries, err := c.ledger.List(ctx, runlog.Filter{
		Since: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit: collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	seen := make(map[string]bool)
	snap.Total = len(entries)
	for _, e := range entries {
		switch e.Status {
		case runlog.StatusDone:
			snap.Done++
		case runlog.StatusFailed:
			snap.Failed++
			if !seen[e.Source] {
				seen[e.Source] = true
				snap.FailedSources = append(snap.FailedSources, e.Source)
			}
		case runlog.StatusRunning:
			snap.Running++
		}
		if e.Summary == nil {
			continue
		}
		if e.Summary.FetchOutcome == model.FetchDegraded {
			snap.Degraded++
		}
		snap.PagesFailed += e.Summary.PagesFailed
		snap.RecordsFetched += e.Summary.RecordsFetched
		snap.FeaturesDropped += e.Summary.FeaturesDropped
	}

	if finished := snap.Done + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	if seenFeatures := snap.RecordsFetched + snap.FeaturesDropped; seenFeatures > 0 {
		snap.DropRate = float64(snap.FeaturesDropped) / float64(seenFeatures)
	}
	return snap, nil
}
