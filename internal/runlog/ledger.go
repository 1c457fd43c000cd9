// Package runlog records one row per pipeline run so operators can see what
// ran, when, and how it ended.
package runlog

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/model"
)

// Status values stored in the ledger. Running rows belong to runs that are
// in progress or whose process died before finishing.
const (
	StatusRunning = "running"
	StatusDone    = string(model.RunDone)
	StatusFailed  = string(model.RunFailed)
)

// DefaultListLimit caps List when the filter gives no limit.
const DefaultListLimit = 100

// Ledger persists run records.
type Ledger interface {
	Start(ctx context.Context, source string, stage model.Stage, runTS time.Time) (string, error)
	Complete(ctx context.Context, id string, summary *model.RunSummary) error
	Fail(ctx context.Context, id string, summary *model.RunSummary) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
}

// Entry is one ledger row.
type Entry struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Stage      model.Stage       `json:"stage"`
	RunTS      string            `json:"run_ts"`
	Status     string            `json:"status"`
	Summary    *model.RunSummary `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Filter narrows List. Zero values mean no restriction.
type Filter struct {
	Source string
	Status string
	// Since keeps runs started at or after this instant.
	Since time.Time
	Limit int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Open returns the ledger for driver. An empty driver disables the ledger
// and returns a nil Ledger.
func Open(ctx context.Context, driver, dsn string) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch driver {
	case "":
		return nil, nil
	case "sqlite":
		l, err = NewSQLite(dsn)
	case "postgres":
		l, err = NewPostgres(ctx, dsn)
	default:
		return nil, eris.Errorf("runlog: unknown driver %q (valid: sqlite, postgres)", driver)
	}
	if err != nil {
		return nil, err
	}
	m, ok := l.(interface{ Migrate(context.Context) error })
	if ok {
		if err := m.Migrate(ctx); err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	return l, nil
}

func finishStatus(summary *model.RunSummary, fallback string) string {
	if summary != nil && summary.Status != "" {
		return string(summary.Status)
	}
	return fallback
}

func summaryError(summary *model.RunSummary) string {
	if summary == nil {
		return ""
	}
	return summary.Error
}
