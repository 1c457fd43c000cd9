package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/model"
)

// Pool is the subset of pgxpool.Pool the ledger uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Ledger on a pgx connection pool.
type Postgres struct {
	pool    Pool
	closeFn func()
}

// NewPostgres connects to connString with a small pool.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &Postgres{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	run_ts      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     JSONB,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_source ON pipeline_runs(source);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at);
`

// Migrate creates the ledger table.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (p *Postgres) Close() error {
	if p.closeFn != nil {
		p.closeFn()
	}
	return nil
}

// Start inserts a running row and returns its id.
func (p *Postgres) Start(ctx context.Context, source string, stage model.Stage, runTS time.Time) (string, error) {
	id := uuid.New().String()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, source, stage, run_ts, status, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, source, string(stage), runTS.UTC().Format(model.PartitionLayout), StatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert run")
	}
	return id, nil
}

// Complete stores the summary of a finished run.
func (p *Postgres) Complete(ctx context.Context, id string, summary *model.RunSummary) error {
	return p.finish(ctx, id, finishStatus(summary, StatusDone), summary)
}

// Fail stores the summary of a failed run.
func (p *Postgres) Fail(ctx context.Context, id string, summary *model.RunSummary) error {
	return p.finish(ctx, id, StatusFailed, summary)
}

func (p *Postgres) finish(ctx context.Context, id, status string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, summary = $2, error = $3, finished_at = $4 WHERE id = $5`,
		status, summaryJSON, summaryError(summary), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

// List returns runs newest first.
func (p *Postgres) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		where = append(where, fmt.Sprintf("started_at >= $%d", len(args)))
	}

	query := `SELECT id, source, stage, run_ts, status, summary::text, error, started_at, finished_at FROM pipeline_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(" ORDER BY started_at DESC, id LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}
