package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/geo-pipeline/internal/model"
)

// SQLite implements Ledger on a local modernc.org/sqlite file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	run_ts      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     TEXT,
	error       TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_source ON pipeline_runs(source);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at);
`

// Migrate creates the ledger table.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Start inserts a running row and returns its id.
func (s *SQLite) Start(ctx context.Context, source string, stage model.Stage, runTS time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, source, stage, run_ts, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, source, string(stage), runTS.UTC().Format(model.PartitionLayout), StatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert run")
	}
	return id, nil
}

// Complete stores the summary of a finished run.
func (s *SQLite) Complete(ctx context.Context, id string, summary *model.RunSummary) error {
	return s.finish(ctx, id, finishStatus(summary, StatusDone), summary)
}

// Fail stores the summary of a failed run.
func (s *SQLite) Fail(ctx context.Context, id string, summary *model.RunSummary) error {
	return s.finish(ctx, id, StatusFailed, summary)
}

func (s *SQLite) finish(ctx context.Context, id, status string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, summary = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, string(summaryJSON), summaryError(summary), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", id)
	}
	return checkRowsAffected(res, id)
}

// List returns runs newest first.
func (s *SQLite) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT id, source, stage, run_ts, status, summary, error, started_at, finished_at FROM pipeline_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (Entry, error) {
	var (
		e        Entry
		stage    string
		summary  sql.NullString
		errText  sql.NullString
		finished sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.Source, &stage, &e.RunTS, &e.Status, &summary, &errText, &e.StartedAt, &finished); err != nil {
		return Entry{}, err
	}
	e.Stage = model.Stage(stage)
	e.Error = errText.String
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	if summary.Valid && summary.String != "" && summary.String != "null" {
		var rs model.RunSummary
		if err := json.Unmarshal([]byte(summary.String), &rs); err != nil {
			return Entry{}, eris.Wrap(err, "unmarshal summary")
		}
		e.Summary = &rs
	}
	return e, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}
