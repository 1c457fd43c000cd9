package silver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/model"
)

const featuresTable = "features"

// duckDB wraps one in-memory DuckDB database that lives for one transform.
type duckDB struct {
	db *sql.DB
}

// openDuckDB opens an in-memory database. threads is pinned to 1 so that
// floating point aggregation order, and therefore the output bytes, do not
// depend on scheduling.
func openDuckDB(ctx context.Context, memoryLimit string) (*duckDB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, eris.Wrap(err, "silver: open duckdb")
	}
	db.SetMaxOpenConns(1)
	stmts := []string{"SET threads = 1"}
	if memoryLimit != "" {
		stmts = append(stmts, "SET memory_limit = "+quoteLiteral(memoryLimit))
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "silver: %s", s)
		}
	}
	return &duckDB{db: db}, nil
}

func (d *duckDB) Close() error {
	return d.db.Close()
}

// load creates the features table and bulk appends rows in order.
func (d *duckDB) load(ctx context.Context, nKeys int, rows []row) error {
	cols := []string{"seq BIGINT", "id VARCHAR"}
	for i := range nKeys {
		cols = append(cols, keyColumn(i)+" VARCHAR")
	}
	cols = append(cols, "ts VARCHAR", "measure DOUBLE", "measure_text VARCHAR", "geometry VARCHAR", "attributes VARCHAR")
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", featuresTable, strings.Join(cols, ", "))
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return eris.Wrap(err, "silver: create features table")
	}
	if len(rows) == 0 {
		return nil
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return eris.Wrap(err, "silver: acquire connection")
	}
	defer conn.Close() //nolint:errcheck

	return conn.Raw(func(dc any) error {
		app, err := duckdb.NewAppenderFromConn(dc.(driver.Conn), "", featuresTable)
		if err != nil {
			return eris.Wrap(err, "silver: create appender")
		}
		values := make([]driver.Value, 0, nKeys+7)
		for _, r := range rows {
			values = values[:0]
			values = append(values, int64(r.seq), r.id)
			for _, k := range r.keys {
				values = append(values, nullable(k))
			}
			values = append(values, nullable(r.ts), nullable(r.measure), nullable(r.measureText), r.geometry, r.attributes)
			if err := app.AppendRow(values...); err != nil {
				_ = app.Close()
				return eris.Wrapf(err, "silver: append feature %s", r.id)
			}
		}
		return eris.Wrap(app.Close(), "silver: flush appender")
	})
}

// aggregateQuery builds the grouping query. stats selects the statistic
// columns; the group key columns, bucket and crs are always present.
func aggregateQuery(a Aggregation, stats []model.Stat, crsTag string) string {
	var sel, group, order []string
	for i, k := range a.GroupBy {
		sel = append(sel, keyColumn(i)+" AS "+quoteIdent(k))
		group = append(group, keyColumn(i))
		// Keys are text; numeric keys order by value so "9" sorts before "10".
		order = append(order, "TRY_CAST("+keyColumn(i)+" AS DOUBLE) NULLS FIRST", keyColumn(i)+" NULLS FIRST")
	}
	if a.TimeBucket != "" {
		expr := fmt.Sprintf("strftime(date_trunc(%s, TRY_CAST(ts AS TIMESTAMP)), '%%Y-%%m-%%d')", quoteLiteral(a.TimeBucket))
		sel = append(sel, expr+" AS bucket")
		group = append(group, expr)
		order = append(order, expr+" NULLS FIRST")
	}
	for _, s := range stats {
		sel = append(sel, statExpr(s)+" AS "+quoteIdent(string(s)))
	}
	sel = append(sel, quoteLiteral(crsTag)+" AS crs")

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(sel, ", "))
	b.WriteString(" FROM " + featuresTable)
	if len(group) > 0 {
		b.WriteString(" GROUP BY " + strings.Join(group, ", "))
	}
	// Without group columns the aggregate would yield one row over an
	// empty table.
	b.WriteString(" HAVING COUNT(*) > 0")
	if len(order) > 0 {
		b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	}
	return b.String()
}

func statExpr(s model.Stat) string {
	switch s {
	case model.StatMin:
		return "MIN(measure)"
	case model.StatMax:
		return "MAX(measure)"
	case model.StatAvg:
		return "AVG(measure)"
	case model.StatDistinct:
		return "COUNT(DISTINCT measure_text)"
	default:
		return "COUNT(*)"
	}
}

// aggregate runs the grouping query with every statistic and scans the rows.
func (d *duckDB) aggregate(ctx context.Context, a Aggregation, crsTag string) ([]model.AggregateRecord, error) {
	rows, err := d.db.QueryContext(ctx, aggregateQuery(a, model.AllStats, crsTag))
	if err != nil {
		return nil, eris.Wrap(err, "silver: aggregate query")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AggregateRecord
	for rows.Next() {
		keys := make([]sql.NullString, len(a.GroupBy))
		var (
			bucket           sql.NullString
			rec              model.AggregateRecord
			minV, maxV, avgV sql.NullFloat64
		)
		dest := make([]any, 0, len(keys)+7)
		for i := range keys {
			dest = append(dest, &keys[i])
		}
		if a.TimeBucket != "" {
			dest = append(dest, &bucket)
		}
		dest = append(dest, &rec.Count, &minV, &maxV, &avgV, &rec.Distinct, &rec.CRS)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "silver: scan aggregate row")
		}
		rec.Key = make([]string, len(keys))
		for i, k := range keys {
			rec.Key[i] = k.String
		}
		rec.Bucket = bucket.String
		rec.Min = floatPtr(minV)
		rec.Max = floatPtr(maxV)
		rec.Avg = floatPtr(avgV)
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "silver: iterate aggregate rows")
}

// copyAggregates writes the aggregate result with the selected statistics
// to a Parquet file at path.
func (d *duckDB) copyAggregates(ctx context.Context, a Aggregation, crsTag, path string) error {
	q := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)", aggregateQuery(a, a.stats(), crsTag), quoteLiteral(path))
	_, err := d.db.ExecContext(ctx, q)
	return eris.Wrap(err, "silver: copy aggregates")
}

// copyFeatures writes the cleaned, reprojected feature set in load order.
func (d *duckDB) copyFeatures(ctx context.Context, crsTag, path string) error {
	q := fmt.Sprintf(
		"COPY (SELECT id, geometry, %s AS crs, attributes FROM %s ORDER BY seq) TO %s (FORMAT PARQUET)",
		quoteLiteral(crsTag), featuresTable, quoteLiteral(path))
	_, err := d.db.ExecContext(ctx, q)
	return eris.Wrap(err, "silver: copy features")
}

func keyColumn(i int) string {
	return fmt.Sprintf("k%d", i)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func nullable[T any](p *T) driver.Value {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
