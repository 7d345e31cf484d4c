// Package query runs SQL over exported Parquet files with an in-memory
// DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/store"
)

var log = logging.Component("query")

// Config configures the query service.
type Config struct {
	// MemoryLimit is passed to DuckDB's memory_limit setting (e.g., "512MB").
	MemoryLimit string

	// Threads limits DuckDB worker threads. Zero keeps the DuckDB default.
	Threads int
}

// Service provides query capabilities over exported topics.
type Service struct {
	db    *sql.DB
	group singleflight.Group

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted atomic.Int64
	RowsReturned    atomic.Int64
	Errors          atomic.Int64
	SharedResults   atomic.Int64
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
	SharedResults   int64
}

// ColumnStats summarizes one column of an exported file.
type ColumnStats struct {
	Count  int64
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64 // zero when Count < 2
}

// Point is one (timestamp, value) row.
type Point struct {
	T float32
	V float32
}

// New opens an in-memory DuckDB database.
func New(cfg Config) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.MemoryLimit != "" {
		if _, err := db.Exec("SET memory_limit=" + quoteLiteral(cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}
	if cfg.Threads > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET threads=%d", cfg.Threads)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set threads: %w", err)
		}
	}

	return &Service{db: db}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ColumnStats computes statistics of column in the Parquet file at path.
// Identical concurrent calls share one query.
func (s *Service) ColumnStats(ctx context.Context, path, column string) (ColumnStats, error) {
	key := path + "\x00" + column
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		return s.columnStats(ctx, path, column)
	})
	if shared {
		s.stats.SharedResults.Add(1)
	}
	if err != nil {
		return ColumnStats{}, err
	}
	return v.(ColumnStats), nil
}

func (s *Service) columnStats(ctx context.Context, path, column string) (ColumnStats, error) {
	col := quoteIdent(column)
	q := fmt.Sprintf(`
		SELECT
			count(%[1]s),
			min(%[1]s)::DOUBLE,
			max(%[1]s)::DOUBLE,
			avg(%[1]s)::DOUBLE,
			stddev_samp(%[1]s)::DOUBLE
		FROM read_parquet(%[2]s)
		WHERE NOT isnan(%[1]s)
	`, col, quoteLiteral(path))

	var (
		cs                   ColumnStats
		mn, mx, mean, stddev sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, q).Scan(&cs.Count, &mn, &mx, &mean, &stddev)
	if err != nil {
		s.stats.Errors.Add(1)
		log.Debug("column stats failed", "path", path, "column", column, "error", err)
		return ColumnStats{}, fmt.Errorf("column stats %s.%s: %w", path, column, err)
	}

	cs.Min = mn.Float64
	cs.Max = mx.Float64
	cs.Mean = mean.Float64
	cs.StdDev = stddev.Float64

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(1)
	return cs, nil
}

// Window returns column values with from <= timestamp <= to, ordered by
// timestamp. limit <= 0 means no limit.
func (s *Service) Window(ctx context.Context, path, column string, from, to float32, limit int) ([]Point, error) {
	q := fmt.Sprintf(`
		SELECT %[1]s, %[2]s
		FROM read_parquet(%[3]s)
		WHERE %[1]s BETWEEN $1 AND $2
		ORDER BY %[1]s
	`, quoteIdent(store.TimestampColumn), quoteIdent(column), quoteLiteral(path))
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, from, to)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("window %s.%s: %w", path, column, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.T, &p.V); err != nil {
			s.stats.Errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(out)))
	return out, nil
}

// ExecuteSQL executes a raw SQL query using DuckDB.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]string, []map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(results)))

	return columns, results, rows.Err()
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		QueriesExecuted: s.stats.QueriesExecuted.Load(),
		RowsReturned:    s.stats.RowsReturned.Load(),
		Errors:          s.stats.Errors.Load(),
		SharedResults:   s.stats.SharedResults.Load(),
	}
}

// quoteIdent quotes a column name for DuckDB.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteLiteral quotes a string literal for DuckDB.
func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
