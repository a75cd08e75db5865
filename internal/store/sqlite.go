package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout sorts lexically in chronological order for UTC times.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRunStore implements RunStore in .heatstep/runs.db.
type SQLiteRunStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteRunStore opens (creating if needed) the run ledger under projectRoot.
func NewSQLiteRunStore(projectRoot string) (*SQLiteRunStore, error) {
	dir := LocalPath(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", DirName, err)
	}
	return OpenSQLiteRunStore(filepath.Join(dir, DBFile))
}

// OpenSQLiteRunStore opens the run ledger at dbPath.
func OpenSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteRunStore{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (s *SQLiteRunStore) Path() string { return s.dbPath }

func (s *SQLiteRunStore) RecordRun(ctx context.Context, r Run) (string, error) {
	prepareRun(&r)

	var maxDiff sql.NullFloat64
	if r.MaxDiff != nil {
		maxDiff = sql.NullFloat64{Float64: *r.MaxDiff, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, started_at, elapsed_ns, status, error,
			variant, backend, device,
			width, height, steps, dt, clock_before, clock_after,
			checksum, max_diff, mean_temp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.Format(timeLayout), int64(r.Elapsed), r.Status, nullString(r.Error),
		r.Variant, r.Backend, r.Device,
		r.Width, r.Height, r.Steps, r.Dt, r.ClockBefore, r.ClockAfter,
		nullString(r.Checksum), maxDiff, r.MeanTemp,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return r.ID, nil
}

const runColumns = `id, started_at, elapsed_ns, status, error, variant, backend, device,
	width, height, steps, dt, clock_before, clock_after, checksum, max_diff, mean_temp`

func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	var where []string
	var args []any
	if filter.Variant != "" {
		where = append(where, "variant = ?")
		args = append(args, filter.Variant)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r         Run
		startedAt string
		elapsed   int64
		errText   sql.NullString
		checksum  sql.NullString
		maxDiff   sql.NullFloat64
	)
	err := sc.Scan(&r.ID, &startedAt, &elapsed, &r.Status, &errText,
		&r.Variant, &r.Backend, &r.Device,
		&r.Width, &r.Height, &r.Steps, &r.Dt, &r.ClockBefore, &r.ClockAfter,
		&checksum, &maxDiff, &r.MeanTemp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	r.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad started_at %q: %w", r.ID, startedAt, err)
	}
	r.Elapsed = time.Duration(elapsed)
	r.Error = errText.String
	r.Checksum = checksum.String
	if maxDiff.Valid {
		v := maxDiff.Float64
		r.MaxDiff = &v
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
