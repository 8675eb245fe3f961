// Package history keeps every test verdict in SQLite so reports can show
// trends and flag regressions across harness invocations.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/signalnine/credo/internal/systest"
)

//go:embed schema.sql
var schemaSQL string

// Entry is one recorded verdict.
type Entry struct {
	ID          int64
	ExecutionID string
	Test        string
	Type        string
	Status      string
	Detail      string
	RecordPath  string
	RunDir      string
	Revision    string
	Duration    time.Duration
	StartedAt   time.Time
}

// FromRecord builds an entry from a test record.
func FromRecord(rec *systest.Record, recordPath, runDir, revision string) *Entry {
	return &Entry{
		ExecutionID: rec.ID,
		Test:        rec.Name,
		Type:        rec.Type,
		Status:      rec.Status,
		Detail:      rec.Detail,
		RecordPath:  recordPath,
		RunDir:      runDir,
		Revision:    revision,
		Duration:    rec.Duration(),
		StartedAt:   rec.StartTime(),
	}
}

// TestSummary aggregates one test's history.
type TestSummary struct {
	Test       string
	Type       string
	Runs       int
	Passes     int
	Fails      int
	Errors     int
	LastStatus string
	LastRun    time.Time
}

// PassRate is the fraction of executions that passed.
func (s TestSummary) PassRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Passes) / float64(s.Runs)
}

type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the database at dbPath. ":memory:"
// gives a private in-memory store.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry retries statements that hit a concurrent writer's lock.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record inserts e. Recording the same execution twice is a no-op.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO verdicts
			(execution_id, test_name, test_type, status, detail, record_path, run_dir, revision, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.Test, e.Type, e.Status, e.Detail, e.RecordPath, e.RunDir, e.Revision,
		e.Duration.Milliseconds(), e.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("record verdict for %s: %w", e.Test, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// Recent returns up to limit entries for test, newest first. An empty test
// matches every test.
func (s *Store) Recent(ctx context.Context, test string, limit int) ([]*Entry, error) {
	query := `SELECT id, execution_id, test_name, test_type, status, COALESCE(detail, ''),
		COALESCE(record_path, ''), COALESCE(run_dir, ''), COALESCE(revision, ''), duration_ms, started_at
		FROM verdicts`
	var args []interface{}
	if test != "" {
		query += " WHERE test_name = ?"
		args = append(args, test)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Test, &e.Type, &e.Status, &e.Detail,
			&e.RecordPath, &e.RunDir, &e.Revision, &ms, &e.StartedAt); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Summaries aggregates the history of every test, ordered by name.
func (s *Store) Summaries(ctx context.Context) ([]TestSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.test_name, v.test_type, COUNT(*),
			SUM(CASE WHEN v.status = 'Pass' THEN 1 ELSE 0 END),
			SUM(CASE WHEN v.status = 'Fail' THEN 1 ELSE 0 END),
			SUM(CASE WHEN v.status = 'Error' THEN 1 ELSE 0 END),
			MAX(v.started_at)
		FROM verdicts v
		GROUP BY v.test_name
		ORDER BY v.test_name`)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	var out []TestSummary
	for rows.Next() {
		var ts TestSummary
		var last string
		if err := rows.Scan(&ts.Test, &ts.Type, &ts.Runs, &ts.Passes, &ts.Fails, &ts.Errors, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		ts.LastRun = parseSQLiteTime(last)
		out = append(out, ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		recent, err := s.Recent(ctx, out[i].Test, 1)
		if err != nil {
			return nil, err
		}
		if len(recent) > 0 {
			out[i].LastStatus = recent[0].Status
		}
	}
	return out, nil
}

// Regressions returns the tests whose latest verdict is not Pass although
// the one before it was.
func (s *Store) Regressions(ctx context.Context) ([]string, error) {
	sums, err := s.Summaries(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, sum := range sums {
		recent, err := s.Recent(ctx, sum.Test, 2)
		if err != nil {
			return nil, err
		}
		if len(recent) == 2 && recent[0].Status != "Pass" && recent[1].Status == "Pass" {
			out = append(out, sum.Test)
		}
	}
	return out, nil
}

// parseSQLiteTime reads the text form MAX() returns for DATETIME columns.
func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
