package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/remoteman/remoteman/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultListLimit caps listings when no limit is given.
const DefaultListLimit = 50

// SQLiteStore records cycle history in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Retain keeps only the newest N cycles per host. Zero keeps everything.
	Retain int
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Consume records result and its job outcomes in one transaction, then applies
// the retention limit for the result's host.
func (s *SQLiteStore) Consume(ctx context.Context, result *engine.Result) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	errs, err := json.Marshal(nonNil(result.Errors))
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counts := result.Counts()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cycles (run_id, host, platform, commit_mode, started_at, finished_at,
			unchanged, would_change, changed, failed, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RunID,
		result.Host.Hostname,
		result.Host.Platform,
		result.Commit,
		result.StartedAt.UnixMilli(),
		result.FinishedAt.UnixMilli(),
		counts[engine.StatusUnchanged],
		counts[engine.StatusWouldChange],
		counts[engine.StatusChanged],
		counts[engine.StatusError],
		string(errs),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_results (run_id, job, status, detail, actions, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare job insert: %w", err)
	}
	defer stmt.Close()

	for _, name := range result.JobNames() {
		res := result.Results[name]
		actions, err := json.Marshal(nonNil(res.Actions))
		if err != nil {
			return fmt.Errorf("failed to marshal actions: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			result.RunID, name, string(res.Status), res.Detail, string(actions), res.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("failed to insert job result %s: %w", name, err)
		}
	}

	if s.cfg.Retain > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cycles
			WHERE host = ? AND run_id NOT IN (
				SELECT run_id FROM cycles WHERE host = ? ORDER BY started_at DESC LIMIT ?
			)
		`, result.Host.Hostname, result.Host.Hostname, s.cfg.Retain); err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

const cycleColumns = `run_id, host, platform, commit_mode, started_at, finished_at,
	unchanged, would_change, changed, failed, errors`

// GetCycle retrieves a cycle by run ID.
func (s *SQLiteStore) GetCycle(ctx context.Context, runID string) (*CycleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE run_id = ?`, runID)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}
	return c, nil
}

// ListCycles lists cycles newest first.
func (s *SQLiteStore) ListCycles(ctx context.Context, opts ListOptions) ([]*CycleRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		where []string
		args  []any
	)
	if opts.Host != "" {
		where = append(where, "host = ?")
		args = append(args, opts.Host)
	}
	query := `SELECT ` + cycleColumns + ` FROM cycles`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	cycles := []*CycleRecord{}
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}

	return cycles, nil
}

// ListJobResults returns the job outcomes of a cycle ordered by job name.
func (s *SQLiteStore) ListJobResults(ctx context.Context, runID string) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, job, status, detail, actions, duration_ms
		FROM job_results
		WHERE run_id = ?
		ORDER BY job
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job results: %w", err)
	}
	defer rows.Close()

	records := []*JobRecord{}
	for rows.Next() {
		var (
			r          JobRecord
			actions    string
			durationMS int64
		)
		if err := rows.Scan(&r.RunID, &r.Job, &r.Status, &r.Detail, &actions, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan job result: %w", err)
		}
		if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
			return nil, fmt.Errorf("failed to decode actions: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job results: %w", err)
	}

	return records, nil
}

// DeleteCycle deletes a cycle and its job results.
func (s *SQLiteStore) DeleteCycle(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cycles WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete cycle: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("cycle %s: %w", runID, ErrNotFound)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(row scanner) (*CycleRecord, error) {
	var (
		c                 CycleRecord
		started, finished int64
		errs              string
	)
	err := row.Scan(
		&c.RunID,
		&c.Host,
		&c.Platform,
		&c.Commit,
		&started,
		&finished,
		&c.Unchanged,
		&c.WouldChange,
		&c.Changed,
		&c.Failed,
		&errs,
	)
	if err != nil {
		return nil, err
	}
	c.StartedAt = time.UnixMilli(started).UTC()
	c.FinishedAt = time.UnixMilli(finished).UTC()
	if err := json.Unmarshal([]byte(errs), &c.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors: %w", err)
	}
	return &c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
