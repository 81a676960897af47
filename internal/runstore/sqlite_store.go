// Package runstore persists generation runs and their per-unit outcomes using SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusFinished    RunStatus = "finished"
	RunStatusInterrupted RunStatus = "interrupted"
)

// RunParams records what a run was asked to generate.
type RunParams struct {
	Categories   []string `json:"categories"`
	MinZoom      int      `json:"min_zoom"`
	MaxZoom      int      `json:"max_zoom"`
	ZoomStep     int      `json:"zoom_step"`
	RadiusMeters float64  `json:"radius_meters"`
	CenterLat    float64  `json:"center_lat"`
	CenterLng    float64  `json:"center_lng"`
}

// Counts is the run summary persisted on finish.
type Counts struct {
	Done            int `json:"done"`
	Skipped         int `json:"skipped"`
	Failed          int `json:"failed"`
	TilesPublished  int `json:"tiles_published"`
	PublishFailures int `json:"publish_failures"`
}

// Run is one invocation of the generator.
type Run struct {
	ID         string     `json:"run_id"`
	Mode       string     `json:"mode"`
	Order      string     `json:"order"`
	Status     RunStatus  `json:"status"`
	Params     RunParams  `json:"params"`
	Counts     Counts     `json:"counts"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Unit is the terminal record of one (category, zoom) unit of work.
type Unit struct {
	RunID        string    `json:"run_id"`
	Category     string    `json:"category"`
	Zoom         int       `json:"zoom"`
	Status       string    `json:"status"`
	RadiusMeters float64   `json:"radius_meters"`
	Points       int       `json:"points"`
	Tiles        int       `json:"tiles"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		run_order TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		done INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		tiles_published INTEGER DEFAULT 0,
		publish_failures INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS units (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		category TEXT NOT NULL,
		zoom INTEGER NOT NULL,
		status TEXT NOT NULL,
		radius_meters REAL NOT NULL,
		points INTEGER NOT NULL,
		tiles INTEGER NOT NULL,
		error TEXT DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_units_run ON units(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a run with status=running.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, mode, run_order, status, params_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Mode,
		run.Order,
		string(run.Status),
		string(paramsJSON),
		run.StartedAt.UTC().Format(timeLayout),
	)
	return err
}

// RecordUnit stores the terminal state of a unit.
func (s *Store) RecordUnit(u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO units (run_id, category, zoom, status, radius_meters, points, tiles, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		u.RunID, u.Category, u.Zoom, u.Status,
		u.RadiusMeters, u.Points, u.Tiles, u.Error,
		u.StartedAt.UTC().Format(timeLayout),
		u.FinishedAt.UTC().Format(timeLayout),
	)
	return err
}

// FinishRun stores the run summary and marks it finished.
func (s *Store) FinishRun(runID string, c Counts, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, done = ?, skipped = ?, failed = ?,
			tiles_published = ?, publish_failures = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, string(RunStatusFinished), c.Done, c.Skipped, c.Failed,
		c.TilesPublished, c.PublishFailures, errMsg, now, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

const runColumns = `run_id, mode, run_order, status, params_json, done, skipped, failed,
	tiles_published, publish_failures, error, started_at, finished_at`

// GetRun retrieves a run by ID. A missing run returns nil, nil.
func (s *Store) GetRun(runID string) (*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := s.scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRuns(rows)
}

// ListUnits returns the units of a run in completion order.
func (s *Store) ListUnits(runID string) ([]*Unit, error) {
	rows, err := s.db.Query(`
		SELECT run_id, category, zoom, status, radius_meters, points, tiles, error, started_at, finished_at
		FROM units WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*Unit
	for rows.Next() {
		var u Unit
		var startedAt, finishedAt string
		if err := rows.Scan(
			&u.RunID, &u.Category, &u.Zoom, &u.Status,
			&u.RadiusMeters, &u.Points, &u.Tiles, &u.Error,
			&startedAt, &finishedAt,
		); err != nil {
			return nil, err
		}
		u.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		u.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		units = append(units, &u)
	}
	return units, rows.Err()
}

// MarkRunningAsInterrupted closes out runs left running by a crashed process.
func (s *Store) MarkRunningAsInterrupted(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusInterrupted), errMsg, now, string(RunStatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredRuns deletes finished runs older than retentionDays.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)

	// Delete units first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM units WHERE run_id IN (
			SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (s *Store) scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var paramsJSON string
		var startedAtStr string
		var finishedAtStr sql.NullString

		err := rows.Scan(
			&run.ID,
			&run.Mode,
			&run.Order,
			&run.Status,
			&paramsJSON,
			&run.Counts.Done,
			&run.Counts.Skipped,
			&run.Counts.Failed,
			&run.Counts.TilesPublished,
			&run.Counts.PublishFailures,
			&run.Error,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAtStr)
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339Nano, finishedAtStr.String)
			run.FinishedAt = &t
		}

		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
