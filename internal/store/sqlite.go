// Package store persists run results for later inspection.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/conveyorci/conveyor/internal/report"
)

// ErrNotFound indicates that no run exists with the requested ID.
var ErrNotFound = errors.New("run not found")

// RunSummary is the listing row for one stored run.
type RunSummary struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Event      string    `json:"event"`
	Branch     string    `json:"branch,omitempty"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// SQLite stores runs in a single-file database.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		event TEXT NOT NULL,
		branch TEXT DEFAULT '',
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveRun persists a finished run keyed by its run ID.
func (s *SQLite) SaveRun(result report.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run %q: %w", result.RunID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, workflow, event, branch, status, duration_ms, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			data = excluded.data
	`, result.RunID, result.Workflow, result.Event.Kind, result.Event.Branch,
		string(result.Status()), result.DurationMS, string(data), result.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run %q: %w", result.RunID, err)
	}
	return nil
}

// GetRun loads the full result for one run.
func (s *SQLite) GetRun(id string) (report.RunResult, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return report.RunResult{}, ErrNotFound
	}
	if err != nil {
		return report.RunResult{}, fmt.Errorf("query run %q: %w", id, err)
	}
	var result report.RunResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return report.RunResult{}, fmt.Errorf("unmarshal run %q: %w", id, err)
	}
	return result, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLite) ListRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, workflow, event, branch, status, duration_ms, created_at
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Event, &r.Branch, &r.Status, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
