package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/apc-daemon/apcd/internal/domain"
	_ "modernc.org/sqlite"
)

// RunIndex is a queryable secondary index of archived AgentRun records.
// Rows are added only through Record; nothing rebuilds the index from the
// JSON History ring buffer, and cmd/apcd does not open it. The ring buffer
// remains the sole source of truth (spec §6.1); this index exists only so
// an operator can query past runs without replaying JSON files, grounded
// on the teacher's internal/tasks/store.go SQLite schema idiom.
type RunIndex struct {
	db *sql.DB
}

// OpenRunIndex opens (creating if necessary) the SQLite run index at the
// layout's RunIndexFile path.
func OpenRunIndex(layout Layout) (*RunIndex, error) {
	db, err := sql.Open("sqlite", layout.RunIndexFile())
	if err != nil {
		return nil, fmt.Errorf("run index: open: %w", err)
	}
	idx := &RunIndex{db: db}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (r *RunIndex) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			role_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT,
			started_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("run index: init schema: %w", err)
	}
	_, err = r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_agent_runs_session ON agent_runs(session_id)`)
	if err != nil {
		return fmt.Errorf("run index: create index: %w", err)
	}
	return nil
}

// Record stores one completed AgentRun.
func (r *RunIndex) Record(sessionID string, run domain.AgentRun, result domain.AgentRunResult, startedAt time.Time) error {
	success := 0
	if result.Success {
		success = 1
	}
	_, err := r.db.Exec(`
		INSERT INTO agent_runs (id, workflow_id, session_id, agent_name, role_id, success, exit_code, duration_ms, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			success=excluded.success, exit_code=excluded.exit_code,
			duration_ms=excluded.duration_ms, error=excluded.error
	`, run.ID, run.WorkflowID, sessionID, run.AgentName, run.RoleID, success, result.ExitCode, result.DurationMs, result.Error, startedAt)
	if err != nil {
		return fmt.Errorf("run index: record %s: %w", run.ID, err)
	}
	return nil
}

// RunRecord is one row returned by ForSession.
type RunRecord struct {
	ID         string
	WorkflowID string
	AgentName  string
	RoleID     string
	Success    bool
	ExitCode   int
	DurationMs int64
	Error      string
	StartedAt  time.Time
}

// ForSession returns every recorded run for a session, most recent first.
func (r *RunIndex) ForSession(sessionID string) ([]RunRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, workflow_id, agent_name, role_id, success, exit_code, duration_ms, error, started_at
		FROM agent_runs WHERE session_id = ? ORDER BY started_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("run index: query session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var success int
		var errText sql.NullString
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.AgentName, &rec.RoleID, &success, &rec.ExitCode, &rec.DurationMs, &errText, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("run index: scan: %w", err)
		}
		rec.Success = success == 1
		rec.Error = errText.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (r *RunIndex) Close() error { return r.db.Close() }
