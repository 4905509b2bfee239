// Package sqlite implements the storage.Store interface on a single SQLite
// database under the project's state directory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/forgelabs/forge/internal/events"
	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS project_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS consensus_iterations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	data TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_iterations_scope ON consensus_iterations(scope, scope_id);

CREATE TABLE IF NOT EXISTS plans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	revision INTEGER NOT NULL,
	data TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_plans_scope ON plans(scope, scope_id);

CREATE TABLE IF NOT EXISTS feedback (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_feedback_scope ON feedback(scope, scope_id);

CREATE TABLE IF NOT EXISTS plan_status (
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (scope, scope_id)
);

CREATE TABLE IF NOT EXISTS corrections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	phase TEXT NOT NULL,
	scope TEXT,
	message TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// SQLiteStore implements storage.Store on one database file
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// New opens (creating if needed) the project database under stateDir
func New(stateDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	path := filepath.Join(stateDir, "forge.db")

	// WAL keeps readers (status command) from blocking the engine's writes
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the persisted state, or storage.ErrNotFound
func (s *SQLiteStore) Load(ctx context.Context) (*types.ProjectState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM project_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project state: %w", err)
	}

	var state types.ProjectState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to decode project state: %w", err)
	}
	return &state, nil
}

// Save atomically replaces the persisted state. The single-row upsert runs
// in one implicit transaction, so a crash leaves either the old or the new
// row intact.
func (s *SQLiteStore) Save(ctx context.Context, state *types.ProjectState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid state: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode project state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_state (id, data, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		string(data))
	if err != nil {
		return fmt.Errorf("failed to save project state: %w", err)
	}
	return nil
}

// AppendConsensusIteration appends one entry to the append-only log
func (s *SQLiteStore) AppendConsensusIteration(ctx context.Context, scope storage.ScopeKey, iter types.ConsensusIteration) error {
	data, err := json.Marshal(iter)
	if err != nil {
		return fmt.Errorf("failed to encode iteration: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consensus_iterations (scope, scope_id, iteration, data) VALUES (?, ?, ?, ?)`,
		string(scope.Scope), scope.ID, iter.Iteration, string(data))
	if err != nil {
		return fmt.Errorf("failed to append consensus iteration: %w", err)
	}
	return nil
}

// ConsensusIterations returns the logged iterations for a scope, oldest first
func (s *SQLiteStore) ConsensusIterations(ctx context.Context, scope storage.ScopeKey) ([]types.ConsensusIteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM consensus_iterations WHERE scope = ? AND scope_id = ? ORDER BY id`,
		string(scope.Scope), scope.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query consensus iterations: %w", err)
	}
	defer rows.Close()

	var iters []types.ConsensusIteration
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		var iter types.ConsensusIteration
		if err := json.Unmarshal([]byte(data), &iter); err != nil {
			return nil, fmt.Errorf("failed to decode iteration: %w", err)
		}
		iters = append(iters, iter)
	}
	return iters, rows.Err()
}

// AppendEvent records a progress event for audit
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev events.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (phase, scope, message, created_at) VALUES (?, ?, ?, ?)`,
		string(ev.Phase), ev.Scope, ev.Message, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// SavePlan stores one plan revision
func (s *SQLiteStore) SavePlan(ctx context.Context, scope storage.ScopeKey, plan types.Plan, metadata map[string]string) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	var meta []byte
	if metadata != nil {
		if meta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("failed to encode plan metadata: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (scope, scope_id, revision, data, metadata) VALUES (?, ?, ?, ?, ?)`,
		string(scope.Scope), scope.ID, plan.Revision, string(data), string(meta))
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// LatestPlan returns the most recent plan revision for a scope
func (s *SQLiteStore) LatestPlan(ctx context.Context, scope storage.ScopeKey) (*types.Plan, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM plans WHERE scope = ? AND scope_id = ? ORDER BY id DESC LIMIT 1`,
		string(scope.Scope), scope.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest plan: %w", err)
	}

	var plan types.Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &plan, nil
}

// SaveFeedback stores one round's combined feedback
func (s *SQLiteStore) SaveFeedback(ctx context.Context, scope storage.ScopeKey, feedback types.ReviewResult) error {
	data, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("failed to encode feedback: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback (scope, scope_id, data) VALUES (?, ?, ?)`,
		string(scope.Scope), scope.ID, string(data))
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// ClearFeedback removes accumulated feedback once a plan is accepted
func (s *SQLiteStore) ClearFeedback(ctx context.Context, scope storage.ScopeKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feedback WHERE scope = ? AND scope_id = ?`,
		string(scope.Scope), scope.ID)
	if err != nil {
		return fmt.Errorf("failed to clear feedback: %w", err)
	}
	return nil
}

// UpdateStatus records the scope's approval state
func (s *SQLiteStore) UpdateStatus(ctx context.Context, scope storage.ScopeKey, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_status (scope, scope_id, status, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(scope, scope_id) DO UPDATE SET status = excluded.status, updated_at = CURRENT_TIMESTAMP`,
		string(scope.Scope), scope.ID, status)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	return nil
}

// PlanStatus returns the recorded approval state, or ""
func (s *SQLiteStore) PlanStatus(ctx context.Context, scope storage.ScopeKey) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM plan_status WHERE scope = ? AND scope_id = ?`,
		string(scope.Scope), scope.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load plan status: %w", err)
	}
	return status, nil
}

// RecordCorrection records an arbitration override for audit
func (s *SQLiteStore) RecordCorrection(ctx context.Context, scope storage.ScopeKey, correction types.ArbitrationResult) error {
	data, err := json.Marshal(correction)
	if err != nil {
		return fmt.Errorf("failed to encode correction: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO corrections (scope, scope_id, data) VALUES (?, ?, ?)`,
		string(scope.Scope), scope.ID, string(data))
	if err != nil {
		return fmt.Errorf("failed to record correction: %w", err)
	}
	return nil
}
