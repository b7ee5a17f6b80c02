package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/workflowai/inference-gateway/internal/apierr"
)

// Store persists runs.
type Store interface {
	// Create inserts a new run.
	Create(ctx context.Context, r *Run) error
	// Update replaces a non-terminal run. Updating a terminal record returns ErrTerminal.
	Update(ctx context.Context, r *Run) error
	// Get returns a run or a RunNotFound error.
	Get(ctx context.Context, id string) (*Run, error)
	Close() error
}

func notFound(id string) error {
	return apierr.New(apierr.RunNotFound, "run %q not found", id)
}

// =============================================================================
// MEMORY
// =============================================================================

// MemoryStore keeps runs in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("run %q already exists", r.ID)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.runs[r.ID]
	if !ok {
		return notFound(r.ID)
	}
	if prev.Status.Terminal() {
		return ErrTerminal
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, notFound(id)
	}
	return r.Clone(), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// =============================================================================
// SQLITE
// =============================================================================

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL DEFAULT '',
	version_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id, created_at);
`

// SQLiteStore persists runs as JSON documents in sqlite. The status column
// guards terminal records at the storage level.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the runs table on db. The caller owns db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, runsSchema); err != nil {
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, r *Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, agent_id, version_id, status, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, r.VersionID, string(r.Status), data, r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, r *Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, data = ? WHERE id = ? AND status NOT IN ('success', 'failed')`,
		string(r.Status), data, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, r.ID); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Run, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &r, nil
}

// Close implements Store. The database is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

// Ensure stores implement Store
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
