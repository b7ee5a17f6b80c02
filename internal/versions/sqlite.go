package versions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_versions (
	agent_id   TEXT NOT NULL,
	id         TEXT NOT NULL,
	schema_id  INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (agent_id, id)
);
CREATE TABLE IF NOT EXISTS agent_schemas (
	agent_id      TEXT NOT NULL,
	schema_id     INTEGER NOT NULL,
	input_schema  TEXT,
	output_schema TEXT,
	PRIMARY KEY (agent_id, schema_id)
);
CREATE TABLE IF NOT EXISTS agent_deployments (
	agent_id    TEXT NOT NULL,
	environment TEXT NOT NULL,
	schema_id   INTEGER NOT NULL,
	version_id  TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (agent_id, environment, schema_id)
);`

// SQLiteRepository persists versions in SQLite. The database handle is owned
// by the caller (see store.OpenSQLite).
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates the tables if needed.
func NewSQLiteRepository(ctx context.Context, db *sql.DB) (*SQLiteRepository, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create version tables: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, agentID, id string) (*Version, error) {
	var body string
	err := r.db.QueryRowContext(ctx,
		"SELECT body FROM agent_versions WHERE agent_id = ? AND id = ?", agentID, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	var v Version
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("decode version %s: %w", id, err)
	}
	return &v, nil
}

// Save implements Repository.
func (r *SQLiteRepository) Save(ctx context.Context, v *Version) (*Version, error) {
	c := *v
	if c.ID == "" {
		c.ID = c.ComputeID()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var body string
	err = tx.QueryRowContext(ctx,
		"SELECT body FROM agent_versions WHERE agent_id = ? AND id = ?", c.AgentID, c.ID,
	).Scan(&body)
	switch {
	case err == nil:
		var existing Version
		if err := json.Unmarshal([]byte(body), &existing); err != nil {
			return nil, fmt.Errorf("decode version %s: %w", c.ID, err)
		}
		if existing.ComputeID() != c.ComputeID() {
			return nil, ErrConflict
		}
		return &existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("get version: %w", err)
	}

	known, err := querySchemas(ctx, tx, c.AgentID)
	if err != nil {
		return nil, err
	}
	var isNew bool
	c.SchemaID, isNew = assignSchemaID(known, &c)
	if isNew {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO agent_schemas (agent_id, schema_id, input_schema, output_schema) VALUES (?, ?, ?, ?)",
			c.AgentID, c.SchemaID, nullableJSON(c.InputSchema), nullableJSON(c.OutputSchema),
		); err != nil {
			return nil, fmt.Errorf("insert schema: %w", err)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO agent_versions (agent_id, id, schema_id, body, created_at) VALUES (?, ?, ?, ?, ?)",
		c.AgentID, c.ID, c.SchemaID, string(data), c.CreatedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &c, nil
}

// Schemas implements Repository.
func (r *SQLiteRepository) Schemas(ctx context.Context, agentID string) ([]Schema, error) {
	return querySchemas(ctx, r.db, agentID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func querySchemas(ctx context.Context, q querier, agentID string) ([]Schema, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT schema_id, input_schema, output_schema FROM agent_schemas WHERE agent_id = ? ORDER BY schema_id", agentID)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var out []Schema
	for rows.Next() {
		var s Schema
		var in, outSchema sql.NullString
		if err := rows.Scan(&s.ID, &in, &outSchema); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		if in.Valid {
			s.Input = json.RawMessage(in.String)
		}
		if outSchema.Valid {
			s.Output = json.RawMessage(outSchema.String)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Deployment implements Repository.
func (r *SQLiteRepository) Deployment(ctx context.Context, agentID string, env Environment, schemaID int) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		"SELECT version_id FROM agent_deployments WHERE agent_id = ? AND environment = ? AND schema_id = ?",
		agentID, string(env), schemaID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get deployment: %w", err)
	}
	return id, nil
}

// Deploy implements Repository.
func (r *SQLiteRepository) Deploy(ctx context.Context, agentID string, env Environment, versionID string) (*Deployment, error) {
	v, err := r.Get(ctx, agentID, versionID)
	if err != nil {
		return nil, err
	}
	d := &Deployment{
		AgentID:     agentID,
		Environment: env,
		SchemaID:    v.SchemaID,
		VersionID:   versionID,
		UpdatedAt:   time.Now().UTC(),
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO agent_deployments (agent_id, environment, schema_id, version_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, environment, schema_id)
		 DO UPDATE SET version_id = excluded.version_id, updated_at = excluded.updated_at`,
		d.AgentID, string(d.Environment), d.SchemaID, d.VersionID, d.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("deploy: %w", err)
	}
	return d, nil
}

// Close implements Repository. The shared handle is closed by its owner.
func (r *SQLiteRepository) Close() error { return nil }

// Ensure SQLiteRepository implements Repository
var _ Repository = (*SQLiteRepository)(nil)
