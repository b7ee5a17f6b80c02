package versions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository keeps versions in process memory.
type MemoryRepository struct {
	mu          sync.RWMutex
	versions    map[string]*Version // agentID/id
	schemas     map[string][]Schema // agentID
	deployments map[string]*Deployment
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		versions:    make(map[string]*Version),
		schemas:     make(map[string][]Schema),
		deployments: make(map[string]*Deployment),
	}
}

func versionKey(agentID, id string) string { return agentID + "/" + id }

func deploymentKey(agentID string, env Environment, schemaID int) string {
	return fmt.Sprintf("%s/%s/%d", agentID, env, schemaID)
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, agentID, id string) (*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.versions[versionKey(agentID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

// Save implements Repository.
func (r *MemoryRepository) Save(_ context.Context, v *Version) (*Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *v
	if c.ID == "" {
		c.ID = c.ComputeID()
	}
	if existing, ok := r.versions[versionKey(c.AgentID, c.ID)]; ok {
		if existing.ComputeID() != c.ComputeID() {
			return nil, ErrConflict
		}
		out := *existing
		return &out, nil
	}

	known := r.schemas[c.AgentID]
	var isNew bool
	c.SchemaID, isNew = assignSchemaID(known, &c)
	if isNew {
		r.schemas[c.AgentID] = append(known, Schema{ID: c.SchemaID, Input: c.InputSchema, Output: c.OutputSchema})
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.versions[versionKey(c.AgentID, c.ID)] = &c
	out := c
	return &out, nil
}

// Schemas implements Repository.
func (r *MemoryRepository) Schemas(_ context.Context, agentID string) ([]Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Schema(nil), r.schemas[agentID]...), nil
}

// Deployment implements Repository.
func (r *MemoryRepository) Deployment(_ context.Context, agentID string, env Environment, schemaID int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deployments[deploymentKey(agentID, env, schemaID)]
	if !ok {
		return "", ErrNotFound
	}
	return d.VersionID, nil
}

// Deploy implements Repository.
func (r *MemoryRepository) Deploy(_ context.Context, agentID string, env Environment, versionID string) (*Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.versions[versionKey(agentID, versionID)]
	if !ok {
		return nil, ErrNotFound
	}
	d := &Deployment{
		AgentID:     agentID,
		Environment: env,
		SchemaID:    v.SchemaID,
		VersionID:   versionID,
		UpdatedAt:   time.Now().UTC(),
	}
	r.deployments[deploymentKey(agentID, env, v.SchemaID)] = d
	out := *d
	return &out, nil
}

// Close implements Repository.
func (r *MemoryRepository) Close() error { return nil }

// Ensure MemoryRepository implements Repository
var _ Repository = (*MemoryRepository)(nil)
