package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/workflowai/inference-gateway/internal/apierr"
)

var (
	// ErrNotFound is returned by repositories for missing versions or deployments.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a version id is re-saved with different content.
	ErrConflict = errors.New("version id already exists with different content")
)

// Repository persists versions, schemas and deployment pointers.
type Repository interface {
	// Get returns a version by id.
	Get(ctx context.Context, agentID, id string) (*Version, error)

	// Save stores v. Saving an existing id with identical content returns the
	// stored record. SchemaID is always assigned from the agent's schemas.
	Save(ctx context.Context, v *Version) (*Version, error)

	// Schemas lists the agent's schemas ordered by id.
	Schemas(ctx context.Context, agentID string) ([]Schema, error)

	// Deployment returns the version id deployed at (env, schemaID).
	Deployment(ctx context.Context, agentID string, env Environment, schemaID int) (string, error)

	// Deploy points (env, v.SchemaID) at v.
	Deploy(ctx context.Context, agentID string, env Environment, versionID string) (*Deployment, error)

	Close() error
}

// Resolver turns references into concrete versions. It never writes.
type Resolver struct {
	repo Repository
}

// NewResolver creates a resolver over repo.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the version ref points to.
//
// Inline references are hashed and returned with their computed id; if the
// same content was saved before, the stored record is returned. Inline
// schemas must be compatible with the agent's latest schema.
func (r *Resolver) Resolve(ctx context.Context, agentID string, ref Reference) (*Version, error) {
	switch {
	case ref.VersionID != "":
		return r.byID(ctx, agentID, ref.VersionID)

	case ref.Environment != "":
		id, err := r.repo.Deployment(ctx, agentID, ref.Environment, ref.SchemaID)
		if errors.Is(err, ErrNotFound) {
			return nil, apierr.New(apierr.VersionNotFound,
				"no version of agent %q is deployed to %s for schema #%d", agentID, ref.Environment, ref.SchemaID)
		}
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "failed to read deployment")
		}
		return r.byID(ctx, agentID, id)

	case ref.Inline != nil:
		return r.inline(ctx, agentID, ref.Inline)
	}
	return nil, apierr.New(apierr.InvalidRequest, "empty version reference")
}

func (r *Resolver) byID(ctx context.Context, agentID, id string) (*Version, error) {
	v, err := r.repo.Get(ctx, agentID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apierr.New(apierr.VersionNotFound, "version %q of agent %q not found", id, agentID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "failed to read version")
	}
	return v, nil
}

func (r *Resolver) inline(ctx context.Context, agentID string, props *Version) (*Version, error) {
	v := *props
	v.AgentID = agentID
	v.SchemaID = 0
	v.CreatedAt = time.Time{}
	v.ID = v.ComputeID()

	stored, err := r.repo.Get(ctx, agentID, v.ID)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, apierr.Wrap(apierr.Internal, err, "failed to read version")
	}

	schemas, err := r.repo.Schemas(ctx, agentID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "failed to read schemas")
	}
	if id, isNew := assignSchemaID(schemas, &v); !isNew {
		v.SchemaID = id
		return &v, nil
	}
	if len(schemas) == 0 {
		return &v, nil
	}

	latest := schemas[len(schemas)-1]
	if err := CheckCompatible(latest.Input, v.InputSchema); err != nil {
		return nil, apierr.Wrap(apierr.SchemaMismatch, err, fmt.Sprintf("input schema is incompatible with schema #%d: %v", latest.ID, err))
	}
	if err := CheckCompatible(latest.Output, v.OutputSchema); err != nil {
		return nil, apierr.Wrap(apierr.SchemaMismatch, err, fmt.Sprintf("output schema is incompatible with schema #%d: %v", latest.ID, err))
	}
	return &v, nil
}
