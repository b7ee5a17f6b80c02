package versions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
	"github.com/workflowai/inference-gateway/internal/store"
)

// =============================================================================
// HASHING
// =============================================================================

func TestComputeID_IgnoresIdentityAndFormatting(t *testing.T) {
	a := &Version{
		AgentID:      "translator",
		ModelID:      "openai/gpt-4o-mini",
		Instructions: "Translate to French: {{text}}",
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"fr":{"type":"string"}}}`),
	}
	b := *a
	b.ID = "something-else"
	b.SchemaID = 7
	b.OutputSchema = json.RawMessage(`{ "properties": {"fr": {"type": "string"}}, "type": "object" }`)

	assert.Equal(t, a.ComputeID(), b.ComputeID())
	assert.Len(t, a.ComputeID(), 32)

	b.Temperature = llm.Float(0.5)
	assert.NotEqual(t, a.ComputeID(), b.ComputeID())
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("production")
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, env)

	_, err = ParseEnvironment("prod")
	assert.Error(t, err)
}

// =============================================================================
// SCHEMA COMPATIBILITY
// =============================================================================

func TestCheckCompatible(t *testing.T) {
	prev := json.RawMessage(`{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"age": {"type": "integer"},
			"address": {"type": "object", "required": ["city"], "properties": {"city": {"type": "string"}}}
		}
	}`)

	tests := []struct {
		name    string
		next    string
		wantErr string
	}{
		{"identical", string(prev), ""},
		{"added optional property", `{"type":"object","properties":{"name":{"type":"string"},"nickname":{"type":"string"}}}`, ""},
		{"dropped optional property", `{"type":"object","properties":{"name":{"type":"string"}}}`, ""},
		{"required removed", `{"type":"object","properties":{"age":{"type":"integer"}}}`, `required property "name" was removed`},
		{"type changed", `{"type":"object","properties":{"name":{"type":"string"},"age":{"type":"string"}}}`, `"age" changed type`},
		{"nested required removed", `{"type":"object","properties":{"name":{"type":"string"},"address":{"type":"object","properties":{"zip":{"type":"string"}}}}}`, `"address.city" was removed`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCompatible(prev, json.RawMessage(tt.next))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, CheckCompatible(nil, json.RawMessage(`{"type":"string"}`)))
}

// =============================================================================
// REPOSITORIES
// =============================================================================

func repositories(t *testing.T) map[string]Repository {
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqliteRepo, err := NewSQLiteRepository(context.Background(), db)
	require.NoError(t, err)

	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": sqliteRepo,
	}
}

func TestRepository_SaveAssignsSchemaIDs(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			schemaA := json.RawMessage(`{"type":"object","properties":{"a":{"type":"string"}}}`)
			schemaB := json.RawMessage(`{"type":"object","properties":{"b":{"type":"string"}}}`)

			v1, err := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m", OutputSchema: schemaA})
			require.NoError(t, err)
			assert.Equal(t, 1, v1.SchemaID)
			assert.NotEmpty(t, v1.ID)
			assert.False(t, v1.CreatedAt.IsZero())

			v2, err := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m", Temperature: llm.Float(1), OutputSchema: schemaA})
			require.NoError(t, err)
			assert.Equal(t, 1, v2.SchemaID, "same schema reuses the id")

			v3, err := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m", OutputSchema: schemaB})
			require.NoError(t, err)
			assert.Equal(t, 2, v3.SchemaID)

			again, err := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m", OutputSchema: schemaA})
			require.NoError(t, err)
			assert.Equal(t, v1.ID, again.ID)
			assert.Equal(t, v1.SchemaID, again.SchemaID)

			schemas, err := repo.Schemas(ctx, "agent")
			require.NoError(t, err)
			require.Len(t, schemas, 2)
			assert.Equal(t, 2, schemas[1].ID)

			got, err := repo.Get(ctx, "agent", v2.ID)
			require.NoError(t, err)
			assert.Equal(t, v2.ComputeID(), got.ComputeID())
			assert.Equal(t, 1.0, *got.Temperature)
		})
	}
}

func TestRepository_Immutable(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := repo.Save(ctx, &Version{ID: "fixed", AgentID: "agent", ModelID: "m1"})
			require.NoError(t, err)

			_, err = repo.Save(ctx, &Version{ID: "fixed", AgentID: "agent", ModelID: "m2"})
			assert.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestRepository_Deployments(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := repo.Deployment(ctx, "agent", EnvProduction, 1)
			assert.ErrorIs(t, err, ErrNotFound)

			v1, err := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m1"})
			require.NoError(t, err)
			v2, err := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m2"})
			require.NoError(t, err)

			d, err := repo.Deploy(ctx, "agent", EnvProduction, v1.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, d.SchemaID)

			_, err = repo.Deploy(ctx, "agent", EnvProduction, v2.ID)
			require.NoError(t, err)
			id, err := repo.Deployment(ctx, "agent", EnvProduction, 1)
			require.NoError(t, err)
			assert.Equal(t, v2.ID, id)

			_, err = repo.Deploy(ctx, "agent", EnvDev, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// =============================================================================
// RESOLVER
// =============================================================================

func TestResolver_ByID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	saved, err := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m"})
	require.NoError(t, err)

	r := NewResolver(repo)
	got, err := r.Resolve(ctx, "agent", Reference{VersionID: saved.ID})
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)

	_, err = r.Resolve(ctx, "agent", Reference{VersionID: "nope"})
	assert.True(t, apierr.Is(err, apierr.VersionNotFound))

	_, err = r.Resolve(ctx, "other-agent", Reference{VersionID: saved.ID})
	assert.True(t, apierr.Is(err, apierr.VersionNotFound))
}

func TestResolver_DeploymentIsReadEveryCall(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	r := NewResolver(repo)
	ref := Reference{Environment: EnvProduction, SchemaID: 1}

	_, err := r.Resolve(ctx, "agent", ref)
	assert.True(t, apierr.Is(err, apierr.VersionNotFound))

	v1, _ := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m1"})
	v2, _ := repo.Save(ctx, &Version{AgentID: "agent", ModelID: "m2"})

	_, err = repo.Deploy(ctx, "agent", EnvProduction, v1.ID)
	require.NoError(t, err)
	got, err := r.Resolve(ctx, "agent", ref)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ModelID)

	_, err = repo.Deploy(ctx, "agent", EnvProduction, v2.ID)
	require.NoError(t, err)
	got, err = r.Resolve(ctx, "agent", ref)
	require.NoError(t, err)
	assert.Equal(t, "m2", got.ModelID, "redeploy takes effect on the next resolution")
}

func TestResolver_Inline(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	r := NewResolver(repo)

	props := &Version{ModelID: "m", Instructions: "hi", OutputSchema: json.RawMessage(`{"type":"object","required":["a"],"properties":{"a":{"type":"string"}}}`)}
	v, err := r.Resolve(ctx, "agent", Reference{Inline: props})
	require.NoError(t, err)
	assert.Equal(t, "agent", v.AgentID)
	assert.NotEmpty(t, v.ID)
	assert.Zero(t, v.SchemaID, "unsaved schema has no id yet")

	_, err = r.Resolve(ctx, "agent", Reference{Inline: props})
	require.NoError(t, err)
	schemas, _ := repo.Schemas(ctx, "agent")
	assert.Empty(t, schemas, "resolver never writes")

	saved, err := repo.Save(ctx, v)
	require.NoError(t, err)
	again, err := r.Resolve(ctx, "agent", Reference{Inline: props})
	require.NoError(t, err)
	assert.Equal(t, saved.ID, again.ID)
	assert.Equal(t, 1, again.SchemaID)

	compatible := *props
	compatible.OutputSchema = json.RawMessage(`{"type":"object","required":["a"],"properties":{"a":{"type":"string"},"b":{"type":"number"}}}`)
	_, err = r.Resolve(ctx, "agent", Reference{Inline: &compatible})
	assert.NoError(t, err)

	incompatible := *props
	incompatible.OutputSchema = json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"}}}`)
	_, err = r.Resolve(ctx, "agent", Reference{Inline: &incompatible})
	assert.True(t, apierr.Is(err, apierr.SchemaMismatch))
}

func TestResolver_EmptyReference(t *testing.T) {
	_, err := NewResolver(NewMemoryRepository()).Resolve(context.Background(), "agent", Reference{})
	assert.True(t, apierr.Is(err, apierr.InvalidRequest))
}
