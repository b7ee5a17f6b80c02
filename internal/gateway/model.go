package gateway

import (
	"strconv"
	"strings"

	"github.com/workflowai/inference-gateway/internal/adapters"
	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/versions"
)

// modelRef is a parsed model string. Either Model is set (the version is
// built inline from the request) or Reference selects a stored version.
type modelRef struct {
	AgentID   string
	Model     string
	Reference versions.Reference
}

func (m modelRef) inline() bool { return m.Model != "" }

// parseModel accepts:
//
//	model                 catalog id
//	provider/model        any model of a configured provider
//	agent/model           catalog id, runs grouped under agent
//	agent/provider/model
//	agent/#schema/env     deployed version, e.g. translator/#1/production
//	agent/version-id      saved version
//
// A leading provider id always wins, so provider model names may contain "/".
func parseModel(s string, catalog *adapters.Catalog) (modelRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return modelRef{}, apierr.New(apierr.InvalidRequest, "model is required")
	}
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return modelRef{}, apierr.New(apierr.InvalidRequest, "invalid model %q", s)
		}
	}
	if len(parts) == 1 {
		return modelRef{Model: s}, nil
	}
	if _, ok := adapters.ParseProvider(parts[0]); ok {
		return modelRef{Model: s}, nil
	}

	agent, rest := parts[0], parts[1:]
	if schema, ok := strings.CutPrefix(rest[0], "#"); ok {
		if len(rest) != 2 {
			return modelRef{}, apierr.New(apierr.InvalidRequest, "invalid deployment reference %q (expected agent/#schema/environment)", s)
		}
		id, err := strconv.Atoi(schema)
		if err != nil || id < 1 {
			return modelRef{}, apierr.New(apierr.InvalidRequest, "invalid schema id %q", rest[0])
		}
		env, err := versions.ParseEnvironment(rest[1])
		if err != nil {
			return modelRef{}, apierr.Wrap(apierr.InvalidRequest, err, "")
		}
		return modelRef{AgentID: agent, Reference: versions.Reference{Environment: env, SchemaID: id}}, nil
	}

	if len(rest) == 1 {
		if _, ok := catalog.Lookup(rest[0]); ok {
			return modelRef{AgentID: agent, Model: rest[0]}, nil
		}
		return modelRef{AgentID: agent, Reference: versions.Reference{VersionID: rest[0]}}, nil
	}
	if _, ok := adapters.ParseProvider(rest[0]); ok {
		return modelRef{AgentID: agent, Model: strings.Join(rest, "/")}, nil
	}
	return modelRef{}, apierr.New(apierr.InvalidRequest, "invalid model %q", s)
}
