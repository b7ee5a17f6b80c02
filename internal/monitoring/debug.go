// Package monitoring - debug.go runs the optional gops diagnostics agent.
//
// DESIGN: The agent lets operators inspect a live gateway (goroutine dumps,
// GC stats, heap profiles) with the gops CLI. It is off unless an address is
// configured and only ever binds where it is told to.
package monitoring

import (
	"fmt"

	"github.com/google/gops/agent"
	"github.com/rs/zerolog/log"
)

// DebugConfig enables the gops agent.
type DebugConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:6060". Empty disables the agent.
	Addr string
	// ConfigDir holds the agent's port file; empty uses the gops default.
	ConfigDir string
}

// StartDebugAgent starts the gops agent. The returned func stops it.
func StartDebugAgent(cfg DebugConfig) (func() error, error) {
	if cfg.Addr == "" {
		return func() error { return nil }, nil
	}
	if err := agent.Listen(agent.Options{Addr: cfg.Addr, ConfigDir: cfg.ConfigDir}); err != nil {
		return nil, fmt.Errorf("start gops agent: %w", err)
	}
	log.Info().Str("addr", cfg.Addr).Msg("gops agent listening")
	return func() error {
		agent.Close()
		return nil
	}, nil
}
