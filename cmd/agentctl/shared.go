package main

import (
	"fmt"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/state"
)

// openStore loads the agent's configuration and opens its local state
// store. bbolt allows only one writer process at a time (state.Open sets a
// 5s lock-acquisition timeout), so this blocks briefly, then fails, if the
// agent process currently holds the file open — in which case retry once
// the agent has released it, or run these commands from the same host
// while the agent is stopped.
func openStore() (*config.Config, *state.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	st, err := state.Open(cfg.LocalState.Path, cfg.LocalState.FallbackPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store (is the agent running? state files are single-writer): %w", err)
	}

	return cfg, st, nil
}

// loadConfigOnly loads configuration without touching the state store, for
// commands like ami-check that don't need it.
func loadConfigOnly() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
