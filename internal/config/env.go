package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// applyEnv overlays MIRRORBOT_* variables onto a parsed file. Only
// secrets and endpoints are overridable; see the env tags in types.go.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}
