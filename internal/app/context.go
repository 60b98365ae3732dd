// Package app resolves the per-workspace runtime context shared by the CLI
// and the HTTP server.
package app

import (
	"path/filepath"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/config"
)

const defaultPlantID = "plant-1"

// ResolveConfig loads trialcard.yml from the workspace, falling back to the
// built-in default flow when the file does not exist. An empty reports dir
// resolves under the workspace data directory.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(defaultPlantID)
	}
	if cfg.Reports.Dir == "" {
		if workspace == "" {
			workspace = "."
		}
		cfg.Reports.Dir = filepath.Join(workspace, ".trialcard", "reports")
	}
	return cfg, nil
}
