package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDir loads the merged configuration for a state directory:
// ~/.conveyor/config.json first, then <stateDir>/config.json on top.
func LoadDir(stateDir string) (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, filepath.Join(stateDir, "config.json"))
}

// GlobalPath returns the user-level config file path.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".conveyor", "config.json"), nil
}

// StorePath resolves where the configured backend keeps its data. An
// explicit relative path resolves against the state dir; with no override
// the file name follows the backend and format.
func (c *Config) StorePath(stateDir string) string {
	if c.Store.Path != "" {
		if filepath.IsAbs(c.Store.Path) {
			return c.Store.Path
		}
		return filepath.Join(stateDir, c.Store.Path)
	}
	if c.Store.Backend == "sqlite" {
		return filepath.Join(stateDir, "conveyor.db")
	}
	return filepath.Join(stateDir, "tasks."+c.Store.Format)
}

// mergeConfigFile unmarshals a JSON config file over the accumulated
// config, so only the keys a file sets override. Missing files are
// silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
