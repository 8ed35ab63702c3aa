package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/approval-engine/types"
)

// definitionsFile is the layout of a standalone definitions file.
type definitionsFile struct {
	Workflows []types.Workflow `yaml:"workflows"`
}

// Load reads the config file at path over the defaults, pulls in every
// referenced definitions file and validates the result. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	dir := filepath.Dir(path)
	for _, def := range cfg.Definitions {
		if !filepath.IsAbs(def) {
			def = filepath.Join(dir, def)
		}
		wfs, err := LoadDefinitions(def)
		if err != nil {
			return nil, err
		}
		cfg.Workflows = append(cfg.Workflows, wfs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDefinitions parses a YAML file with a top-level workflows list.
func LoadDefinitions(path string) ([]types.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions %s: %w", path, err)
	}
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse definitions %s: %w", path, err)
	}
	if len(f.Workflows) == 0 {
		return nil, fmt.Errorf("definitions %s: no workflows", path)
	}
	return f.Workflows, nil
}
