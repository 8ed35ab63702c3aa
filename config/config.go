// Package config provides configuration loading for the approval engine.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete engine configuration
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	Workflows []types.Workflow `yaml:"workflows"`
	// Definitions lists extra YAML files holding workflow definitions.
	// Relative paths resolve against the directory of the config file.
	Definitions []string `yaml:"definitions"`
}

// LogConfig configures structured logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Backend string               `yaml:"backend"`
	Redis   storage.RedisOptions `yaml:"redis"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: storage.RedisOptions{
				Addr:         "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				IdleTimeout:  5 * time.Minute,
				Namespace:    "approvals:",
			},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or redis, got %q", c.Storage.Backend)
	}

	seen := make(map[string]bool, len(c.Workflows))
	for i, wf := range c.Workflows {
		if wf.Name == "" {
			return fmt.Errorf("workflows[%d].name is required", i)
		}
		if seen[wf.Name] {
			return fmt.Errorf("workflow %q defined twice", wf.Name)
		}
		seen[wf.Name] = true
	}
	return nil
}

// ParseLevel maps a level name to its slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds a logger writing to w as configured.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
