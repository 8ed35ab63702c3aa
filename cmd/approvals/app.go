package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/workflow"
)

// app holds what the subcommands share. The engine is built on first use
// and reused for the rest of the process.
type app struct {
	configPath   string
	logLevel     string
	printMetrics bool
	// logOut receives log output; nil means stderr.
	logOut io.Writer

	cfg     *config.Config
	logger  *slog.Logger
	engine  *workflow.Engine
	metrics *prometheus.Registry
	closers []func() error
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	out := a.logOut
	if out == nil {
		out = os.Stderr
	}
	logger, err := cfg.Log.NewLogger(out)
	if err != nil {
		return nil, err
	}
	a.cfg, a.logger = cfg, logger
	return cfg, nil
}

func (a *app) setup(ctx context.Context) (*workflow.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := a.openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	a.metrics = prometheus.NewRegistry()
	m, err := workflow.NewMetrics(a.metrics)
	if err != nil {
		return nil, err
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	engine, err := workflow.NewEngine(snowflake, store, nil,
		workflow.WithLogger(a.logger),
		workflow.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return engine.Stop(context.Background()) })

	if len(cfg.Workflows) > 0 {
		if err := engine.RegisterWorkflows(ctx, cfg.Workflows); err != nil {
			return nil, err
		}
	}
	a.logger.Debug("engine ready",
		"backend", cfg.Storage.Backend,
		"workflows", len(cfg.Workflows))

	a.engine = engine
	return engine, nil
}

// mutate is setup for commands that change state. With the memory backend
// those changes end with the process, so the caller is warned.
func (a *app) mutate(ctx context.Context) (*workflow.Engine, error) {
	engine, err := a.setup(ctx)
	if err != nil {
		return nil, err
	}
	if a.cfg.Storage.Backend != config.BackendRedis {
		a.logger.Warn("memory storage: changes are lost when this command exits; set storage.backend to redis to keep them")
	}
	return engine, nil
}

func (a *app) openStorage(cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rs, err := storage.NewRedisStorage(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	default:
		return storage.NewMemoryStorage(), nil
	}
}

// dumpMetrics writes every transition counter with a non-zero value.
func (a *app) dumpMetrics(w io.Writer) error {
	if a.metrics == nil {
		return nil
	}
	families, err := a.metrics.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() == nil || m.GetCounter().GetValue() == 0 {
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the engine and releases storage. Safe to call twice.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}
