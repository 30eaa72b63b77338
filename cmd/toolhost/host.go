package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"goyais/toolhost/internal/agentcore/config"
	"goyais/toolhost/internal/agentcore/mcp"
	"goyais/toolhost/internal/agentcore/registry"
	"goyais/toolhost/internal/agentcore/safety"
	"goyais/toolhost/internal/agentcore/state"
	"goyais/toolhost/internal/agentcore/tools"
	"goyais/toolhost/internal/logging"
	"goyais/toolhost/internal/settings"
)

// host wires the components one command needs. Close releases everything it
// opened.
type host struct {
	cfg      *config.Config
	logger   *logrus.Logger
	store    settings.Store
	engine   *safety.Engine
	registry *registry.Registry
	catalog  *tools.Catalog
	coord    *tools.Coordinator

	stopWatch func()
}

func (a *App) loadConfig() (*config.Config, error) {
	global, project := config.DefaultPaths(a.deps.Env["HOME"], a.deps.WorkingDir)
	cfg, err := config.FileProvider{Extra: a.configPaths}.Load(global, project, a.deps.Env)
	if err != nil {
		return nil, &configError{err: err}
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	return cfg, nil
}

// openPermissions loads configuration, the trust store and the permission
// engine. Servers are not started.
func (a *App) openPermissions(ctx context.Context, prompter safety.Prompter) (*host, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel, a.deps.Stderr)
	h := &host{cfg: cfg, logger: logger}

	store, err := settings.Open(ctx, cfg.TrustStore, logging.Component(logger, "settings"))
	if err != nil {
		return nil, err
	}
	h.store = store

	rules := make([]safety.Rule, 0, len(cfg.Permissions.Rules))
	for _, rule := range cfg.Permissions.Rules {
		rules = append(rules, safety.Rule{Pattern: rule.Pattern, Effect: safety.Effect(rule.Effect)})
	}
	engine, err := safety.NewEngine(safety.Options{
		Rules:    rules,
		Store:    store,
		Prompter: prompter,
		Logger:   logging.Component(logger, "safety"),
	})
	if err != nil {
		h.Close()
		return nil, &configError{err: err}
	}
	if err := engine.LoadPersisted(ctx); err != nil {
		logger.WithError(err).Warn("continuing without saved trust decisions")
	}
	h.engine = engine
	return h, nil
}

// openHost is openPermissions plus the server registry, catalog and
// coordinator. Servers start connecting immediately.
func (a *App) openHost(ctx context.Context, prompter safety.Prompter) (*host, error) {
	h, err := a.openPermissions(ctx, prompter)
	if err != nil {
		return nil, err
	}
	cfg := h.cfg
	h.registry = registry.New(registry.Options{
		Dial: a.deps.Dial,
		Retry: registry.RetryPolicy{
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			MaxAttempts:    cfg.Retry.MaxAttempts,
		},
		InitTimeout:   cfg.Timeouts.Init,
		ShutdownGrace: cfg.Timeouts.ShutdownGrace,
		Client:        mcp.ClientInfo{Name: "toolhost", Version: a.deps.Version},
		Logger:        logging.Component(h.logger, "registry"),
	})
	h.catalog = tools.NewCatalog(h.registry, logging.Component(h.logger, "catalog"))
	h.stopWatch = h.catalog.Watch(h.registry)
	h.coord, err = tools.NewCoordinator(tools.Options{
		Catalog:        h.catalog,
		Servers:        h.registry,
		Permissions:    h.engine,
		DefaultTimeout: cfg.Timeouts.Invoke,
		Logger:         logging.Component(h.logger, "coordinator"),
	})
	if err != nil {
		h.Close()
		return nil, err
	}
	if err := h.registry.StartAll(cfg.Servers); err != nil {
		h.Close()
		return nil, &configError{err: err}
	}
	h.awaitServers(ctx)
	return h, nil
}

// awaitServers waits up to the init timeout for every server to become ready
// or give up, and logs the ones still connecting or retrying. They keep
// connecting in the background.
func (h *host) awaitServers(ctx context.Context) {
	timeout := h.cfg.Timeouts.Init
	if timeout <= 0 {
		timeout = config.DefaultInitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := h.registry.AwaitSettled(waitCtx)
	if err == nil {
		h.catalog.Rebuild()
		return
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return
	}
	for _, status := range h.registry.Status() {
		if status.State != state.ConnStateReady && !status.State.IsTerminal() {
			h.logger.WithFields(logrus.Fields{
				"server": status.Name,
				"after":  timeout.Round(time.Millisecond),
			}).Warn("mcp server still starting, continuing without it")
		}
	}
}

func (h *host) Close() {
	if h.stopWatch != nil {
		h.stopWatch()
	}
	if h.registry != nil {
		if err := h.registry.StopAll(); err != nil {
			h.logger.WithError(err).Warn("failed to stop mcp servers")
		}
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			h.logger.WithError(err).Warn("failed to close trust store")
		}
	}
}
