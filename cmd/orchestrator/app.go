package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentspilot/orchestrator/internal/actions"
	"github.com/agentspilot/orchestrator/internal/approval"
	"github.com/agentspilot/orchestrator/internal/audit"
	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/lease"
	"github.com/agentspilot/orchestrator/internal/plans"
	"github.com/agentspilot/orchestrator/internal/providers"
	"github.com/agentspilot/orchestrator/internal/scheduler"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/internal/streaming"
	"github.com/agentspilot/orchestrator/internal/tasks"
	"github.com/agentspilot/orchestrator/internal/validation"
)

// app is the wired process: one store, one engine and their collaborators.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	validator *validation.JSONSchemaValidator
	registry  *actions.Registry
	plans     *plans.Repository
	notifier  *notifierSwapper
	events    *streaming.MemoryHub
	orch      *engine.Orchestrator
	scheduler *scheduler.Scheduler

	closers []func() error
}

// newApp opens the configured backends and builds the orchestrator. Close
// releases everything newApp opened, in reverse order.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if a.validator, err = validation.NewJSONSchemaValidator(); err != nil {
		return nil, err
	}

	a.registry = actions.NewRegistry(logger)
	if _, err = a.registry.RegisterPlugin(actions.CorePlugin(logger, a.validator)); err != nil {
		return nil, err
	}
	for _, pc := range cfg.Plugins {
		p, dialErr := actions.DialStdio(ctx, pc, logger)
		if dialErr != nil {
			return nil, fmt.Errorf("plugin %s: %w", pc.Name, dialErr)
		}
		a.closers = append(a.closers, p.Close)
		n, regErr := a.registry.RegisterPlugin(p)
		if regErr != nil {
			return nil, regErr
		}
		logger.Info("mcp plugin registered", slog.String("plugin", pc.Name), slog.Int("actions", n))
	}

	locker, err := openLocker(cfg.Lease)
	if err != nil {
		return nil, err
	}
	if c, ok := locker.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	sink, err := openAudit(ctx, cfg.Audit, logger)
	if err != nil {
		return nil, err
	}
	a.events = streaming.NewMemoryHub()
	sink = audit.MultiSink{sink, streaming.HubSink{Hub: a.events}}

	policy, err := approval.NewPolicy(cfg.Approval.Policy)
	if err != nil {
		return nil, fmt.Errorf("approval policy: %w", err)
	}

	var intel providers.IntelligenceProvider = providers.Unconfigured{}
	if cfg.Intelligence.Plugin != "" {
		intel = providers.ActionIntelligence{Actions: a.registry, Plugin: cfg.Intelligence.Plugin, Action: cfg.Intelligence.Action}
	}

	queue := tasks.NewAsyncQueue(cfg.Tasks, logger)
	a.closers = append(a.closers, func() error { queue.Close(); return nil })

	a.plans = plans.NewRepository(a.store, a.validator, cfg.Plans.CacheTTL, logger)
	a.notifier = newNotifierSwapper(providers.LogNotifier{Logger: logger})

	if a.orch, err = engine.New(cfg.Engine, engine.Deps{
		Store:        a.store,
		Actions:      a.registry,
		Intelligence: intel,
		Notifier:     a.notifier,
		Audit:        sink,
		Tasks:        queue,
		Locker:       locker,
		Plans:        a.plans,
		Policy:       policy,
		Logger:       logger,
	}); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.orch.Close(); return nil })

	a.scheduler = scheduler.NewScheduler(a.store, a.orch, a.orch, cfg.Scheduler, logger)
	return a, nil
}

// Close runs the closers in reverse order and joins their errors.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
	default:
		return store.NewLibSQLStore(cfg.Path)
	}
}

func openLocker(cfg LeaseConfig) (lease.Locker, error) {
	switch cfg.Driver {
	case "redis":
		return lease.NewRedisLocker(lease.RedisConfig{
			Addrs:     cfg.Redis.Addrs,
			Password:  cfg.Redis.Password,
			Namespace: cfg.Redis.Namespace,
		}), nil
	case "memory", "":
		return lease.NewMemoryLocker(), nil
	}
	return nil, fmt.Errorf("unknown lease driver %q", cfg.Driver)
}

func openAudit(ctx context.Context, cfg AuditConfig, logger *slog.Logger) (audit.Sink, error) {
	switch cfg.Driver {
	case "none":
		return audit.Nop{}, nil
	case "object":
		obj, err := audit.NewObjectSink(ctx, cfg.Object)
		if err != nil {
			return nil, fmt.Errorf("audit object sink: %w", err)
		}
		// Archived entries are logged too.
		return audit.MultiSink{&audit.LogSink{Logger: logger}, obj}, nil
	default:
		return &audit.LogSink{Logger: logger}, nil
	}
}

// notifierSwapper is a providers.Notifier whose target can be replaced once
// a delivery channel exists, e.g. after the MCP server is built on top of
// the engine.
type notifierSwapper struct {
	mu sync.RWMutex
	n  providers.Notifier
}

func newNotifierSwapper(n providers.Notifier) *notifierSwapper {
	return &notifierSwapper{n: n}
}

func (s *notifierSwapper) Notify(ctx context.Context, recipients []string, subject, body string, data map[string]any) error {
	s.mu.RLock()
	n := s.n
	s.mu.RUnlock()
	return n.Notify(ctx, recipients, subject, body, data)
}

// Swap replaces the underlying notifier atomically.
func (s *notifierSwapper) Swap(n providers.Notifier) {
	s.mu.Lock()
	s.n = n
	s.mu.Unlock()
}
