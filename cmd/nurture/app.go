package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/nurture/internal/ai"
	"github.com/rendis/nurture/internal/channels"
	"github.com/rendis/nurture/internal/condition"
	"github.com/rendis/nurture/internal/dispatch"
	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/eventbus"
	"github.com/rendis/nurture/internal/logging"
	"github.com/rendis/nurture/internal/scheduler"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/internal/trigger"
	"github.com/rendis/nurture/internal/validation"
	"github.com/rendis/nurture/pkg/mcp"
)

// app is the wired runtime shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	bus       *eventbus.Bus
	watchers  *mcp.WatchRegistry
	notifier  *mcp.Notifier
	engine    *engine.Engine
	pool      *engine.WorkerPool
	graphs    *validation.GraphValidator
	listener  *trigger.Listener
	publisher *trigger.PublishService
	scheduler *scheduler.Scheduler
}

// newApp opens the store and wires the engine with its collaborators.
// Callers must Close the returned app.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	graphs, err := validation.NewGraphValidator()
	if err != nil {
		return fmt.Errorf("graph validator: %w", err)
	}
	a.graphs = graphs

	var (
		judge   condition.Judge
		drafter dispatch.Drafter
	)
	if cfg.AIURL != "" {
		client, err := ai.NewClient(ai.Config{
			Endpoint: cfg.AIURL,
			APIKey:   cfg.AIKey,
			Model:    cfg.AIModel,
			TextPath: cfg.AITextPath,
		}, logging.WithModule(a.logger, "ai"))
		if err != nil {
			return fmt.Errorf("ai client: %w", err)
		}
		judge, drafter = client, client
	} else {
		a.logger.Warn("no ai_url configured: ai messages and ai_rule conditions will fail")
	}

	if cfg.SendURL == "" {
		return errors.New("send_url is required")
	}
	sender, err := dispatch.NewHTTPSender(dispatch.HTTPSenderConfig{URL: cfg.SendURL, Token: cfg.SendToken}, logging.WithModule(a.logger, "sender"))
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}

	pub, sub, err := channels.New(channels.Config{
		Provider:      channels.Provider(cfg.Channel),
		Brokers:       cfg.KafkaBrokers,
		ConsumerGroup: "nurture",
	}, logging.WithModule(a.logger, "channels"))
	if err != nil {
		return fmt.Errorf("channels: %w", err)
	}
	a.bus = eventbus.New(pub, sub, eventbus.Config{
		EventsTopic: cfg.EventsTopic,
		StageTopic:  cfg.StageTopic,
	}, logging.WithModule(a.logger, "eventbus"))

	a.watchers = mcp.NewWatchRegistry()
	a.notifier = mcp.NewNotifier(a.watchers)

	a.engine = engine.New(
		a.store,
		condition.NewEvaluator(a.store, judge, logging.WithModule(a.logger, "condition")),
		dispatch.New(sender, drafter, a.store, logging.WithModule(a.logger, "dispatch")),
		engine.Publishers{a.bus, a.notifier},
		cfg.engineConfig(),
		logging.WithModule(a.logger, "engine"),
	)

	poolLogger := logging.WithModule(a.logger, "pool")
	a.pool = engine.NewWorkerPool(cfg.PoolSize, engine.PoolOptions{
		OnError: func(key string, err error) {
			poolLogger.Error("task failed", slog.String("key", key), slog.String("error", err.Error()))
		},
	})

	a.listener = trigger.NewListener(a.engine, a.store, a.pool, logging.WithModule(a.logger, "trigger"))
	a.publisher = trigger.NewPublishService(a.store, graphs, a.listener, logging.WithModule(a.logger, "publish"))

	a.scheduler, err = scheduler.NewScheduler(a.engine, a.pool, scheduler.Config{
		Schedule:  cfg.SweepSchedule,
		BatchSize: cfg.SweepBatch,
	}, logging.WithModule(a.logger, "scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

// mcpServer builds the tool server over the wired components.
func (a *app) mcpServer() *mcp.NurtureServer {
	return mcp.NewNurtureServer(mcp.NurtureServerDeps{
		Engine:    a.engine,
		Workflows: a.store,
		Publisher: a.publisher,
		Sweeper:   a.scheduler,
		Stages:    a.listener,
		Graphs:    a.graphs,
		Watchers:  a.watchers,
		Notifier:  a.notifier,
		Logger:    logging.WithModule(a.logger, "mcp"),
	})
}

// Close stops background work, then releases the bus and the store.
func (a *app) Close() error {
	var errs []error
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop())
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
