package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/nurture/internal/logging"
	"github.com/rendis/nurture/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine: stage-entry listener, due sweep and MCP tool server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			level := new(slog.LevelVar)
			level.Set(logging.ParseLevel(cfg.LogLevel))
			logger := logging.NewLeveled(os.Stderr, level, cfg.LogFormat)
			slog.SetDefault(logger)
			return runServe(ctx, cmd, cfg, level, logger)
		},
	}
}

func runServe(ctx context.Context, cmd *cli.Command, cfg Config, level *slog.LevelVar, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEndpoint != "" {
		shutdown, err := tracing.Setup(ctx, "nurture", cfg.OTelEndpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Error("failed to shut down tracer provider", slog.String("error", err.Error()))
			}
		}()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := writePIDFile(); err != nil {
		logger.Warn("pid file not written", slog.String("error", err.Error()))
	} else {
		defer os.Remove(pidPath())
	}
	go watchReload(ctx, cmd, cfg, level, logger)

	if err := a.bus.SubscribeStageEntries(ctx, a.listener.HandleStageEntry); err != nil {
		return fmt.Errorf("subscribe stage entries: %w", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := a.mcpServer()
	logger.Info("nurture started",
		slog.String("transport", cfg.Transport),
		slog.String("db_path", cfg.DBPath),
		slog.String("channel", cfg.Channel),
		slog.Int("pool_size", cfg.PoolSize))

	if cfg.Transport == "stdio" {
		err := srv.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", srv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "pool": a.pool.Metrics()})
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func writePIDFile() error {
	if err := os.MkdirAll(nurtureDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// watchReload re-resolves the configuration on SIGHUP. Only the log level
// applies live; other changes are reported as needing a restart.
func watchReload(ctx context.Context, cmd *cli.Command, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := loadConfig(cmd)
		if err != nil {
			logger.Error("reload rejected", slog.String("error", err.Error()))
			continue
		}
		diff := diffConfigs(current, next)
		if diff.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("log_level", next.LogLevel))
		}
		if len(diff.RestartNeeded) > 0 {
			logger.Warn("settings changed that need a restart", slog.Any("fields", diff.RestartNeeded))
		}
		current = next
	}
}
