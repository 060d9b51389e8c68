package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/logging"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/internal/trigger"
	"github.com/rendis/nurture/internal/validation"
	"github.com/rendis/nurture/pkg/schema"
)

// setup resolves the configuration and builds the command's logger.
func setup(cmd *cli.Command) (Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat), nil
}

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *app) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
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
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the database schema",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("database migrated", slog.String("db_path", cfg.DBPath))
			return nil
		},
	}
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a workflow graph file without storing it",
		ArgsUsage: "<graph.json>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("graph file is required")
			}
			result, err := validateGraphFile(path)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.Root().Writer, result); err != nil {
				return err
			}
			if !result.Valid() {
				return errors.New("graph is invalid")
			}
			return nil
		},
	}
}

func validateGraphFile(path string) (*schema.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := schema.ParseGraph(data)
	if err != nil {
		return nil, err
	}
	graphs, err := validation.NewGraphValidator()
	if err != nil {
		return nil, err
	}
	return graphs.Validate(g), nil
}

func newStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Run a workflow for one lead",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "workflow id", Required: true},
			&cli.StringFlag{Name: "lead", Usage: "lead id", Required: true},
			&cli.StringFlag{Name: "sender", Usage: "lead's channel identity", Required: true},
			&cli.BoolFlag{Name: "manual", Usage: "test run; ignores the publish flag"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				res, err := a.engine.Start(ctx, engine.StartRequest{
					WorkflowID: cmd.String("workflow"),
					LeadID:     cmd.String("lead"),
					SenderID:   cmd.String("sender"),
					Manual:     cmd.Bool("manual"),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.Root().Writer, res)
			})
		},
	}
}

func newPublishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Publish or unpublish a workflow and wait for its backfill",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "workflow id", Required: true},
			&cli.BoolFlag{Name: "unpublish", Usage: "disable the workflow instead"},
			&cli.BoolFlag{Name: "apply-to-existing", Usage: "override the trigger's backfill setting"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				req := trigger.PublishRequest{
					WorkflowID: cmd.String("workflow"),
					Published:  !cmd.Bool("unpublish"),
				}
				if cmd.IsSet("apply-to-existing") {
					apply := cmd.Bool("apply-to-existing")
					req.ApplyToExisting = &apply
				}
				res, err := a.publisher.Publish(ctx, req)
				if err != nil {
					return err
				}
				out := map[string]any{"publish": res}
				if res.Backfill != nil {
					out["backfill"] = res.Backfill.Wait()
				}
				return printJSON(cmd.Root().Writer, out)
			})
		},
	}
}

func newSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Resume every due execution once and exit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				run, err := a.scheduler.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.Root().Writer, run.Wait())
			})
		},
	}
}
