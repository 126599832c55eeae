// Command loom validates, runs, serves, and schedules declarative
// workflow definitions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/loom/internal/diagram"
	"github.com/rendis/loom/internal/llm"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/scheduler"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/engine"
	"github.com/rendis/loom/pkg/mcp"
	"github.com/rendis/loom/pkg/memory"
	"github.com/rendis/loom/pkg/operators"
	"github.com/rendis/loom/pkg/schema"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Run declarative LLM task-graph workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd(), newRunCmd(), newServeCmd(), newScheduleCmd(), newDiagramCmd())
	return root
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate a workflow definition and report every issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := schema.LoadFile(args[0])
			if err != nil {
				return err
			}
			result := validation.NewPipeline().Validate(wf)
			if result.Valid() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", wf.Name)
				return nil
			}
			for _, issue := range result.Issues {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", issue.Path, issue.Message)
			}
			return fmt.Errorf("%d validation issues", len(result.Issues))
		},
	}
}

func newDiagramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagram <workflow-file>",
		Short: "Render a workflow's task graph as a Mermaid flowchart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := schema.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := validation.ValidateWorkflow(wf); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(wf))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var input string
	var journal bool

	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)

			wf, err := schema.LoadFile(args[0])
			if err != nil {
				return err
			}

			eng, cleanup, err := buildEngine(cfg, logger, journal)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, runErr := eng.Run(ctx, wf, input)
			if res != nil {
				fmt.Fprintln(cmd.OutOrStdout(), res.Output)
				logger.Info("run result",
					slog.String("run_id", res.RunID),
					slog.String("status", string(res.Status)),
					slog.Int("steps", res.Steps))
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "initial input made available under __input")
	cmd.Flags().BoolVar(&journal, "journal", false, "persist the run and its events to the database")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)

			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			eng, err := buildServerEngine(cfg, logger, db)
			if err != nil {
				return err
			}

			srv := mcp.NewLoomServer(mcp.LoomServerDeps{
				Engine: eng,
				Store:  db,
				Logger: logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run stored workflows on their cron schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)

			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			eng, err := buildServerEngine(cfg, logger, db)
			if err != nil {
				return err
			}

			sched := scheduler.New(db, &engineRunner{engine: eng}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return sched.Stop()
		},
	}
	cmd.AddCommand(newScheduleAddCmd(), newScheduleRemoveCmd(), newScheduleListCmd())
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "add <workflow-name> <cron-expression>",
		Short: "Schedule a stored workflow on a cron expression",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, cronExpr := args[0], args[1]

			db, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if _, err := db.GetWorkflow(ctx, name); err != nil {
				return err
			}
			next, err := scheduler.NextRun(cronExpr, time.Now().UTC())
			if err != nil {
				return err
			}

			job := &store.ScheduledJob{
				ID:        uuid.NewString(),
				Workflow:  name,
				CronExpr:  cronExpr,
				Input:     input,
				Enabled:   true,
				CreatedAt: time.Now().UTC(),
			}
			if err := db.CreateScheduledJob(ctx, job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s (job %s), next run %s\n",
				name, job.ID, next.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "input passed to each scheduled run")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteScheduledJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed job %s\n", args[0])
			return nil
		},
	}
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := db.ListScheduledJobs(cmd.Context())
			if err != nil {
				return err
			}
			for _, job := range jobs {
				state := "enabled"
				if !job.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s  %-16s  %s\n",
					job.ID, job.Workflow, job.CronExpr, state)
			}
			return nil
		},
	}
}

// engineRunner adapts the engine to the scheduler's runner contract.
type engineRunner struct {
	engine *engine.Engine
}

func (r *engineRunner) RunWorkflow(ctx context.Context, wf *schema.Workflow, input string) error {
	_, err := r.engine.Run(ctx, wf, input)
	return err
}

func openStore(cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(loomDir(), 0o755); err != nil {
		return nil, err
	}
	db, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buildEngine wires the engine for a single-workflow run; the journal
// is only attached on request.
func buildEngine(cfg Config, logger *slog.Logger, journal bool) (*engine.Engine, func(), error) {
	client := newLLMClient(cfg)

	registry, err := operators.NewDefaultRegistry(operators.Capabilities{
		Generator:  client,
		ToolCaller: client,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSemanticStore(memory.NewSemanticStore(client)),
	}
	cleanup := func() {}

	if journal {
		db, err := openStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, engine.WithJournal(store.NewRunJournal(db)))
		cleanup = func() { db.Close() }
	}

	eng, err := engine.New(registry, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}

// buildServerEngine wires the long-lived engine used by serve and
// schedule, journaling every run.
func buildServerEngine(cfg Config, logger *slog.Logger, db *store.LibSQLStore) (*engine.Engine, error) {
	client := newLLMClient(cfg)

	registry, err := operators.NewDefaultRegistry(operators.Capabilities{
		Generator:  client,
		ToolCaller: client,
	})
	if err != nil {
		return nil, err
	}

	return engine.New(registry,
		engine.WithLogger(logger),
		engine.WithJournal(store.NewRunJournal(db)),
		engine.WithSemanticStore(memory.NewSemanticStore(client)),
	)
}

func newLLMClient(cfg Config) *llm.Client {
	return llm.NewClient(llm.Config{
		BaseURL:    cfg.LLMBaseURL,
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.LLMModel,
		EmbedModel: cfg.EmbedModel,
		Timeout:    cfg.LLMTimeout(),
	}, llm.WithToolExecutor(llm.NewStandardToolExecutor()))
}
