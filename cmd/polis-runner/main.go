// Package main is the entry point for the polis-runner binary.
// It runs pipeline definitions once, prints their execution plan, or serves
// the coordinator with file watches and schedules.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polisai/polis-runner/pkg/config"
	"github.com/polisai/polis-runner/pkg/definition"
	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/polisai/polis-runner/pkg/engine"
	"github.com/polisai/polis-runner/pkg/logging"
	"github.com/polisai/polis-runner/pkg/storage"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// errRunFailed makes `run` exit non-zero without printing a second error.
var errRunFailed = errors.New("pipeline run did not succeed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-runner
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-runner",
		Short: "Local pipeline execution engine",
		Long: `Runs pipeline definitions: graphs of tool invocations executed one node at a
time as time-bounded child processes, with per-run artifacts on disk.

Examples:
  polis-runner run pipelines/transcribe.yaml
  polis-runner plan pipelines/report.hcl
  polis-runner serve --config runner.yaml`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML)")
	flags.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "Human readable log output")
	flags.String("work-dir", "", "Directory holding one working directory per run")
	flags.Duration("node-timeout", 0, "Default wall-clock budget of a node process")

	rootCmd.AddCommand(newRunCmd(), newPlanCmd(), newServeCmd())
	return rootCmd
}

// loadConfig resolves the runner configuration: defaults, then the config
// file, then POLIS_RUNNER_* variables, then flags.
func loadConfig(cmd *cobra.Command) (config.RunnerConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.RunnerConfig{}, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return config.RunnerConfig{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("pretty") {
		cfg.Log.Pretty, _ = flags.GetBool("pretty")
	}
	if flags.Changed("work-dir") {
		cfg.WorkDir, _ = flags.GetString("work-dir")
	}
	if flags.Changed("node-timeout") {
		cfg.NodeTimeout, _ = flags.GetDuration("node-timeout")
	}

	if err := cfg.Validate(); err != nil {
		return config.RunnerConfig{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.RunnerConfig, out io.Writer) *slog.Logger {
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: out,
	})
	slog.SetDefault(logger)
	return logger
}

// newCoordinator wires the workspace, registry, process runner and
// coordinator shared by every command.
func newCoordinator(cfg config.RunnerConfig, metrics engine.MetricsRecorder, logger *slog.Logger) (*engine.Coordinator, error) {
	workspace, err := storage.NewWorkspace(cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	registry := engine.NewRegistry(engine.RegistryConfig{
		Artifacts: workspace,
		Metrics:   metrics,
		Logger:    logger,
	})
	runner := engine.NewProcessRunner(engine.ProcessRunnerConfig{
		Timeout: cfg.NodeTimeout,
		Logger:  logger,
	})

	return engine.NewCoordinator(engine.CoordinatorConfig{
		Registry:  registry,
		Executor:  runner,
		Artifacts: workspace,
		Metrics:   metrics,
		Logger:    logger,
	})
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <definition>",
		Short: "Execute a pipeline definition once and print the final run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runPipeline,
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	def, err := definition.Load(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := setupTelemetry(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	coord, err := newCoordinator(cfg, nil, logger)
	if err != nil {
		return err
	}

	runID, err := coord.Submit(ctx, def, engine.WithProgress(func(run domain.Run) {
		if run.CurrentNode == "" {
			return
		}
		logger.Info("pipeline progress",
			"run_id", run.ID,
			"status", run.Status,
			"current_node", run.CurrentNode,
			"progress", run.Progress,
		)
	}))
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if coord.Cancel(runID) {
			logger.Warn("cancelling run on signal; the node in flight will finish first", "run_id", runID)
		}
	}()

	run, err := coord.Wait(context.WithoutCancel(ctx), runID)
	if err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}

	if err := writeJSON(cmd.OutOrStdout(), run); err != nil {
		return err
	}
	if run.Status != domain.RunSuccess {
		return errRunFailed
	}
	return nil
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <definition>",
		Short: "Validate a pipeline definition and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE:  planPipeline,
	}
}

func planPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	def, err := definition.Load(args[0])
	if err != nil {
		return err
	}
	return printPlan(cmd.OutOrStdout(), def, engine.NewToolTable(), logger)
}

// printPlan writes one line per node in execution order with the command it
// resolves to.
func printPlan(out io.Writer, def domain.PipelineDefinition, tools *engine.ToolTable, logger *slog.Logger) error {
	order, acyclic := engine.ExecutionOrder(def.Nodes, def.Connections, logger)
	specs := make(map[string]domain.NodeSpec, len(def.Nodes))
	for _, spec := range def.Nodes {
		specs[spec.ID] = spec
	}

	name := def.Name
	if name == "" {
		name = domain.DefaultPipelineName
	}
	fmt.Fprintf(out, "%s: %d nodes\n", name, len(order))
	if !acyclic {
		fmt.Fprintln(out, "warning: graph contains a cycle, nodes run in declaration order")
	}

	invalid := 0
	for i, id := range order {
		spec := specs[id]
		command, ok, err := tools.Resolve(spec)
		switch {
		case err != nil:
			invalid++
			fmt.Fprintf(out, "%2d. %s (%s): config error: %v\n", i+1, id, spec.Tool, err)
		case !ok:
			fmt.Fprintf(out, "%2d. %s (%s): no-op\n", i+1, id, spec.Tool)
		default:
			fmt.Fprintf(out, "%2d. %s (%s): %q\n", i+1, id, spec.Tool, command.Argv())
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d node(s) have configuration errors", invalid)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
