package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/polisai/polis-runner/pkg/engine/runtime"
	"github.com/polisai/polis-runner/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCoordinatorClosed is returned by Submit after Shutdown has started.
var ErrCoordinatorClosed = errors.New("coordinator is shut down")

// ArtifactStore persists the per-run artifacts: the submitted definition, one
// log per node and the final snapshot.
type ArtifactStore interface {
	RunDirRemover
	CreateRunDir(runID string) (string, error)
	WriteDefinition(runID string, def domain.PipelineDefinition) error
	WriteNodeLog(runID string, node domain.ExecutionNode) error
	WriteResult(runID string, run domain.Run) error
}

// CoordinatorConfig holds dependencies for creating a Coordinator.
type CoordinatorConfig struct {
	Registry  *Registry
	Executor  runtime.NodeExecutor
	Artifacts ArtifactStore
	Metrics   MetricsRecorder
	Logger    *slog.Logger
	// Now and NewRunID override the clock and id allocation; used by tests.
	Now      func() time.Time
	NewRunID func(now time.Time) string
}

// Coordinator owns the lifecycle of every run: it orders the nodes, drives
// them one at a time through the executor, records results in the registry,
// persists artifacts and publishes progress and completion events.
type Coordinator struct {
	registry  *Registry
	executor  runtime.NodeExecutor
	artifacts ArtifactStore
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time
	newRunID  func(time.Time) string
	bus       *eventBus
	tracer    trace.Tracer
	// mu orders submissions against Shutdown: a submission either sees
	// closed or is counted in wg before Shutdown starts waiting.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator bound to the given registry.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("coordinator: registry is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("coordinator: executor is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("coordinator: artifact store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newRunID := cfg.NewRunID
	if newRunID == nil {
		newRunID = NewRunID
	}

	return &Coordinator{
		registry:  cfg.Registry,
		executor:  cfg.Executor,
		artifacts: cfg.Artifacts,
		metrics:   metrics,
		logger:    logger,
		now:       now,
		newRunID:  newRunID,
		bus:       newEventBus(logger),
		tracer:    otel.Tracer("polis.runner"),
	}, nil
}

// NewRunID allocates a run id of the form run_<unix seconds>_<12 hex chars>.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("run_%d_%s", now.Unix(), suffix)
}

// SubmitOption customises a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	progress func(domain.Run)
	complete func(domain.Run)
}

// WithProgress registers a progress callback for this run only.
func WithProgress(fn func(run domain.Run)) SubmitOption {
	return func(o *submitOptions) { o.progress = fn }
}

// WithCompletion registers a completion callback for this run only. It is
// invoked exactly once with the final snapshot.
func WithCompletion(fn func(run domain.Run)) SubmitOption {
	return func(o *submitOptions) { o.complete = fn }
}

// Subscribe registers an observer for the events of every run and returns a
// function that removes it.
func (c *Coordinator) Subscribe(observer Observer) func() {
	return c.bus.subscribe(observer, "")
}

// Registry returns the registry the coordinator records runs in.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Submit registers a run for the definition and starts executing it in the
// background. It returns as soon as the run is registered; execution failures
// are recorded on the run, never returned here. ctx only carries values such
// as the trace parent: cancelling it does not affect the run.
func (c *Coordinator) Submit(ctx context.Context, def domain.PipelineDefinition, opts ...SubmitOption) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	def = def.Clone()

	var options submitOptions
	for _, opt := range opts {
		opt(&options)
	}

	submittedAt := c.now()
	runID := c.newRunID(submittedAt)

	workDir, err := c.artifacts.CreateRunDir(runID)
	if err != nil {
		c.wg.Done()
		return "", fmt.Errorf("prepare run %s: %w", runID, err)
	}
	if err := c.artifacts.WriteDefinition(runID, def); err != nil {
		if rmErr := c.artifacts.RemoveRunDir(runID); rmErr != nil {
			c.logger.Warn("failed to clean up run directory", "run_id", runID, "error", rmErr)
		}
		c.wg.Done()
		return "", fmt.Errorf("persist definition for run %s: %w", runID, err)
	}

	run := domain.NewRun(runID, workDir, def, submittedAt)
	entry := c.registry.add(run)

	if options.progress != nil || options.complete != nil {
		c.bus.subscribe(ObserverFuncs{Progress: options.progress, Complete: options.complete}, runID)
	}

	go c.execute(context.WithoutCancel(ctx), entry, def)

	c.logger.Info("pipeline run submitted",
		"run_id", runID,
		"pipeline", run.PipelineName,
		"nodes", len(def.Nodes),
	)
	return runID, nil
}

// Cancel requests cooperative cancellation. It returns false when the run is
// unknown or not running. A node process already in flight is not terminated.
// Observers see the cancelled status on the run's next event. Only the run's
// task publishes its events.
func (c *Coordinator) Cancel(runID string) bool {
	if !c.registry.Cancel(runID) {
		return false
	}
	c.logger.Info("pipeline run cancellation requested", "run_id", runID)
	return true
}

// Get returns a detail snapshot of the run.
func (c *Coordinator) Get(runID string) (domain.Run, bool) {
	return c.registry.Get(runID)
}

// List returns the most recently started runs first.
func (c *Coordinator) List(limit int) []domain.RunSummary {
	return c.registry.List(limit)
}

// Wait blocks until the run has finished and returns its final snapshot.
func (c *Coordinator) Wait(ctx context.Context, runID string) (domain.Run, error) {
	done, ok := c.registry.Done(runID)
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return domain.Run{}, ctx.Err()
	}
	run, ok := c.registry.Get(runID)
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return run, nil
}

// Shutdown stops accepting submissions, waits for in-flight runs and then
// drains every observer mailbox.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}

	c.bus.close()
	return nil
}

// execute is the body of a run's task. Whatever happens inside, the run ends
// in a terminal state and the completion event is published exactly once.
func (c *Coordinator) execute(ctx context.Context, entry *runEntry, def domain.PipelineDefinition) {
	defer c.wg.Done()
	defer entry.markFinished()

	initial := entry.snapshot()
	logger := c.logger.With("run_id", initial.ID, "pipeline", initial.PipelineName)

	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", initial.ID),
		attribute.String("pipeline.name", initial.PipelineName),
		attribute.Int("pipeline.nodes", len(def.Nodes)),
	))
	defer span.End()

	internalErr := c.drive(ctx, entry, def, initial.WorkDir, logger)

	final := c.finalize(entry, internalErr)
	if err := c.artifacts.WriteResult(final.ID, final); err != nil {
		writeErr := &domain.InternalError{RunID: final.ID, Err: fmt.Errorf("persist result: %w", err)}
		logger.Error("failed to persist run result", "error", writeErr)
		final = entry.update(func(run *domain.Run) {
			if run.Status != domain.RunCancelled {
				run.Status = domain.RunError
			}
			run.Error = writeErr.Error()
		})
		internalErr = writeErr
	}

	span.SetAttributes(
		attribute.String("run.status", string(final.Status)),
		attribute.Int("run.progress", final.Progress),
	)
	if internalErr != nil {
		span.RecordError(internalErr)
	}
	if final.Status == domain.RunSuccess {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(final.Status))
	}

	c.metrics.RunFinished(final.PipelineName, final.Status, final.Duration())
	telemetry.RecordRunCompleted(ctx, final.PipelineName, string(final.Status))

	logger.Info("pipeline run completed",
		"status", final.Status,
		"duration", final.Duration(),
		"progress", final.Progress,
	)
	c.bus.publish(eventComplete, final)
}

// drive executes the nodes in order. It only returns an error for failures of
// the coordination itself; node failures are recorded and the run continues.
func (c *Coordinator) drive(ctx context.Context, entry *runEntry, def domain.PipelineDefinition, workDir string, logger *slog.Logger) (err error) {
	runID := entry.snapshot().ID
	defer func() {
		if rec := recover(); rec != nil {
			err = &domain.InternalError{RunID: runID, Err: fmt.Errorf("panic: %v", rec)}
			logger.Error("pipeline run panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	started := entry.update(func(run *domain.Run) {
		if run.Status == domain.RunPending {
			run.Status = domain.RunRunning
		}
		run.StartedAt = c.now()
	})
	c.metrics.RunStarted(started.PipelineName)
	c.bus.publish(eventProgress, started)

	order, acyclic := ExecutionOrder(def.Nodes, def.Connections, logger)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("pipeline.acyclic", acyclic))

	specs := make(map[string]domain.NodeSpec, len(def.Nodes))
	index := make(map[string]int, len(def.Nodes))
	for i, spec := range def.Nodes {
		specs[spec.ID] = spec
		index[spec.ID] = i
	}

	total := len(order)
	completed := 0
	for _, nodeID := range order {
		if entry.cancelRequested() {
			logger.Info("run cancelled, not scheduling remaining nodes", "next_node", nodeID)
			break
		}

		if err := c.runNode(ctx, entry, specs[nodeID], index[nodeID], workDir, logger); err != nil {
			return err
		}

		completed++
		progressed := entry.update(func(run *domain.Run) {
			if p := completed * 100 / total; p > run.Progress {
				run.Progress = p
			}
		})
		c.bus.publish(eventProgress, progressed)
	}

	return nil
}

func (c *Coordinator) runNode(ctx context.Context, entry *runEntry, spec domain.NodeSpec, idx int, workDir string, logger *slog.Logger) error {
	nodeLogger := logger.With("node_id", spec.ID, "tool", spec.Tool)

	running := entry.update(func(run *domain.Run) {
		node := &run.Nodes[idx]
		node.Status = domain.NodeRunning
		node.StartedAt = c.now()
		run.CurrentNode = spec.ID
	})
	c.bus.publish(eventProgress, running)

	nodeCtx, span := c.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("node.id", spec.ID),
		attribute.String("node.tool", spec.Tool),
	))
	result := c.executor.Execute(nodeCtx, spec, workDir).WithDefaults()

	finished := entry.update(func(run *domain.Run) {
		node := &run.Nodes[idx]
		node.Stdout = result.Stdout
		node.Stderr = result.Stderr
		node.ExitCode = result.ExitCode
		node.FinishedAt = c.now()
		if node.FinishedAt.Before(node.StartedAt) {
			node.FinishedAt = node.StartedAt
		}
		if result.Succeeded() {
			node.Status = domain.NodeSuccess
		} else {
			node.Status = domain.NodeError
			if result.Err != nil {
				node.Error = result.Err.Error()
			} else {
				node.Error = string(result.Outcome)
			}
		}
	})
	node := finished.Nodes[idx]

	span.SetAttributes(
		attribute.String("node.outcome", string(result.Outcome)),
		attribute.Int("node.exit_code", result.ExitCode),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	span.End()

	c.metrics.NodeFinished(spec.Tool, node.Status, string(result.Outcome), node.Duration())
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		Pipeline: finished.PipelineName,
		NodeID:   spec.ID,
		Tool:     spec.Tool,
		Outcome:  result.Outcome,
		Duration: node.Duration(),
	})

	if node.Status == domain.NodeError {
		nodeLogger.Warn("node failed, continuing with remaining nodes",
			"outcome", result.Outcome,
			"error", node.Error,
		)
	}

	if err := c.artifacts.WriteNodeLog(finished.ID, node); err != nil {
		return &domain.InternalError{RunID: finished.ID, Err: fmt.Errorf("persist node log: %w", err)}
	}
	return nil
}

// finalize moves the run into its terminal state. FinishedAt is only ever set
// here, once.
func (c *Coordinator) finalize(entry *runEntry, internalErr error) domain.Run {
	now := c.now()
	return entry.update(func(run *domain.Run) {
		failed := false
		for i := range run.Nodes {
			node := &run.Nodes[i]
			switch node.Status {
			case domain.NodePending:
				node.Status = domain.NodeSkipped
			case domain.NodeRunning:
				// Only reachable when coordination failed mid-node.
				node.Status = domain.NodeError
				node.Error = "interrupted by internal error"
				node.FinishedAt = now
			}
			if node.Status == domain.NodeError {
				failed = true
			}
		}

		if internalErr != nil {
			run.Error = internalErr.Error()
		}
		if run.Status != domain.RunCancelled {
			switch {
			case internalErr != nil, failed:
				run.Status = domain.RunError
			default:
				run.Status = domain.RunSuccess
				if len(run.Nodes) == 0 {
					run.Progress = 100
				}
			}
		}

		run.CurrentNode = ""
		if run.StartedAt.IsZero() {
			run.StartedAt = now
		}
		if run.FinishedAt.IsZero() {
			run.FinishedAt = now
			if run.FinishedAt.Before(run.StartedAt) {
				run.FinishedAt = run.StartedAt
			}
		}
	})
}
