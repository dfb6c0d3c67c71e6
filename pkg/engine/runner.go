package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/polisai/polis-runner/pkg/engine/runtime"
)

const (
	// DefaultNodeTimeout is the wall-clock budget of a single node process.
	DefaultNodeTimeout = 300 * time.Second

	// NodeTimeoutKey lets a node override the runner timeout, in milliseconds.
	NodeTimeoutKey = "timeout_ms"

	// processWaitDelay bounds how long Wait keeps draining pipes after the
	// process was killed.
	processWaitDelay = 2 * time.Second
)

// ProcessRunnerConfig holds dependencies for creating a ProcessRunner.
type ProcessRunnerConfig struct {
	Tools   *ToolTable
	Timeout time.Duration
	// Env is appended to the parent environment of every node process.
	Env    []string
	Logger *slog.Logger
}

// ProcessRunner executes nodes as time-bounded child processes.
type ProcessRunner struct {
	tools   *ToolTable
	timeout time.Duration
	env     []string
	logger  *slog.Logger
}

// NewProcessRunner creates a runner with the given configuration.
func NewProcessRunner(cfg ProcessRunnerConfig) *ProcessRunner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := cfg.Tools
	if tools == nil {
		tools = NewToolTable()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	return &ProcessRunner{
		tools:   tools,
		timeout: timeout,
		env:     cfg.Env,
		logger:  logger,
	}
}

var _ runtime.NodeExecutor = (*ProcessRunner)(nil)

// Execute resolves the node and runs it in workDir. Cancelling ctx does not
// terminate a process that is already running; only the node timeout does.
func (r *ProcessRunner) Execute(ctx context.Context, node domain.NodeSpec, workDir string) runtime.NodeResult {
	logger := r.logger.With("node_id", node.ID, "tool", node.Tool)

	command, runnable, err := r.tools.Resolve(node)
	if err != nil {
		logger.Error("node configuration incomplete", "error", err)
		return runtime.NodeResult{Outcome: runtime.OutcomeConfigError, Err: err, ExitCode: -1}
	}
	if !runnable {
		logger.Debug("node has no executable command")
		return runtime.Success(fmt.Sprintf("[%s] node has no executable command", node.Tool), "")
	}

	timeout := r.timeoutFor(node)
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cmd := exec.CommandContext(procCtx, command.Program, command.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.WaitDelay = processWaitDelay
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if command.StdinFile != "" {
		path := command.StdinFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		stdin, err := os.Open(path)
		if err != nil {
			logger.Error("failed to open stdin file", "path", path, "error", err)
			return runtime.Failure(fmt.Errorf("open stdin file: %w", err))
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	start := time.Now()
	logger.Info("starting node process", "command", command.Argv(), "timeout", timeout)
	runErr := cmd.Run()
	duration := time.Since(start)

	result := runtime.NodeResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(procCtx.Err(), context.DeadlineExceeded):
		result.Outcome = runtime.OutcomeTimeout
		result.Err = fmt.Errorf("timeout: process exceeded %s: %w", timeout, domain.ErrNodeTimeout)
		logger.Warn("node process timed out", "timeout", timeout, "duration", duration)
	case runErr != nil:
		result.Outcome = runtime.OutcomeFailure
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Err = fmt.Errorf("process exited with status %d", result.ExitCode)
		} else {
			result.Err = fmt.Errorf("start process: %w", runErr)
		}
		logger.Error("node process failed", "error", result.Err, "exit_code", result.ExitCode, "duration", duration)
	default:
		result.Outcome = runtime.OutcomeSuccess
		logger.Info("node process completed", "duration", duration)
	}

	return result
}

func (r *ProcessRunner) timeoutFor(node domain.NodeSpec) time.Duration {
	raw, ok := node.Config[NodeTimeoutKey]
	if !ok {
		return r.timeout
	}
	var ms float64
	switch typed := raw.(type) {
	case int:
		ms = float64(typed)
	case int64:
		ms = float64(typed)
	case float64:
		ms = typed
	default:
		r.logger.Warn("ignoring non-numeric node timeout", "node_id", node.ID, "value", raw)
		return r.timeout
	}
	if ms <= 0 {
		return r.timeout
	}
	return time.Duration(ms * float64(time.Millisecond))
}
