// Package runtime defines the contracts shared by the run coordinator and node
// executors, keeping process mechanics decoupled from run bookkeeping.
package runtime

import (
	"context"

	"github.com/polisai/polis-runner/pkg/domain"
)

// NodeOutcome captures the classification of a node execution result.
type NodeOutcome string

const (
	// OutcomeSuccess indicates the node completed with exit status zero, or was a no-op.
	OutcomeSuccess NodeOutcome = "success"
	// OutcomeFailure indicates the process ran and exited non-zero, or could not be started.
	OutcomeFailure NodeOutcome = "failure"
	// OutcomeTimeout indicates the node exceeded its wall-clock budget and was terminated.
	OutcomeTimeout NodeOutcome = "timeout"
	// OutcomeConfigError indicates the node could not be resolved into a command; nothing was spawned.
	OutcomeConfigError NodeOutcome = "config_error"
)

// NodeResult bundles the outcome and everything captured from the process.
type NodeResult struct {
	Outcome  NodeOutcome
	Stdout   string
	Stderr   string
	ExitCode int
	// Err carries the diagnostic for any outcome other than success.
	Err error
}

// WithDefaults ensures the outcome is set even when executors omit it.
func (r NodeResult) WithDefaults() NodeResult {
	if r.Outcome == "" {
		if r.Err != nil {
			r.Outcome = OutcomeFailure
		} else {
			r.Outcome = OutcomeSuccess
		}
	}
	return r
}

// Succeeded reports whether the node should be recorded as successful.
func (r NodeResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Success constructs a success result with captured output.
func Success(stdout, stderr string) NodeResult {
	return NodeResult{Outcome: OutcomeSuccess, Stdout: stdout, Stderr: stderr}
}

// Failure constructs a failure result with the given diagnostic.
func Failure(err error) NodeResult {
	return NodeResult{Outcome: OutcomeFailure, Err: err, ExitCode: -1}
}

// NodeExecutor runs one node rooted at the run's working directory. It never
// returns an error: every failure is classified into the result.
type NodeExecutor interface {
	Execute(ctx context.Context, node domain.NodeSpec, workDir string) NodeResult
}

// NodeExecutorFunc adapts a function to NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, node domain.NodeSpec, workDir string) NodeResult

// Execute calls f.
func (f NodeExecutorFunc) Execute(ctx context.Context, node domain.NodeSpec, workDir string) NodeResult {
	return f(ctx, node, workDir)
}
