package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/polisai/polis-runner/pkg/engine/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellNode(id, command string) domain.NodeSpec {
	return domain.NodeSpec{ID: id, Tool: "shell", Config: map[string]any{"command": command}}
}

func newTestRunner(timeout time.Duration) *ProcessRunner {
	return NewProcessRunner(ProcessRunnerConfig{Timeout: timeout, Logger: discardLogger()})
}

func TestProcessRunnerSuccessCapturesStreams(t *testing.T) {
	dir := t.TempDir()
	result := newTestRunner(5*time.Second).Execute(context.Background(), shellNode("a", "echo out; echo err >&2; pwd"), dir)

	require.Equal(t, runtime.OutcomeSuccess, result.Outcome, result.Err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "out")
	assert.Equal(t, "err\n", result.Stderr)

	wd, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	got, err := filepath.EvalSymlinks(lines[len(lines)-1])
	require.NoError(t, err)
	assert.Equal(t, wd, got)
}

func TestProcessRunnerNonZeroExit(t *testing.T) {
	result := newTestRunner(5*time.Second).Execute(context.Background(), shellNode("a", "echo broken >&2; exit 3"), t.TempDir())

	assert.Equal(t, runtime.OutcomeFailure, result.Outcome)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "broken\n", result.Stderr)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "status 3")
}

// Scenario C: a one second sleep with a 100ms node timeout.
func TestProcessRunnerTimeout(t *testing.T) {
	node := shellNode("slow", "sleep 1")
	node.Config[NodeTimeoutKey] = 100

	start := time.Now()
	result := newTestRunner(5*time.Second).Execute(context.Background(), node, t.TempDir())

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, runtime.OutcomeTimeout, result.Outcome)
	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, domain.ErrNodeTimeout))
	assert.True(t, strings.HasPrefix(result.Err.Error(), "timeout: process exceeded 100ms"))
}

func TestProcessRunnerTimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	node := shellNode("tree", "(sleep 1; touch child-survived) & wait")
	node.Config[NodeTimeoutKey] = int64(100)

	result := newTestRunner(5*time.Second).Execute(context.Background(), node, dir)
	require.Equal(t, runtime.OutcomeTimeout, result.Outcome)

	time.Sleep(1500 * time.Millisecond)
	_, err := os.Stat(filepath.Join(dir, "child-survived"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessRunnerIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newTestRunner(5*time.Second).Execute(ctx, shellNode("a", "sleep 0.1; echo done"), t.TempDir())

	assert.Equal(t, runtime.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "done\n", result.Stdout)
}

func TestProcessRunnerConfigErrorSpawnsNothing(t *testing.T) {
	result := newTestRunner(time.Second).Execute(context.Background(), domain.NodeSpec{ID: "p", Tool: "python"}, t.TempDir())

	assert.Equal(t, runtime.OutcomeConfigError, result.Outcome)
	assert.Equal(t, -1, result.ExitCode)
	assert.True(t, errors.Is(result.Err, domain.ErrMissingConfig))
}

func TestProcessRunnerNoopNode(t *testing.T) {
	result := newTestRunner(time.Second).Execute(context.Background(), domain.NodeSpec{ID: "n", Tool: "note"}, t.TempDir())

	assert.Equal(t, runtime.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "[note] node has no executable command", result.Stdout)
}

func TestProcessRunnerStdinFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("piped"), 0o644))

	runner := NewProcessRunner(ProcessRunnerConfig{
		Tools:  NewToolTable(ToolSchema{Tool: "cat", Program: "cat", StdinField: "file"}),
		Logger: discardLogger(),
	})
	result := runner.Execute(context.Background(), domain.NodeSpec{ID: "c", Tool: "cat", Config: map[string]any{"file": "input.txt"}}, dir)

	require.Equal(t, runtime.OutcomeSuccess, result.Outcome, result.Err)
	assert.Equal(t, "piped", result.Stdout)

	result = runner.Execute(context.Background(), domain.NodeSpec{ID: "c", Tool: "cat", Config: map[string]any{"file": "absent.txt"}}, dir)
	assert.Equal(t, runtime.OutcomeFailure, result.Outcome)
}

func TestProcessRunnerMissingProgram(t *testing.T) {
	runner := NewProcessRunner(ProcessRunnerConfig{
		Tools:  NewToolTable(ToolSchema{Tool: "ghost", Program: "definitely-not-installed-binary"}),
		Logger: discardLogger(),
	})
	result := runner.Execute(context.Background(), domain.NodeSpec{ID: "g", Tool: "ghost"}, t.TempDir())

	assert.Equal(t, runtime.OutcomeFailure, result.Outcome)
	assert.Contains(t, result.Err.Error(), "start process")
}

func TestProcessRunnerEnv(t *testing.T) {
	runner := NewProcessRunner(ProcessRunnerConfig{Env: []string{"RUNNER_TEST_VALUE=42"}, Logger: discardLogger()})
	result := runner.Execute(context.Background(), shellNode("e", "printf %s \"$RUNNER_TEST_VALUE\""), t.TempDir())

	assert.Equal(t, "42", result.Stdout)
}

func TestTimeoutFor(t *testing.T) {
	r := newTestRunner(time.Minute)

	assert.Equal(t, time.Minute, r.timeoutFor(domain.NodeSpec{}))
	assert.Equal(t, 250*time.Millisecond, r.timeoutFor(domain.NodeSpec{Config: map[string]any{NodeTimeoutKey: 250}}))
	assert.Equal(t, 1500*time.Millisecond, r.timeoutFor(domain.NodeSpec{Config: map[string]any{NodeTimeoutKey: 1500.0}}))
	assert.Equal(t, time.Minute, r.timeoutFor(domain.NodeSpec{Config: map[string]any{NodeTimeoutKey: "soon"}}))
	assert.Equal(t, time.Minute, r.timeoutFor(domain.NodeSpec{Config: map[string]any{NodeTimeoutKey: 0}}))
}
