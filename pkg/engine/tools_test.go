package engine

import (
	"errors"
	"testing"

	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBuiltinTools(t *testing.T) {
	table := NewToolTable()

	cases := []struct {
		name  string
		node  domain.NodeSpec
		argv  []string
		stdin string
	}{
		{
			name: "python",
			node: domain.NodeSpec{ID: "p", Tool: "python", Config: map[string]any{"script": "job.py"}},
			argv: []string{"python3", "job.py"},
		},
		{
			name: "nodejs",
			node: domain.NodeSpec{ID: "n", Tool: "nodejs", Config: map[string]any{"script": "index.js"}},
			argv: []string{"node", "index.js"},
		},
		{
			name: "bash",
			node: domain.NodeSpec{ID: "b", Tool: "bash", Config: map[string]any{"script": "run.sh"}},
			argv: []string{"bash", "run.sh"},
		},
		{
			name:  "sqlite",
			node:  domain.NodeSpec{ID: "s", Tool: "sqlite", Config: map[string]any{"db": "data.db", "script": "q.sql"}},
			argv:  []string{"sqlite3", "data.db"},
			stdin: "q.sql",
		},
		{
			name: "ffmpeg list",
			node: domain.NodeSpec{ID: "f", Tool: "ffmpeg", Config: map[string]any{"args": []any{"-i", "in.mp4", "-ar", 16000, "out.wav"}}},
			argv: []string{"ffmpeg", "-i", "in.mp4", "-ar", "16000", "out.wav"},
		},
		{
			name: "ffmpeg string",
			node: domain.NodeSpec{ID: "f", Tool: "ffmpeg", Config: map[string]any{"args": "-i in.mp4  out.wav"}},
			argv: []string{"ffmpeg", "-i", "in.mp4", "out.wav"},
		},
		{
			name: "whisper",
			node: domain.NodeSpec{ID: "w", Tool: "whisper", Config: map[string]any{"input": "a.wav", "model": "base", "output": "out"}},
			argv: []string{"whisper", "a.wav", "--model", "base", "--output_dir", "out"},
		},
		{
			name: "ollama prompt with shell metacharacters stays one argument",
			node: domain.NodeSpec{ID: "o", Tool: "ollama", Config: map[string]any{"model": "llama3", "prompt": "summarise; rm -rf / $(id)"}},
			argv: []string{"ollama", "run", "llama3", "summarise; rm -rf / $(id)"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, ok, err := table.Resolve(tc.node)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.argv, cmd.Argv())
			assert.Equal(t, tc.stdin, cmd.StdinFile)
		})
	}
}

func TestResolveMissingFieldIsConfigError(t *testing.T) {
	table := NewToolTable()

	_, ok, err := table.Resolve(domain.NodeSpec{ID: "w", Tool: "whisper", Config: map[string]any{"input": "a.wav", "output": "out"}})
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, domain.ErrMissingConfig))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "whisper", cfgErr.Tool)
	assert.Equal(t, "model", cfgErr.Field)

	_, _, err = table.Resolve(domain.NodeSpec{ID: "s", Tool: "sqlite", Config: map[string]any{"db": "data.db"}})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "script", cfgErr.Field)
}

func TestResolveRejectsNonScalarField(t *testing.T) {
	_, _, err := NewToolTable().Resolve(domain.NodeSpec{ID: "p", Tool: "python", Config: map[string]any{"script": map[string]any{"x": 1}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingConfig))
}

func TestResolveFallbacks(t *testing.T) {
	table := NewToolTable()

	cmd, ok, err := table.Resolve(domain.NodeSpec{ID: "c", Tool: "custom", Config: map[string]any{"command": "echo hi | tr a-z A-Z", "script": "ignored.py"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"sh", "-c", "echo hi | tr a-z A-Z"}, cmd.Argv())

	cmd, ok, err = table.Resolve(domain.NodeSpec{ID: "s", Tool: "custom", Config: map[string]any{"script": "task.py"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{DefaultInterpreter, "task.py"}, cmd.Argv())

	_, ok, err = table.Resolve(domain.NodeSpec{ID: "note", Tool: "comment"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestToolTableExtraSchemaOverridesBuiltin(t *testing.T) {
	table := NewToolTable(ToolSchema{Tool: "python", Program: "python3.12", Args: []string{"-u", "{script}"}})

	cmd, ok, err := table.Resolve(domain.NodeSpec{ID: "p", Tool: "python", Config: map[string]any{"script": "a.py"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"python3.12", "-u", "a.py"}, cmd.Argv())
}

func TestFormatScalar(t *testing.T) {
	for in, want := range map[any]string{
		"x":         "x",
		true:        "true",
		42:          "42",
		int64(7):    "7",
		2.5:         "2.5",
		float64(16): "16",
	} {
		got, ok := formatScalar(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := formatScalar([]string{"a"})
	assert.False(t, ok)
}
