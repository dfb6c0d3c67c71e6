package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/polis-runner/pkg/domain"
)

// ToolSchema maps a tool identifier to an argument-list template. Argument
// tokens written as {field} are replaced by the node config value of that
// field; {field...} expands a list (or a whitespace separated string) into
// several arguments. StdinField names a config field holding a file that is
// fed to the process on stdin.
type ToolSchema struct {
	Tool       string
	Program    string
	Args       []string
	StdinField string
}

// Command is a fully resolved process invocation.
type Command struct {
	Program string
	Args    []string
	// StdinFile is opened relative to the working directory when set.
	StdinFile string
}

// Argv returns the program followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Program}, c.Args...)
}

// ConfigError reports a node whose config lacks a field its tool requires.
type ConfigError struct {
	NodeID string
	Tool   string
	Field  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("node %s: tool %q requires config field %q", e.NodeID, e.Tool, e.Field)
}

func (e *ConfigError) Is(target error) bool {
	return target == domain.ErrMissingConfig
}

// DefaultInterpreter wraps the bare `script` fallback for unknown tools.
const DefaultInterpreter = "python3"

// BuiltinTools is the static tool table.
var BuiltinTools = map[string]ToolSchema{
	"python":  {Tool: "python", Program: "python3", Args: []string{"{script}"}},
	"nodejs":  {Tool: "nodejs", Program: "node", Args: []string{"{script}"}},
	"bash":    {Tool: "bash", Program: "bash", Args: []string{"{script}"}},
	"sqlite":  {Tool: "sqlite", Program: "sqlite3", Args: []string{"{db}"}, StdinField: "script"},
	"ffmpeg":  {Tool: "ffmpeg", Program: "ffmpeg", Args: []string{"{args...}"}},
	"whisper": {Tool: "whisper", Program: "whisper", Args: []string{"{input}", "--model", "{model}", "--output_dir", "{output}"}},
	"ollama":  {Tool: "ollama", Program: "ollama", Args: []string{"run", "{model}", "{prompt}"}},
}

// ToolTable resolves node specs into commands.
type ToolTable struct {
	schemas map[string]ToolSchema
}

// NewToolTable builds a table from the built-in tools plus any extra schemas.
// Extra schemas replace built-ins with the same identifier.
func NewToolTable(extra ...ToolSchema) *ToolTable {
	schemas := make(map[string]ToolSchema, len(BuiltinTools)+len(extra))
	for name, schema := range BuiltinTools {
		schemas[name] = schema
	}
	for _, schema := range extra {
		schemas[schema.Tool] = schema
	}
	return &ToolTable{schemas: schemas}
}

// Resolve turns a node into a command. It returns ok=false with a nil error
// for nodes that have nothing to execute (annotation nodes); such nodes succeed
// immediately.
func (t *ToolTable) Resolve(node domain.NodeSpec) (cmd Command, ok bool, err error) {
	schema, known := t.schemas[node.Tool]
	if !known {
		return resolveFallback(node)
	}

	args := make([]string, 0, len(schema.Args))
	for _, token := range schema.Args {
		expanded, err := expandToken(node, token)
		if err != nil {
			return Command{}, false, err
		}
		args = append(args, expanded...)
	}

	cmd = Command{Program: schema.Program, Args: args}
	if schema.StdinField != "" {
		value, present := lookupScalar(node.Config, schema.StdinField)
		if !present {
			return Command{}, false, &ConfigError{NodeID: node.ID, Tool: node.Tool, Field: schema.StdinField}
		}
		cmd.StdinFile = value
	}
	return cmd, true, nil
}

func resolveFallback(node domain.NodeSpec) (Command, bool, error) {
	if command, ok := lookupScalar(node.Config, "command"); ok && strings.TrimSpace(command) != "" {
		// A verbatim command line is the only shape that needs a shell.
		return Command{Program: "sh", Args: []string{"-c", command}}, true, nil
	}
	if script, ok := lookupScalar(node.Config, "script"); ok && script != "" {
		return Command{Program: DefaultInterpreter, Args: []string{script}}, true, nil
	}
	return Command{}, false, nil
}

func expandToken(node domain.NodeSpec, token string) ([]string, error) {
	if !strings.HasPrefix(token, "{") || !strings.HasSuffix(token, "}") {
		return []string{token}, nil
	}

	field := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
	variadic := strings.HasSuffix(field, "...")
	field = strings.TrimSuffix(field, "...")

	raw, present := node.Config[field]
	if !present || raw == nil {
		return nil, &ConfigError{NodeID: node.ID, Tool: node.Tool, Field: field}
	}

	if !variadic {
		value, ok := formatScalar(raw)
		if !ok {
			return nil, fmt.Errorf("%w: node %s: config field %q must be a scalar, got %T", domain.ErrMissingConfig, node.ID, field, raw)
		}
		return []string{value}, nil
	}

	switch typed := raw.(type) {
	case string:
		return strings.Fields(typed), nil
	case []string:
		return append([]string(nil), typed...), nil
	case []any:
		out := make([]string, 0, len(typed))
		for i, item := range typed {
			value, ok := formatScalar(item)
			if !ok {
				return nil, fmt.Errorf("%w: node %s: config field %q[%d] must be a scalar, got %T", domain.ErrMissingConfig, node.ID, field, i, item)
			}
			out = append(out, value)
		}
		return out, nil
	default:
		value, ok := formatScalar(raw)
		if !ok {
			return nil, fmt.Errorf("%w: node %s: config field %q must be a list, got %T", domain.ErrMissingConfig, node.ID, field, raw)
		}
		return []string{value}, nil
	}
}

func lookupScalar(config map[string]any, field string) (string, bool) {
	raw, ok := config[field]
	if !ok || raw == nil {
		return "", false
	}
	return formatScalar(raw)
}

func formatScalar(v any) (string, bool) {
	switch typed := v.(type) {
	case string:
		return typed, true
	case bool:
		return strconv.FormatBool(typed), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case int32:
		return strconv.FormatInt(int64(typed), 10), true
	case uint64:
		return strconv.FormatUint(typed, 10), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32), true
	default:
		return "", false
	}
}
