package domain

import (
	"fmt"
	"strings"
)

// PipelineDefinition is a declarative node graph submitted for execution.
type PipelineDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Nodes       []NodeSpec       `json:"nodes" yaml:"nodes"`
	Connections []ConnectionSpec `json:"connections" yaml:"connections"`
}

// NodeSpec describes a single unit of work mapped to a tool invocation.
type NodeSpec struct {
	ID     string         `json:"id" yaml:"id"`
	Tool   string         `json:"tool" yaml:"tool"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ConnectionSpec declares that node To depends on node From.
type ConnectionSpec struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// DefaultPipelineName is used when a definition is submitted without a name.
const DefaultPipelineName = "Unnamed Pipeline"

// Validate checks the structural invariants of the definition: node ids are
// present, free of surrounding whitespace and unique, and every connection
// references declared nodes. Ids are compared exactly as written.
func (d PipelineDefinition) Validate() error {
	var problems []string

	seen := make(map[string]struct{}, len(d.Nodes))
	for i, node := range d.Nodes {
		id := node.ID
		if strings.TrimSpace(id) == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: id is required", i))
			continue
		}
		if strings.TrimSpace(id) != id {
			problems = append(problems, fmt.Sprintf("nodes[%d]: id %q has leading or trailing whitespace", i, id))
		}
		if _, dup := seen[id]; dup {
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate id %q", i, id))
			continue
		}
		seen[id] = struct{}{}
	}

	for i, conn := range d.Connections {
		if _, ok := seen[conn.From]; !ok {
			problems = append(problems, fmt.Sprintf("connections[%d]: unknown source node %q", i, conn.From))
		}
		if _, ok := seen[conn.To]; !ok {
			problems = append(problems, fmt.Sprintf("connections[%d]: unknown target node %q", i, conn.To))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy so the submitted definition cannot be mutated
// through caller-held references.
func (d PipelineDefinition) Clone() PipelineDefinition {
	out := PipelineDefinition{
		Name:        d.Name,
		Nodes:       make([]NodeSpec, len(d.Nodes)),
		Connections: append([]ConnectionSpec(nil), d.Connections...),
	}
	for i, node := range d.Nodes {
		out.Nodes[i] = NodeSpec{
			ID:     node.ID,
			Tool:   node.Tool,
			Config: cloneConfig(node.Config),
		}
	}
	return out
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneConfig(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}
