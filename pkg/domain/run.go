package domain

import (
	"time"
	"unicode/utf8"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunError, RunCancelled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of a single execution node.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeError   NodeStatus = "error"
	NodeSkipped NodeStatus = "skipped"
)

// Terminal reports whether the node has finished (or will never start).
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSuccess, NodeError, NodeSkipped:
		return true
	}
	return false
}

// OutputTailBytes bounds the stdout carried in run detail snapshots. The full
// output is always available in the node log artifact.
const OutputTailBytes = 500

// ExecutionNode is the runtime counterpart of a NodeSpec.
type ExecutionNode struct {
	ID         string         `json:"id"`
	Tool       string         `json:"tool"`
	Config     map[string]any `json:"config,omitempty"`
	Status     NodeStatus     `json:"status"`
	Stdout     string         `json:"output"`
	Stderr     string         `json:"stderr,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExitCode   int            `json:"exit_code"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Duration is the wall-clock time the node spent running, or zero if it has
// not finished.
func (n ExecutionNode) Duration() time.Duration {
	if n.StartedAt.IsZero() || n.FinishedAt.IsZero() {
		return 0
	}
	return n.FinishedAt.Sub(n.StartedAt)
}

// Run is one execution of a pipeline definition.
type Run struct {
	ID           string          `json:"id"`
	PipelineName string          `json:"pipeline_name"`
	Nodes        []ExecutionNode `json:"nodes"`
	Status       RunStatus       `json:"status"`
	CurrentNode  string          `json:"current_node"`
	Progress     int             `json:"progress"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Error        string          `json:"error,omitempty"`
	WorkDir      string          `json:"work_dir,omitempty"`
}

// NewRun builds a pending run for the given definition.
func NewRun(id, workDir string, def PipelineDefinition, submittedAt time.Time) Run {
	name := def.Name
	if name == "" {
		name = DefaultPipelineName
	}
	nodes := make([]ExecutionNode, len(def.Nodes))
	for i, spec := range def.Nodes {
		nodes[i] = ExecutionNode{
			ID:       spec.ID,
			Tool:     spec.Tool,
			Config:   cloneConfig(spec.Config),
			Status:   NodePending,
			ExitCode: -1,
		}
	}
	return Run{
		ID:           id,
		PipelineName: name,
		Nodes:        nodes,
		Status:       RunPending,
		SubmittedAt:  submittedAt,
		WorkDir:      workDir,
	}
}

// Duration is the elapsed wall-clock time of a finished run.
func (r Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r Run) Clone() Run {
	out := r
	out.Nodes = make([]ExecutionNode, len(r.Nodes))
	for i, node := range r.Nodes {
		node.Config = cloneConfig(node.Config)
		out.Nodes[i] = node
	}
	return out
}

// Detail returns a copy suitable for status queries, with each node's stdout
// trimmed to at most its last OutputTailBytes bytes. The cut never splits a
// UTF-8 sequence.
func (r Run) Detail() Run {
	out := r.Clone()
	for i := range out.Nodes {
		out.Nodes[i].Stdout = tail(out.Nodes[i].Stdout, OutputTailBytes)
	}
	return out
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for i := 0; i < utf8.UTFMax-1 && start < len(s) && !utf8.RuneStart(s[start]); i++ {
		start++
	}
	return s[start:]
}

// Summary returns the list view of the run.
func (r Run) Summary() RunSummary {
	return RunSummary{
		ID:           r.ID,
		PipelineName: r.PipelineName,
		Status:       r.Status,
		CurrentNode:  r.CurrentNode,
		Progress:     r.Progress,
		NodeCount:    len(r.Nodes),
		SubmittedAt:  r.SubmittedAt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Duration:     r.Duration().Seconds(),
	}
}

// RunSummary is the compact representation returned by run listings.
type RunSummary struct {
	ID           string    `json:"id"`
	PipelineName string    `json:"pipeline_name"`
	Status       RunStatus `json:"status"`
	CurrentNode  string    `json:"current_node"`
	Progress     int       `json:"progress"`
	NodeCount    int       `json:"node_count"`
	SubmittedAt  time.Time `json:"submitted_at"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Duration     float64   `json:"duration"` // seconds
}
