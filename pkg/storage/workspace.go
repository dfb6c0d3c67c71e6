package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/polis-runner/pkg/domain"
)

// Artifact file names written into every run directory.
const (
	DefinitionFile = "pipeline.json"
	ResultFile     = "result.json"
	NodeLogSuffix  = ".log"
)

// Workspace lays out one working directory per run under Root.
type Workspace struct {
	root string
}

// NewWorkspace creates the root directory if needed.
func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// RunDir returns the directory owned by the given run.
func (w *Workspace) RunDir(runID string) string {
	return filepath.Join(w.root, sanitizeName(runID))
}

// CreateRunDir creates the run's working directory and returns its path.
func (w *Workspace) CreateRunDir(runID string) (string, error) {
	dir := w.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return dir, nil
}

// WriteDefinition persists the submitted definition for audit.
func (w *Workspace) WriteDefinition(runID string, def domain.PipelineDefinition) error {
	return w.writeJSON(runID, DefinitionFile, def)
}

// WriteResult persists the final run snapshot.
func (w *Workspace) WriteResult(runID string, run domain.Run) error {
	return w.writeJSON(runID, ResultFile, run)
}

// WriteNodeLog persists the tool name and captured streams of one node.
func (w *Workspace) WriteNodeLog(runID string, node domain.ExecutionNode) error {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s ===\n%s\n\n=== ERRORS ===\n%s", node.Tool, node.Stdout, nodeDiagnostics(node))
	path := filepath.Join(w.RunDir(runID), NodeLogName(node.ID))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write node log %s: %w", node.ID, err)
	}
	return nil
}

// RemoveRunDir deletes the run's working directory and everything in it.
func (w *Workspace) RemoveRunDir(runID string) error {
	if err := os.RemoveAll(w.RunDir(runID)); err != nil {
		return fmt.Errorf("remove run directory: %w", err)
	}
	return nil
}

// NodeLogName is the log artifact file name for a node id. Ids that are not
// already safe file names get a hash of the raw id appended after '~', a rune
// sanitizeName never emits, so distinct ids never share a log file.
func NodeLogName(nodeID string) string {
	name := sanitizeName(nodeID)
	if name != nodeID {
		sum := sha256.Sum256([]byte(nodeID))
		name += "~" + hex.EncodeToString(sum[:6])
	}
	return name + NodeLogSuffix
}

func (w *Workspace) writeJSON(runID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(w.RunDir(runID), name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func nodeDiagnostics(node domain.ExecutionNode) string {
	if node.Stderr != "" {
		return node.Stderr
	}
	return node.Error
}

// sanitizeName keeps ids usable as single path elements.
func sanitizeName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	if mapped == "" || mapped == "." || mapped == ".." {
		return "_"
	}
	return mapped
}
