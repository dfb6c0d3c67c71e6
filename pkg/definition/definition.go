// Package definition loads pipeline definitions from JSON, YAML or HCL files.
package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/polis-runner/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Format identifies a definition encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatFromPath picks the encoding from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported definition file extension %q", filepath.Ext(path))
	}
}

// Load reads and validates the definition stored at path.
func Load(path string) (domain.PipelineDefinition, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}

	//nolint:gosec // Definition paths come from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("read definition %s: %w", path, err)
	}

	def, err := Parse(data, format, path)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	if err := def.Validate(); err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("definition %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes data in the given format. filename is only used in
// diagnostics.
func Parse(data []byte, format Format, filename string) (domain.PipelineDefinition, error) {
	var def domain.PipelineDefinition

	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &def); err != nil {
			return def, fmt.Errorf("parse JSON definition %s: %w", filename, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return def, fmt.Errorf("parse YAML definition %s: %w", filename, err)
		}
	case FormatHCL:
		return parseHCL(data, filename)
	default:
		return def, fmt.Errorf("unsupported definition format %q", format)
	}

	return def, nil
}
