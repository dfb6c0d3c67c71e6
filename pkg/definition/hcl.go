package definition

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// hclDefinitionFile is the top-level structure of an HCL definition:
//
//	name = "transcribe"
//
//	node "extract" {
//	  tool   = "ffmpeg"
//	  config = { args = ["-i", "in.mp4", "out.wav"] }
//	}
//
//	connection {
//	  from = "extract"
//	  to   = "transcribe"
//	}
type hclDefinitionFile struct {
	Name        string           `hcl:"name,optional"`
	Nodes       []*hclNode       `hcl:"node,block"`
	Connections []*hclConnection `hcl:"connection,block"`
}

type hclNode struct {
	ID     string    `hcl:"id,label"`
	Tool   string    `hcl:"tool"`
	Config cty.Value `hcl:"config,optional"`
}

type hclConnection struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

func parseHCL(data []byte, filename string) (domain.PipelineDefinition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return domain.PipelineDefinition{}, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclDefinitionFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return domain.PipelineDefinition{}, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	def := domain.PipelineDefinition{
		Name:        parsed.Name,
		Nodes:       make([]domain.NodeSpec, 0, len(parsed.Nodes)),
		Connections: make([]domain.ConnectionSpec, 0, len(parsed.Connections)),
	}

	for _, n := range parsed.Nodes {
		spec := domain.NodeSpec{ID: n.ID, Tool: n.Tool}
		if !n.Config.IsNull() {
			native, err := ctyToNative(n.Config)
			if err != nil {
				return domain.PipelineDefinition{}, fmt.Errorf("node %q config: %w", n.ID, err)
			}
			config, ok := native.(map[string]any)
			if !ok {
				return domain.PipelineDefinition{}, fmt.Errorf("node %q config must be an object, got %s", n.ID, n.Config.Type().FriendlyName())
			}
			spec.Config = config
		}
		def.Nodes = append(def.Nodes, spec)
	}

	for _, c := range parsed.Connections {
		def.Connections = append(def.Connections, domain.ConnectionSpec{From: c.From, To: c.To})
	}

	return def, nil
}

// ctyToNative recursively converts a cty.Value to its most natural Go
// counterpart. Whole numbers become int64 so that fields such as timeout_ms
// and argv placeholders keep their integer form.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()

	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert cty.Number to float64: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		slice := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, val := it.Element()
			nativeVal, err := ctyToNative(val)
			if err != nil {
				return nil, err
			}
			slice = append(slice, nativeVal)
		}
		return slice, nil

	case ty.IsObjectType() || ty.IsMapType():
		goMap := make(map[string]any, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			key, val := it.Element()
			keyStr := key.AsString()
			nativeVal, err := ctyToNative(val)
			if err != nil {
				return nil, fmt.Errorf("in attribute '%s': %w", keyStr, err)
			}
			goMap[keyStr] = nativeVal
		}
		return goMap, nil

	default:
		return nil, fmt.Errorf("unsupported cty type for conversion: %s", ty.FriendlyName())
	}
}
