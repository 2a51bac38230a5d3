package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// readHCLConfig reads an HCL file into the same map shape the JSON loader
// produces. Only top-level attributes are supported; nested settings use
// object syntax, e.g. statistics = { backend = "sqlite" }.
func readHCLConfig(configPath string) (map[string]any, error) {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(cleanPath)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", name, err)
		}
		data[name] = goVal
	}
	return data, nil
}

// ctyToGo converts an evaluated HCL value to the types encoding/json would
// produce: string, float64, bool, map[string]any, []any or nil.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			goVal, err := ctyToGo(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k.AsString(), err)
			}
			out[k.AsString()] = goVal
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			goVal, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out = append(out, goVal)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
	}
}
