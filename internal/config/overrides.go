package config

import (
	"reflect"
	"sort"
	"strings"
)

// Override records a key path whose effective value was changed by a layer.
type Override struct {
	Path  string // dotted key path, e.g. "limits.max_iterations"
	Layer string // "global" or "project"
}

// Overrides computes which key paths the global and project layers actually
// change relative to the defaults. It is a pure function of the three layer
// documents; the result is informational only and feeds no loop decision.
func Overrides(defaults, global, project map[string]any) []Override {
	var out []Override

	effective := defaults
	out = append(out, diffLayer(effective, global, "global", nil)...)
	if global != nil {
		effective = deepMerge(effective, global)
	}
	out = append(out, diffLayer(effective, project, "project", nil)...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Layer < out[j].Layer
	})
	return out
}

// diffLayer returns the leaf paths in layer that differ from base.
func diffLayer(base, layer map[string]any, name string, prefix []string) []Override {
	var out []Override
	for key, val := range layer {
		path := append(append([]string(nil), prefix...), key)
		baseVal, inBase := base[key]

		lm, layerIsMap := val.(map[string]any)
		bm, baseIsMap := baseVal.(map[string]any)
		if layerIsMap && baseIsMap {
			out = append(out, diffLayer(bm, lm, name, path)...)
			continue
		}

		if inBase && reflect.DeepEqual(baseVal, val) {
			continue // restating the inherited value is not an override
		}
		out = append(out, Override{Path: strings.Join(path, "."), Layer: name})
	}
	return out
}
