package config

// deepMerge recursively merges override into base and returns the result.
// Mapping values merge key by key; sequences and scalars from the override
// replace the base value wholesale, never concatenate.
func deepMerge(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		bm, baseIsMap := merged[k].(map[string]any)
		om, overrideIsMap := v.(map[string]any)
		if baseIsMap && overrideIsMap {
			merged[k] = deepMerge(bm, om)
			continue
		}
		merged[k] = v
	}
	return merged
}

// normalize converts yaml.v3's map[any]any decoding artifacts into
// map[string]any so merge and diff can treat all layers uniformly.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			key, ok := k.(string)
			if !ok {
				continue
			}
			out[key] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
