package schema

import "github.com/mohae/deepcopy"

// ApplyDefaults injects schema-declared default values into doc for every
// property that is absent, descending into nested object properties and
// array items. doc is modified in place; callers pass a copy.
func ApplyDefaults(schemaDoc map[string]any, doc map[string]any) {
	props, ok := schemaDoc["properties"].(map[string]any)
	if !ok {
		return
	}
	for name, raw := range props {
		propSchema, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, present := doc[name]; !present {
			if def, ok := propSchema["default"]; ok {
				doc[name] = deepcopy.Copy(def)
			}
		}
		applyNested(propSchema, doc[name])
	}
}

func applyNested(propSchema map[string]any, value any) {
	switch v := value.(type) {
	case map[string]any:
		ApplyDefaults(propSchema, v)
	case []any:
		items, ok := propSchema["items"].(map[string]any)
		if !ok {
			return
		}
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				ApplyDefaults(items, obj)
			}
		}
	}
}
