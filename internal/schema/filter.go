package schema

// Filter returns a new submission holding only the top-level fields whose key
// is in allowed. Nested objects are kept as-is; their shape is the
// validator's concern. The input is never modified.
func Filter(submission map[string]any, allowed KeySet) map[string]any {
	out := make(map[string]any, len(submission))
	for key, value := range submission {
		if allowed.Has(key) {
			out[key] = value
		}
	}
	return out
}
