package schema

import (
	"strconv"
)

// KeySet is an allow-list of names harvested from a schema document.
type KeySet map[string]struct{}

// Has reports whether key is in the set.
func (k KeySet) Has(key string) bool {
	_, ok := k[key]
	return ok
}

// ExtractKeys collects every object key and every scalar leaf value found
// anywhere in doc. The walk is purely syntactic: $ref, oneOf and other
// composition keywords are not interpreted. A nil or empty document yields an
// empty set.
func ExtractKeys(doc any) KeySet {
	keys := make(KeySet)
	stack := []any{doc}
	for len(stack) > 0 {
		n := len(stack) - 1
		node := stack[n]
		stack = stack[:n]

		switch v := node.(type) {
		case map[string]any:
			for key, child := range v {
				keys[key] = struct{}{}
				stack = append(stack, child)
			}
		case []any:
			stack = append(stack, v...)
		default:
			if s, ok := scalarString(v); ok {
				keys[s] = struct{}{}
			}
		}
	}
	return keys
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case interface{ String() string }:
		// json.Number
		return s.String(), true
	default:
		return "", false
	}
}
