// Package patch applies JSON-pointer addressed field replacements to a
// submission document.
package patch

import (
	"sort"
	"strconv"

	"github.com/go-openapi/jsonpointer"
	"github.com/mohae/deepcopy"

	"github.com/pitabwire/caseportal/model"
)

// Edit replaces (or inserts) the field addressed by Pointer with Value.
type Edit struct {
	Pointer string `json:"pointer"`
	Value   any    `json:"value"`
}

// EditsFromMap turns a pointer to value map into edits ordered by pointer.
// Sorting puts a parent ahead of its descendants, so "/a" is applied before
// "/a/b".
func EditsFromMap(m map[string]any) []Edit {
	edits := make([]Edit, 0, len(m))
	for ptr, v := range m {
		edits = append(edits, Edit{Pointer: ptr, Value: v})
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].Pointer < edits[j].Pointer })
	return edits
}

// Apply returns a new document with edits applied to a deep copy of
// submission, in slice order. Later edits observe the effect of earlier
// ones. The parent of every pointer must resolve to an object, otherwise the
// whole call fails with PATCH_TARGET_NOT_FOUND and nothing is returned.
//
// No schema checks happen here; callers re-validate the result.
func Apply(submission map[string]any, edits []Edit) (map[string]any, error) {
	doc, _ := deepcopy.Copy(submission).(map[string]any)
	if doc == nil {
		doc = map[string]any{}
	}
	for _, e := range edits {
		parent, field, err := resolveParent(doc, e.Pointer)
		if err != nil {
			return nil, err
		}
		parent[field] = deepcopy.Copy(e.Value)
	}
	return doc, nil
}

func resolveParent(doc map[string]any, pointer string) (map[string]any, string, error) {
	p, err := jsonpointer.New(pointer)
	if err != nil {
		return nil, "", model.NewPatchTargetNotFoundError(pointer, "invalid JSON pointer")
	}
	tokens := p.DecodedTokens()
	if len(tokens) == 0 {
		return nil, "", model.NewPatchTargetNotFoundError(pointer, "pointer addresses the document root")
	}

	var node any = doc
	for _, tok := range tokens[:len(tokens)-1] {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[tok]
			if !ok {
				return nil, "", model.NewPatchTargetNotFoundError(pointer, "parent does not exist")
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, "", model.NewPatchTargetNotFoundError(pointer, "parent does not exist")
			}
			node = n[idx]
		default:
			return nil, "", model.NewPatchTargetNotFoundError(pointer, "parent does not exist")
		}
	}

	parent, ok := node.(map[string]any)
	if !ok {
		return nil, "", model.NewPatchTargetNotFoundError(pointer, "parent is not an object")
	}
	return parent, tokens[len(tokens)-1], nil
}
