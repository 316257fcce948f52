package schema

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mohae/deepcopy"
)

// ResolveRefs returns a copy of schemaDoc in which every relative $ref has
// been made absolute against root. Fragment-only references ("#/...") and
// references that are already absolute are left alone. An empty root returns
// an unmodified copy.
func ResolveRefs(schemaDoc map[string]any, root string) (map[string]any, error) {
	out, _ := deepcopy.Copy(schemaDoc).(map[string]any)
	if root == "" {
		return out, nil
	}
	base, err := url.Parse(root)
	if err != nil {
		return nil, errors.Wrapf(err, "parse reference root %q", root)
	}
	if !base.IsAbs() {
		return nil, errors.Newf("reference root %q must be an absolute URI", root)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if err := rewriteRefs(out, base); err != nil {
		return nil, err
	}
	return out, nil
}

func rewriteRefs(node any, base *url.URL) error {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if key == "$ref" {
				if ref, ok := child.(string); ok {
					resolved, err := resolveRef(ref, base)
					if err != nil {
						return err
					}
					v[key] = resolved
					continue
				}
			}
			if err := rewriteRefs(child, base); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range v {
			if err := rewriteRefs(child, base); err != nil {
				return err
			}
		}
	}
	return nil
}

func resolveRef(ref string, base *url.URL) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", errors.Wrapf(err, "parse $ref %q", ref)
	}
	if u.IsAbs() {
		return ref, nil
	}
	return base.ResolveReference(u).String(), nil
}
