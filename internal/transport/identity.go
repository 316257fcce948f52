package transport

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/pitabwire/caseportal/internal/config"
	"github.com/pitabwire/caseportal/model"
)

// IdentityResolver derives the caller of a request from verified token
// claims. Claim paths use gjson syntax, e.g. "attributes.bsn" or
// "realm_access.roles".
type IdentityResolver struct {
	owners  []config.OwnerClaim
	subject string
	roles   string
}

// NewIdentityResolver creates a resolver for the configured claim layout.
func NewIdentityResolver(cfg config.ClaimsConfig) *IdentityResolver {
	r := &IdentityResolver{owners: cfg.Owners, subject: cfg.Subject, roles: cfg.Roles}
	if r.subject == "" {
		r.subject = "sub"
	}
	if r.roles == "" {
		r.roles = "roles"
	}
	return r
}

// Resolve returns the request subject for claims. The first owner claim
// present makes the caller a citizen or business that owns its cases; its
// value must be a well formed BSN or KVK number. Without an owner claim the
// token subject acts as staff.
func (r *IdentityResolver) Resolve(claims map[string]any) (*model.RequestContext, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, model.NewUnauthorizedError("Invalid token claims")
	}

	rctx := &model.RequestContext{Roles: stringSlice(gjson.GetBytes(raw, r.roles))}
	for _, o := range r.owners {
		res := gjson.GetBytes(raw, o.Path)
		if !res.Exists() {
			continue
		}
		kind := model.SubjectKind(o.Kind)
		id := scalar(res)
		if !kind.Valid(id) {
			return nil, model.NewUnauthorizedError(fmt.Sprintf("Token carries an invalid %s number", o.Kind))
		}
		rctx.SubjectID, rctx.SubjectKind = id, kind
		return rctx, nil
	}

	sub := scalar(gjson.GetBytes(raw, r.subject))
	if sub == "" {
		return nil, model.NewUnauthorizedError("Token has no subject")
	}
	rctx.SubjectID, rctx.SubjectKind = sub, model.SubjectStaff
	return rctx, nil
}

func scalar(res gjson.Result) string {
	switch res.Type {
	case gjson.String:
		return res.Str
	case gjson.Number:
		return res.Raw
	default:
		return ""
	}
}

// stringSlice reads an array claim, or a single string as one element.
func stringSlice(res gjson.Result) []string {
	switch {
	case res.IsArray():
		var out []string
		res.ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				out = append(out, v.Str)
			}
			return true
		})
		return out
	case res.Type == gjson.String:
		return []string{res.Str}
	default:
		return nil
	}
}
