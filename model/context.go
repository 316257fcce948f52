package model

import "context"

// RoleCaseManager is the role required for status changes and external id
// assignment made on behalf of the case-management system.
const RoleCaseManager = "case-manager"

// SubjectKind names the register a subject identifier comes from.
type SubjectKind string

const (
	// SubjectBSN is a citizen service number (burgerservicenummer).
	SubjectBSN SubjectKind = "bsn"
	// SubjectKVK is a chamber of commerce registration number.
	SubjectKVK SubjectKind = "kvk"
	// SubjectStaff is the identity-provider subject of an employee or a
	// system account.
	SubjectStaff SubjectKind = "staff"
)

// Valid reports whether id is well formed for the kind.
func (k SubjectKind) Valid(id string) bool {
	switch k {
	case SubjectBSN:
		return ValidBSN(id)
	case SubjectKVK:
		return ValidKVK(id)
	case SubjectStaff:
		return id != ""
	default:
		return false
	}
}

// ValidBSN reports whether s is a nine digit BSN that passes the eleven
// test: 9*d1 + 8*d2 + ... + 2*d8 - d9 is divisible by 11.
func ValidBSN(s string) bool {
	if len(s) != 9 || !digits(s) {
		return false
	}
	sum := 0
	for i := 0; i < 8; i++ {
		sum += int(s[i]-'0') * (9 - i)
	}
	sum -= int(s[8] - '0')
	return sum != 0 && sum%11 == 0
}

// ValidKVK reports whether s is an eight digit KVK number.
func ValidKVK(s string) bool {
	return len(s) == 8 && digits(s)
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// RequestContext is the authenticated caller of a request. Cases created in
// the request are owned by SubjectID; citizens and businesses only ever see
// their own cases.
type RequestContext struct {
	SubjectID     string
	SubjectKind   SubjectKind
	Roles         []string
	CorrelationID string
	TraceID       string
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	if rc == nil {
		return false
	}
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
