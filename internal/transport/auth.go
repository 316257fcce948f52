package transport

import (
	"context"
	"crypto"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseportal/internal/config"
	"github.com/pitabwire/caseportal/internal/observability"
	"github.com/pitabwire/caseportal/model"
)

// KeySource resolves token signing keys by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// Authenticator verifies bearer tokens and establishes the caller of a case
// request. A token must be signed with one of the configured algorithms by a
// published key, carry the configured issuer and audience, and not be
// expired.
type Authenticator struct {
	parser   *jwt.Parser
	keys     KeySource
	identity *IdentityResolver
	logger   *zap.Logger
}

// NewAuthenticator creates an Authenticator for the identity provider in cfg.
func NewAuthenticator(cfg config.IdentityConfig, keys KeySource, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(30*time.Second),
			jwt.WithExpirationRequired(),
		),
		keys:     keys,
		identity: NewIdentityResolver(cfg.Claims),
		logger:   logger,
	}
}

// Middleware rejects requests without a valid token with 401 and attaches
// the resolved model.RequestContext to accepted ones.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		header := r.Header.Get("Authorization")
		if header == "" {
			WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
			return
		}

		claims := jwt.MapClaims{}
		if _, err := a.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid in token header")
			}
			return a.keys.Key(ctx, kid)
		}); err != nil {
			a.logger.Debug("token rejected",
				zap.String("correlation_id", CorrelationIDFrom(ctx)),
				zap.Error(err),
			)
			WriteError(w, model.NewUnauthorizedError(tokenErrorMessage(err)))
			return
		}

		rctx, err := a.identity.Resolve(claims)
		if err != nil {
			WriteError(w, err)
			return
		}
		rctx.CorrelationID = CorrelationIDFrom(ctx)
		rctx.TraceID = observability.TraceIDFromContext(ctx)

		next.ServeHTTP(w, r.WithContext(model.WithRequestContext(ctx, rctx)))
	})
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}
