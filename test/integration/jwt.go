package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key-1"

// TestClaims are the identity claims of a test token. Extra carries the
// owner claims (bsn, kvk) and overrides of registered claims.
type TestClaims struct {
	Subject string
	Roles   []string
	Extra   map[string]any
}

// tokenIssuer stands in for the identity provider: it signs tokens with an
// RSA key and publishes the public half as a JWKS document.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	jwksServer *httptest.Server
	issuer     string
	audience   string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		privateKey: key,
		jwksServer: srv,
		issuer:     "https://auth.test.caseportal.dev",
		audience:   "caseportal-test",
	}
}

// GenerateToken signs a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now, now.Add(time.Hour))
}

// GenerateTokenForAudience signs a token like GenerateToken but for another
// audience.
func (ti *tokenIssuer) GenerateTokenForAudience(claims TestClaims, audience string) string {
	extra := map[string]any{"aud": audience}
	maps.Copy(extra, claims.Extra)
	claims.Extra = extra
	return ti.GenerateToken(claims)
}

// GenerateExpiredToken signs a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now.Add(-2*time.Hour), now.Add(-time.Hour))
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt, expires time.Time) string {
	mapClaims := jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"iat": jwt.NewNumericDate(issuedAt),
		"exp": jwt.NewNumericDate(expires),
		"sub": claims.Subject,
	}
	if len(claims.Roles) > 0 {
		mapClaims["roles"] = claims.Roles
	}
	maps.Copy(mapClaims, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.privateKey)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// JWKSURL returns the URL of the JWKS endpoint served by this issuer.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwksServer.URL
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
