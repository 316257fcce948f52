package transport

import (
	"context"
	"crypto"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
)

// KeySet fetches and caches the identity provider's signing keys. Keys are
// refetched when the cache expires or a token names an unknown kid, at most
// once per minRefresh. When the provider is unreachable, cached keys keep
// verifying tokens.
type KeySet struct {
	mu         sync.RWMutex
	url        string
	keys       map[string]jose.JSONWebKey
	fetched    time.Time
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// KeySetOption configures a KeySet.
type KeySetOption func(*KeySet)

// WithKeySetLogger sets the logger for refresh and key warnings.
func WithKeySetLogger(logger *zap.Logger) KeySetOption {
	return func(k *KeySet) { k.logger = logger }
}

// WithKeySetHTTPClient replaces the client used to fetch the key set.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(k *KeySet) { k.httpClient = client }
}

// NewKeySet creates a KeySet for the JWKS document at url.
func NewKeySet(url string, ttl time.Duration, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:        url,
		keys:       make(map[string]jose.JSONWebKey),
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Key returns the public verification key with the given id.
func (k *KeySet) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	jwk, ok, fresh := k.cached(kid)
	if ok && fresh {
		return jwk.Key, nil
	}

	if err := k.refresh(ctx); err != nil {
		if jwk, ok, _ = k.cached(kid); ok {
			k.logger.Warn("jwks refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
			return jwk.Key, nil
		}
		return nil, errors.Wrap(err, "jwks: fetch failed")
	}

	if jwk, ok, _ = k.cached(kid); !ok {
		return nil, errors.Newf("jwks: unknown signing key %q", kid)
	}
	return jwk.Key, nil
}

func (k *KeySet) cached(kid string) (jose.JSONWebKey, bool, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	jwk, ok := k.keys[kid]
	return jwk, ok, time.Since(k.fetched) <= k.ttl
}

func (k *KeySet) refresh(ctx context.Context) error {
	k.mu.RLock()
	tooSoon := len(k.keys) > 0 && time.Since(k.fetched) < k.minRefresh
	k.mu.RUnlock()
	if tooSoon {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("jwks: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return errors.Wrap(err, "jwks: parse")
	}

	keys := make(map[string]jose.JSONWebKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			k.logger.Warn("jwks key skipped", zap.Error(err))
			continue
		}
		if jwk.KeyID == "" || !jwk.IsPublic() || !jwk.Valid() || (jwk.Use != "" && jwk.Use != "sig") {
			k.logger.Warn("jwks key skipped", zap.String("kid", jwk.KeyID), zap.String("use", jwk.Use))
			continue
		}
		keys[jwk.KeyID] = jwk
	}

	k.mu.Lock()
	k.keys = keys
	k.fetched = time.Now()
	k.mu.Unlock()
	return nil
}
