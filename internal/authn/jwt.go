// JWT claim verification against a JWKS endpoint with stale-tolerant
// caching, per §6: HEALTHY ≤ 15 min, STALE ≤ 24 h, then DEGRADED.
// Consumes tokens issued elsewhere; this package never issues JWTs.
package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Tier classifies a JWKS cache's freshness.
type Tier string

const (
	TierHealthy  Tier = "healthy"
	TierStale    Tier = "stale"
	TierDegraded Tier = "degraded"
)

const (
	healthyWindow = 15 * time.Minute
	staleWindow   = 24 * time.Hour
)

// Claims is the JWT claim contract of §6, consumed not issued.
type Claims struct {
	Issuer           string            `json:"iss"`
	Audience         string            `json:"aud"`
	Subject          string            `json:"sub"`
	TenantID         string            `json:"tenant_id"`
	Tier             string            `json:"tier"`
	RequestHash      string            `json:"req_hash"`
	IssuedAt         int64             `json:"iat"`
	ExpiresAt        int64             `json:"exp"`
	JTI              string            `json:"jti,omitempty"`
	NFTID            string            `json:"nft_id,omitempty"`
	BYOK             bool              `json:"byok,omitempty"`
	ModelPreferences map[string]string `json:"model_preferences,omitempty"`
}

var validTiers = map[string]bool{"free": true, "pro": true, "enterprise": true}

// JWKSFetcher fetches and decodes a JWKS document. HTTPJWKSFetcher below
// is the HTTP implementation.
type JWKSFetcher interface {
	FetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// HTTPJWKSFetcher fetches the JWKS document over HTTP(S).
type HTTPJWKSFetcher struct {
	URL    string
	Client *http.Client
}

func (f *HTTPJWKSFetcher) FetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("jwks decode: %w", err)
	}
	return &set, nil
}

// JWKSCache polls a JWKSFetcher on a cancellable ticker, serving the
// last successfully fetched key set while its own Tier() reports how
// long ago that succeeded.
type JWKSCache struct {
	fetcher JWKSFetcher
	logger  func(format string, args ...any)

	mu         sync.RWMutex
	keys       *jose.JSONWebKeySet
	lastSynced time.Time

	cancel context.CancelFunc
}

func NewJWKSCache(fetcher JWKSFetcher) *JWKSCache {
	return &JWKSCache{fetcher: fetcher, logger: func(string, ...any) {}}
}

// Start polls immediately, then on the given interval, until Stop.
func (c *JWKSCache) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.refresh(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *JWKSCache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *JWKSCache) refresh(ctx context.Context) {
	keys, err := c.fetcher.FetchJWKS(ctx)
	if err != nil {
		c.logger("jwks refresh failed: %v", err)
		return
	}
	c.mu.Lock()
	c.keys = keys
	c.lastSynced = time.Now()
	c.mu.Unlock()
}

// Tier reports the cache's current staleness tier.
func (c *JWKSCache) Tier() Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastSynced.IsZero() {
		return TierDegraded
	}
	age := time.Since(c.lastSynced)
	switch {
	case age <= healthyWindow:
		return TierHealthy
	case age <= staleWindow:
		return TierStale
	default:
		return TierDegraded
	}
}

func (c *JWKSCache) keySet() *jose.JSONWebKeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys
}

// JWTVerifier verifies JWTs against a JWKSCache with the issuer/audience
// contract of §6, ±30s clock skew.
type JWTVerifier struct {
	cache    *JWKSCache
	issuer   string
	audience string
	skew     time.Duration
}

func NewJWTVerifier(cache *JWKSCache, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{cache: cache, issuer: issuer, audience: audience, skew: 30 * time.Second}
}

// Verify parses and validates raw, rejecting with typed reasons per
// §7's AuthFailed taxonomy (the caller wraps the returned error as
// errs.OpaqueAuthFailure so the specific reason never reaches the
// client).
func (v *JWTVerifier) Verify(raw string) (*Claims, error) {
	if v.cache.Tier() == TierDegraded {
		return nil, fmt.Errorf("jwks cache degraded, refusing to verify")
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.ES256, jose.RS256})
	if err != nil {
		return nil, fmt.Errorf("jwt structurally invalid: %w", err)
	}

	keySet := v.cache.keySet()
	if keySet == nil {
		return nil, fmt.Errorf("no jwks available")
	}

	var claims Claims
	var verifyErr error
	for _, key := range keySet.Keys {
		if err := tok.Claims(key, &claims); err == nil {
			verifyErr = nil
			break
		} else {
			verifyErr = err
		}
	}
	if verifyErr != nil {
		return nil, fmt.Errorf("jwt signature verification failed: %w", verifyErr)
	}

	now := time.Now()
	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	if claims.Audience != v.audience {
		return nil, fmt.Errorf("audience mismatch")
	}
	exp := time.Unix(claims.ExpiresAt, 0)
	if now.After(exp.Add(v.skew)) {
		return nil, fmt.Errorf("token expired")
	}
	iat := time.Unix(claims.IssuedAt, 0)
	if iat.After(now.Add(v.skew)) {
		return nil, fmt.Errorf("token issued in the future")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("missing required claim tenant_id")
	}
	if !validTiers[claims.Tier] {
		return nil, fmt.Errorf("unsupported tier claim %q", claims.Tier)
	}

	return &claims, nil
}
