// Package jwt provides a handler that validates JWT bearer tokens against a
// JWKS (JSON Web Key Set) endpoint.
//
// It supports RSA-signed JWTs with configurable issuer, audience,
// and custom claim extraction for subject, tenant, and scopes.
package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/warden/pkg/authn"
	"github.com/rhuss/warden/pkg/credential"
	"github.com/rhuss/warden/pkg/debug"
)

// DefaultName is the handler name used when none is configured.
const DefaultName = "jwt"

// errKeySourceUnavailable marks failures to obtain signing keys, as opposed
// to tokens that are simply wrong.
var errKeySourceUnavailable = errors.New("signing key source unavailable")

var errUnknownKey = errors.New("unknown signing key")

// Config holds the JWT handler configuration.
type Config struct {
	// Name identifies the handler in audit records. Default: "jwt".
	Name string

	// Issuer is the expected JWT issuer (iss claim). If empty, issuer is not validated.
	Issuer string

	// Audience is the expected JWT audience (aud claim). If empty, audience is not validated.
	Audience string

	// JWKSURL is the URL to fetch the JSON Web Key Set for signature verification.
	JWKSURL string

	// UserClaim is the JWT claim used as the principal ID. Default: "sub".
	UserClaim string

	// TenantClaim is the JWT claim copied to the tenant_id attribute. Default: "tenant_id".
	TenantClaim string

	// ScopesClaim is the JWT claim copied to the scopes attribute. Default: "scope".
	// The value can be a space-separated string or a JSON array.
	ScopesClaim string

	// CacheTTL controls how long JWKS keys are cached. Default: 1 hour.
	CacheTTL time.Duration

	// MinRefreshInterval is the minimum time between JWKS fetches triggered
	// by unknown key IDs or failed fetches. Default: 30 seconds, capped at CacheTTL.
	MinRefreshInterval time.Duration

	// HTTPClient allows injecting a custom HTTP client (useful for testing).
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.UserClaim == "" {
		c.UserClaim = "sub"
	}
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.ScopesClaim == "" {
		c.ScopesClaim = "scope"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 1 * time.Hour
	}
	if c.MinRefreshInterval == 0 {
		c.MinRefreshInterval = 30 * time.Second
	}
	if c.MinRefreshInterval > c.CacheTTL {
		c.MinRefreshInterval = c.CacheTTL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Handler validates JWT bearer tokens against a JWKS endpoint.
type Handler struct {
	name      string
	config    Config
	jwksCache *jwksCache
}

var _ authn.Handler = (*Handler)(nil)

// New creates a JWT handler with the given configuration.
func New(cfg Config) *Handler {
	cfg.applyDefaults()
	return &Handler{
		name:   authn.NameOrDefault(cfg.Name, DefaultName),
		config: cfg,
		jwksCache: &jwksCache{
			keys:    make(map[string]*rsa.PublicKey),
			ttl:        cfg.CacheTTL,
			minRefresh: cfg.MinRefreshInterval,
			jwksURL:    cfg.JWKSURL,
			client:     cfg.HTTPClient,
		},
	}
}

func (h *Handler) Name() string { return h.name }

// Supports accepts bearer tokens shaped like a compact JWS.
func (h *Handler) Supports(cred credential.Credential) bool {
	tok, ok := cred.(credential.BearerToken)
	return ok && tok.LooksLikeJWT()
}

// Authenticate validates the token signature and claims and maps the
// claims to a principal.
func (h *Handler) Authenticate(ctx context.Context, cred credential.Credential) (*authn.Principal, error) {
	tok, ok := cred.(credential.BearerToken)
	if !ok {
		return nil, authn.Reject(authn.ReasonUnsupportedCredential, nil)
	}

	token, err := jwtlib.Parse(tok.Token(), func(token *jwtlib.Token) (interface{}, error) {
		// Ensure the signing method is RSA.
		if _, ok := token.Method.(*jwtlib.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}

		// Fetch the public key for this kid from the JWKS cache.
		key, fetchErr := h.jwksCache.getKey(ctx, kid)
		if fetchErr != nil {
			return nil, fmt.Errorf("fetching JWKS key for kid %q: %w", kid, fetchErr)
		}

		return key, nil
	}, h.parserOptions()...)
	if err != nil {
		debug.Log("jwt", "token validation failed", "handler", h.name, "error", err)
		return nil, authn.Reject(classify(err), err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return nil, authn.Reject(authn.ReasonInvalidSecret, errors.New("invalid JWT claims"))
	}

	subject := claimString(claims, h.config.UserClaim)
	if subject == "" {
		return nil, authn.Reject(authn.ReasonMalformedCredential,
			fmt.Errorf("JWT missing %q claim", h.config.UserClaim))
	}

	principal := &authn.Principal{
		ID:         subject,
		Attributes: make(map[string]string),
	}
	if tenant := claimString(claims, h.config.TenantClaim); tenant != "" {
		principal.Attributes["tenant_id"] = tenant
	}
	if scopes := extractScopes(claims, h.config.ScopesClaim); len(scopes) > 0 {
		principal.Attributes["scopes"] = strings.Join(scopes, " ")
	}

	return principal, nil
}

// classify maps a JWT parse or verification error to a reason code.
func classify(err error) authn.ReasonCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return authn.ReasonTimeout
	case errors.Is(err, errKeySourceUnavailable):
		return authn.ReasonSourceUnavailable
	case errors.Is(err, jwtlib.ErrTokenExpired), errors.Is(err, jwtlib.ErrTokenNotValidYet):
		return authn.ReasonExpired
	case errors.Is(err, jwtlib.ErrTokenMalformed):
		return authn.ReasonMalformedCredential
	default:
		return authn.ReasonInvalidSecret
	}
}

// parserOptions builds JWT parser options based on the configuration.
func (h *Handler) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
	}

	if h.config.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(h.config.Issuer))
	}

	if h.config.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(h.config.Audience))
	}

	return opts
}

// claimString extracts a string value from JWT claims.
// Returns empty string if the claim is missing or not a string.
func claimString(claims jwtlib.MapClaims, key string) string {
	val, ok := claims[key]
	if !ok {
		return ""
	}
	s, ok := val.(string)
	if !ok {
		return ""
	}
	return s
}

// extractScopes extracts scopes from JWT claims.
// The scope claim can be either a space-separated string or a JSON array.
func extractScopes(claims jwtlib.MapClaims, key string) []string {
	val, ok := claims[key]
	if !ok {
		return nil
	}

	// Case 1: space-separated string (e.g., "read write admin")
	if s, ok := val.(string); ok {
		parts := strings.Fields(s)
		if len(parts) == 0 {
			return nil
		}
		return parts
	}

	// Case 2: JSON array (e.g., ["read", "write", "admin"])
	if arr, ok := val.([]interface{}); ok {
		var scopes []string
		for _, item := range arr {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		if len(scopes) == 0 {
			return nil
		}
		return scopes
	}

	return nil
}

// jwksCache caches RSA public keys fetched from a JWKS endpoint.
// It is thread-safe and supports TTL-based cache invalidation. Fetches are
// at least minRefresh apart, so unknown key IDs cannot force one request
// per token.
type jwksCache struct {
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey // kid -> public key
	fetchedAt   time.Time
	attemptedAt time.Time
	lastErr     error
	ttl         time.Duration
	minRefresh  time.Duration
	jwksURL     string
	client      *http.Client
}

// getKey returns the RSA public key for the given kid.
// It fetches from the JWKS endpoint if the cache is expired or the kid is
// unknown, but not more often than minRefresh.
func (c *jwksCache) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}

	if !c.attemptedAt.IsZero() && time.Since(c.attemptedAt) < c.minRefresh {
		debug.Log("jwt", "JWKS refresh suppressed", "kid", kid, "url", c.jwksURL)
		return c.lookup(kid)
	}

	err := c.fetchJWKS(ctx)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about the endpoint.
		return nil, fmt.Errorf("%w: %w", errKeySourceUnavailable, err)
	}
	c.attemptedAt = time.Now()
	c.lastErr = err

	return c.lookup(kid)
}

// lookup resolves kid against the result of the last fetch attempt.
// Must be called with the lock held.
func (c *jwksCache) lookup(kid string) (*rsa.PublicKey, error) {
	if c.lastErr != nil {
		return nil, fmt.Errorf("%w: %w", errKeySourceUnavailable, c.lastErr)
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
	}
	return key, nil
}

// fetchJWKS fetches the JWKS from the configured URL and populates the key cache.
// Must be called with the write lock held.
func (c *jwksCache) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("creating JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading JWKS response: %w", err)
	}

	debug.Trace("jwt", "JWKS document", "url", c.jwksURL, "body", debug.Truncate(string(body), 4096))

	var jwks jwksDocument
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("parsing JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.Kty != "RSA" {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}

		pubKey, err := parseRSAPublicKey(jwk)
		if err != nil {
			slog.Warn("skipping JWKS key", "kid", jwk.Kid, "error", err)
			continue
		}

		keys[jwk.Kid] = pubKey
	}

	c.keys = keys
	c.fetchedAt = time.Now()

	debug.Log("jwt", "JWKS cache refreshed", "keys", len(keys), "url", c.jwksURL)
	return nil
}

type jwksDocument struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"` // base64url modulus
	E   string `json:"e"` // base64url exponent
}

// parseRSAPublicKey constructs an *rsa.PublicKey from a JWK.
func parseRSAPublicKey(jwk jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	if !e.IsInt64() {
		return nil, fmt.Errorf("RSA exponent too large")
	}

	return &rsa.PublicKey{
		N: n,
		E: int(e.Int64()),
	}, nil
}
