package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims are the token claims this server interprets. The organization claim
// is the caller's stable organization identifier.
type Claims struct {
	jwt.RegisteredClaims
	Organization string `json:"organization"`
}

// AffiliationSource resolves the parent-organization roles of an
// organization at request time.
type AffiliationSource interface {
	Affiliations(ctx context.Context, organizationIdentifier string) []Affiliation
}

// MiddlewareConfig configures identity resolution.
type MiddlewareConfig struct {
	// LocalOrganization is the identifier of the hosting organization.
	// Tokens carrying it resolve to a local identity with all roles.
	LocalOrganization string

	// AllowedOrganizations lists remote organizations admitted to the
	// federation. Tokens of any other organization are rejected.
	AllowedOrganizations []string

	Issuer   string
	Audience string
	JWKSURL  string

	// SigningKey enables HMAC validation for development and tests.
	SigningKey []byte
}

// JWKSKey is a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSResponse is the document served by a JWKS endpoint.
type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

// JWKSCache caches JWKS keys fetched from a remote endpoint with a TTL.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

// NewJWKSCache creates a JWKS cache fetching keys from the given URL.
func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKey returns the RSA public key for the given kid, refetching the JWKS
// on cache miss or TTL expiry.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := c.fetch(); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch() error {
	resp, err := c.client.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pubKey, err := parseRSAPublicKey(k)
		if err != nil {
			continue // skip malformed keys
		}
		keys[k.Kid] = pubKey
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

const defaultJWKSCacheTTL = 5 * time.Minute

func jwksKeyFunc(jwksURL string) jwt.Keyfunc {
	cache := NewJWKSCache(jwksURL, defaultJWKSCacheTTL)
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return cache.GetKey(kid)
	}
}

// Resolver maps a validated organization identifier to an Identity,
// attaching directory affiliations.
type Resolver struct {
	cfg     MiddlewareConfig
	allowed map[string]bool
	dir     AffiliationSource
}

// NewResolver builds the identity resolver for the configured federation.
func NewResolver(cfg MiddlewareConfig, dir AffiliationSource) *Resolver {
	allowed := make(map[string]bool, len(cfg.AllowedOrganizations))
	for _, org := range cfg.AllowedOrganizations {
		allowed[strings.TrimSpace(org)] = true
	}
	return &Resolver{cfg: cfg, allowed: allowed, dir: dir}
}

// Resolve returns the identity for the given organization identifier, or
// false when the organization is not admitted.
func (r *Resolver) Resolve(c echo.Context, organization string) (Identity, bool) {
	if organization == "" {
		return Identity{}, false
	}

	var affiliations []Affiliation
	if r.dir != nil {
		affiliations = r.dir.Affiliations(c.Request().Context(), organization)
	}

	if organization == r.cfg.LocalOrganization {
		return NewLocalIdentity(organization, affiliations...), true
	}
	if r.allowed[organization] {
		return NewRemoteIdentity(organization, affiliations...), true
	}
	return Identity{}, false
}

// JWTMiddleware validates the bearer token and resolves the caller identity
// onto the request context.
func JWTMiddleware(cfg MiddlewareConfig, dir AffiliationSource) echo.MiddlewareFunc {
	resolver := NewResolver(cfg, dir)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			tokenStr := parts[1]
			claims := &Claims{}

			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256", "HS256"}),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			var token *jwt.Token
			var err error

			if len(cfg.SigningKey) > 0 {
				token, err = jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
					return cfg.SigningKey, nil
				}, opts...)
			} else {
				token, err = jwt.ParseWithClaims(tokenStr, claims, jwksKeyFunc(cfg.JWKSURL), opts...)
			}

			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			identity, ok := resolver.Resolve(c, claims.Organization)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "organization not admitted")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), identity)))
			return next(c)
		}
	}
}

// DevMiddleware resolves the identity from the X-Organization header instead
// of a token. Development only.
func DevMiddleware(cfg MiddlewareConfig, dir AffiliationSource) echo.MiddlewareFunc {
	resolver := NewResolver(cfg, dir)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			organization := c.Request().Header.Get("X-Organization")
			if organization == "" {
				organization = cfg.LocalOrganization
			}

			identity, ok := resolver.Resolve(c, organization)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "organization not admitted")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), identity)))
			return next(c)
		}
	}
}
