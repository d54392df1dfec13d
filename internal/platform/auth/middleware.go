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
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	UserEmailKey contextKey = "user_email"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// DevUserID is the identity DevAuthMiddleware assigns to anonymous requests.
const DevUserID = "00000000-0000-0000-0000-000000000001"

// Claims are the access token claims issued by the identity provider. The
// subject is the user's UUID.
type Claims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	AppMetadata struct {
		Roles []string `json:"roles"`
	} `json:"app_metadata"`
}

// AllRoles merges top-level and app_metadata roles.
func (c *Claims) AllRoles() []string {
	roles := append([]string{}, c.Roles...)
	for _, r := range c.AppMetadata.Roles {
		if !contains(roles, r) {
			roles = append(roles, r)
		}
	}
	return roles
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey verifies HS256 tokens signed with the provider's shared secret.
	SigningKey []byte
}

// JWKSKey represents a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSCache caches RSA keys fetched from a JWKS endpoint.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKey returns the key for kid, refreshing on a miss or after the TTL.
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

	var jwks struct {
		Keys []JWKSKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		n, errN := base64.RawURLEncoding.DecodeString(k.N)
		e, errE := base64.RawURLEncoding.DecodeString(k.E)
		if errN != nil || errE != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (cfg JWTConfig) keyFunc() jwt.Keyfunc {
	if len(cfg.SigningKey) > 0 {
		return func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return cfg.SigningKey, nil
		}
	}
	cache := NewJWKSCache(cfg.JWKSURL, 5*time.Minute)
	return func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return cache.GetKey(kid)
	}
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc := cfg.keyFunc()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if _, err := uuid.Parse(claims.Subject); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
			}

			ctx := WithIdentity(c.Request().Context(), claims.Subject, claims.Email, claims.AllRoles())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without identity headers act as an admin; X-Dev-User-ID, X-Dev-Email and
// X-Dev-Roles (comma separated) impersonate other users.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			userID := req.Header.Get("X-Dev-User-ID")
			if userID == "" {
				userID = DevUserID
			}
			roles := []string{RoleAdmin}
			if h := req.Header.Get("X-Dev-Roles"); h != "" {
				roles = strings.Split(h, ",")
			}
			ctx := WithIdentity(req.Context(), userID, req.Header.Get("X-Dev-Email"), roles)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// WithIdentity stores the authenticated user on ctx.
func WithIdentity(ctx context.Context, userID, email string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserEmailKey, email)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

// UserUUIDFromContext parses the user id; uuid.Nil when absent or malformed.
func UserUUIDFromContext(ctx context.Context) uuid.UUID {
	id, err := uuid.Parse(UserIDFromContext(ctx))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(UserEmailKey).(string)
	return email
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
