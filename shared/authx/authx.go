package authx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"drone-surveillance-console/shared/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

const (
	// RoleOperator may issue dispatch, neutralise and patrol commands.
	RoleOperator = "console:operate"
	RoleViewer   = "console:view"
)

// AuthContext is the verified operator behind a request.
type AuthContext struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	Claims  map[string]any
}

// Actor is the identity written into audit rows and decision events.
func (a AuthContext) Actor() string {
	if a.Name == "" {
		return a.Subject
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Subject)
}

func (a AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type ctxKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(ctxKey{}).(AuthContext)
	return auth, ok
}

// VerifierOptions configures operator token checks against one OIDC issuer.
type VerifierOptions struct {
	Issuer    string
	Audience  string
	JWKSURL   string
	KeyTTL    time.Duration
	ClockSkew time.Duration
	Client    *http.Client
}

// Verifier checks operator bearer tokens signed by the issuer's JWKS.
type Verifier struct {
	audience string
	keys     *JWKSCache
	parser   *jwt.Parser
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	iss := strings.TrimSpace(opts.Issuer)
	aud := strings.TrimSpace(opts.Audience)
	if iss == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidToken)
	}
	if aud == "" {
		return nil, fmt.Errorf("%w: audience is required", ErrInvalidToken)
	}
	url := strings.TrimSpace(opts.JWKSURL)
	if url == "" {
		url = strings.TrimRight(iss, "/") + "/.well-known/jwks.json"
	}
	ttl := opts.KeyTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	skew := opts.ClockSkew
	if skew < 0 {
		skew = 0
	}
	return &Verifier{
		audience: aud,
		keys:     NewJWKSCache(url, ttl, opts.Client),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithIssuer(iss),
			jwt.WithAudience(aud),
			jwt.WithLeeway(skew),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// NewVerifierFromConfig returns (nil, nil) when OIDC_ISSUER is unset, which
// leaves operator auth off.
func NewVerifierFromConfig(cfg config.Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.OIDCIssuer) == "" {
		return nil, nil
	}
	return NewVerifier(VerifierOptions{
		Issuer:    cfg.OIDCIssuer,
		Audience:  cfg.OIDCAudience,
		JWKSURL:   cfg.OIDCJWKSURL,
		KeyTTL:    time.Duration(cfg.JWKSTTLSeconds) * time.Second,
		ClockSkew: time.Duration(cfg.JWTClockSkewSec) * time.Second,
	})
}

func (v *Verifier) Verify(ctx context.Context, raw string) (AuthContext, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AuthContext{}, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		return v.keys.GetKey(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub := claimString(claims, "sub")
	if sub == "" {
		return AuthContext{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	name := claimString(claims, "name")
	if name == "" {
		name = claimString(claims, "preferred_username")
	}
	return AuthContext{
		Subject: sub,
		Email:   claimString(claims, "email"),
		Name:    name,
		Roles:   rolesFromClaims(claims, v.audience),
		Claims:  claims,
	}, nil
}

// JWKSCache holds the issuer's signing keys by kid. A failed refresh keeps
// serving unexpired keys. Concurrent misses share one fetch, and an unknown
// kid cannot force a refetch more often than minRefresh.
type JWKSCache struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	now        func() time.Time
	group      singleflight.Group

	mu        sync.RWMutex
	keys      map[string]any
	expiresAt time.Time
	fetchedAt time.Time
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{
		url:        url,
		ttl:        ttl,
		minRefresh: 10 * time.Second,
		client:     client,
		now:        time.Now,
		keys:       map[string]any{},
	}
}

func (c *JWKSCache) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

func (c *JWKSCache) lookup(kid string, now time.Time) (key any, fresh bool, recentlyFetched bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key = c.keys[kid]
	return key, key != nil && now.Before(c.expiresAt), !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < c.minRefresh
}

func (c *JWKSCache) GetKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	now := c.now()
	key, fresh, recent := c.lookup(kid, now)
	if fresh {
		return key, nil
	}
	if key == nil && recent {
		return nil, ErrUnknownKID
	}

	_, err, _ := c.group.Do("jwks", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	key, fresh, _ = c.lookup(kid, now)
	switch {
	case fresh:
		return key, nil
	case err != nil:
		return nil, err
	default:
		return nil, ErrUnknownKID
	}
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}

	keys := make(map[string]any, set.Len())
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := strings.TrimSpace(k.KeyID())
		if kid == "" || (k.KeyUsage() != "" && k.KeyUsage() != "sig") {
			continue
		}
		var raw any
		if err := k.Raw(&raw); err != nil {
			continue
		}
		keys[kid] = raw
	}
	if len(keys) == 0 {
		return errors.New("jwks has no signing keys")
	}

	now := c.now()
	c.mu.Lock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
	c.fetchedAt = now
	c.mu.Unlock()
	return nil
}

func claimString(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// rolesFromClaims gathers roles from flat claims (roles, role, groups, scp)
// and from Keycloak style realm_access / resource_access[audience] blocks.
func rolesFromClaims(claims map[string]any, audience string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(v any) {
		for _, r := range flattenRoles(v) {
			if r != "" && !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	for _, key := range []string{"roles", "role", "groups"} {
		if v, ok := claims[key]; ok {
			add(v)
		}
	}
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		add(realm["roles"])
	}
	if res, ok := claims["resource_access"].(map[string]any); ok && audience != "" {
		if client, ok := res[audience].(map[string]any); ok {
			add(client["roles"])
		}
	}
	if scp, ok := claims["scp"].(string); ok {
		add(scp)
	}
	return out
}

func flattenRoles(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return strings.Fields(t)
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			out = append(out, strings.TrimSpace(s))
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, s := range t {
			out = append(out, strings.TrimSpace(fmt.Sprint(s)))
		}
		return out
	default:
		return []string{strings.TrimSpace(fmt.Sprint(t))}
	}
}
