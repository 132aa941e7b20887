package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"drone-surveillance-console/shared/config"
)

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles":  []any{"console:operate", "console:view"},
		"groups": "ops",
		"scp":    "read write console:view",
	}
	roles := rolesFromClaims(claims, "console")
	want := []string{"console:operate", "console:view", "ops", "read", "write"}
	if len(roles) != len(want) {
		t.Fatalf("expected %v, got %v", want, roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, roles)
		}
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewVerifier(VerifierOptions{Audience: "aud"}); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
	if _, err := NewVerifier(VerifierOptions{Issuer: "https://idp.example"}); err == nil {
		t.Fatalf("expected error for missing audience")
	}
	v, err := NewVerifierFromConfig(config.Config{})
	if err != nil || v != nil {
		t.Fatalf("expected auth disabled without issuer, got %v %v", v, err)
	}
}

func TestActorAndRoles(t *testing.T) {
	a := AuthContext{Subject: "u-1", Name: "Ada", Roles: []string{"Console:Operate"}}
	if a.Actor() != "Ada <u-1>" {
		t.Fatalf("unexpected actor %q", a.Actor())
	}
	if !a.HasRole(RoleOperator) || a.HasRole(RoleViewer) {
		t.Fatalf("unexpected role check")
	}
	if (AuthContext{Subject: "u-2"}).Actor() != "u-2" {
		t.Fatalf("expected bare subject")
	}
}

type issuer struct {
	key   *rsa.PrivateKey
	srv   *httptest.Server
	hits  atomic.Int32
	issue string
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		t.Fatalf("jwk: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, "k1"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal set: %v", err)
	}

	iss := &issuer{key: key}
	iss.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		iss.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(iss.srv.Close)
	iss.issue = iss.srv.URL
	return iss
}

func (i *issuer) sign(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func (i *issuer) claims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   sub,
		"iss":   i.issue,
		"aud":   "console",
		"exp":   now.Add(time.Hour).Unix(),
		"nbf":   now.Add(-time.Minute).Unix(),
		"name":  "Ada",
		"roles": []any{RoleOperator},
	}
}

func TestVerifyAgainstJWKS(t *testing.T) {
	iss := newIssuer(t)
	v, err := NewVerifier(VerifierOptions{Issuer: iss.issue, Audience: "console", JWKSURL: iss.srv.URL + "/jwks"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	auth, err := v.Verify(context.Background(), iss.sign(t, iss.claims("op-1"), "k1"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if auth.Subject != "op-1" || auth.Name != "Ada" || !auth.HasRole(RoleOperator) {
		t.Fatalf("unexpected auth %#v", auth)
	}
	if _, err := v.Verify(context.Background(), iss.sign(t, iss.claims("op-2"), "k1")); err != nil {
		t.Fatalf("verify second: %v", err)
	}
	if iss.hits.Load() != 1 {
		t.Fatalf("expected cached JWKS, fetched %d times", iss.hits.Load())
	}

	wrongAud := iss.claims("op-1")
	wrongAud["aud"] = "other"
	if _, err := v.Verify(context.Background(), iss.sign(t, wrongAud, "k1")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience rejected, got %v", err)
	}
	noSub := iss.claims("")
	delete(noSub, "sub")
	if _, err := v.Verify(context.Background(), iss.sign(t, noSub, "k1")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected missing subject rejected, got %v", err)
	}
	if _, err := v.Verify(context.Background(), iss.sign(t, iss.claims("op-1"), "unknown")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unknown kid rejected, got %v", err)
	}
	if iss.hits.Load() != 1 {
		t.Fatalf("expected unknown kid not to refetch right away, fetched %d times", iss.hits.Load())
	}
}

func TestRolesFromKeycloakClaims(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{"roles": []any{"console:view"}},
		"resource_access": map[string]any{
			"console": map[string]any{"roles": []any{"console:operate"}},
			"other":   map[string]any{"roles": []any{"admin"}},
		},
	}
	a := AuthContext{Roles: rolesFromClaims(claims, "console")}
	if !a.HasRole(RoleViewer) || !a.HasRole(RoleOperator) || a.HasRole("admin") {
		t.Fatalf("unexpected roles %v", a.Roles)
	}
}

func TestJWKSCacheSharesConcurrentRefresh(t *testing.T) {
	iss := newIssuer(t)
	c := NewJWKSCache(iss.srv.URL, time.Minute, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetKey(context.Background(), "k1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("get key: %v", err)
	}
	if n := iss.hits.Load(); n < 1 || n > 8 {
		t.Fatalf("unexpected fetch count %d", n)
	}

	now := time.Now().Add(2 * time.Minute)
	c.now = func() time.Time { return now }
	before := iss.hits.Load()
	if _, err := c.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("get key after expiry: %v", err)
	}
	if iss.hits.Load() != before+1 {
		t.Fatalf("expected refetch after ttl")
	}
}
