package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
	omitJWKS bool
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		if !m.omitJWKS {
			meta["jwks_uri"] = m.issuer + m.jwksPath
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

func sessionClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"name":  "Ada",
		"org":   "64b7f0c2a1b2c3d4e5f600aa",
		"teams": []string{"64b7f0c2a1b2c3d4e5f60001", "64b7f0c2a1b2c3d4e5f60002"},
	}
}

func TestVerifier_DiscoveryHappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	defer oidc.Close()

	aud := "session-gateway"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got, err := v.Verify(ctx, signToken(t, pk, kid, sessionClaims(oidc.issuer, aud)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	want := &Claims{
		Subject: "user-123",
		Name:    "Ada",
		OrgID:   "64b7f0c2a1b2c3d4e5f600aa",
		TeamIDs: []string{"64b7f0c2a1b2c3d4e5f60001", "64b7f0c2a1b2c3d4e5f60002"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("claims = %+v, want %+v", got, want)
	}
}

func TestVerifier_DiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	oidc.omitJWKS = true
	defer oidc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, "aud")); err == nil {
		t.Fatal("expected error due to missing jwks_uri")
	}
}

func TestVerifier_StaticAudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	defer oidc.Close()

	aud := "session-gateway"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, baseConfig(oidc.issuer, aud), oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := sessionClaims(oidc.issuer, aud)
	claims["aud"] = []string{"https://other", aud}
	if _, err := v.Verify(ctx, signToken(t, pk, kid, claims)); err != nil {
		t.Fatalf("verify: %v", err)
	}

	claims["aud"] = "https://unknown"
	if _, err := v.Verify(ctx, signToken(t, pk, kid, claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown audience, got %v", err)
	}
}

func TestVerifier_Rejections(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	defer oidc.Close()

	aud := "session-gateway"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, baseConfig(oidc.issuer, aud), oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	otherKey, _, _ := genRSA(t)

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		key    *rsa.PrivateKey
	}{
		{"issuer mismatch", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, pk},
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }, pk},
		{"missing exp", func(c jwt.MapClaims) { delete(c, "exp") }, pk},
		{"missing sub", func(c jwt.MapClaims) { delete(c, "sub") }, pk},
		{"wrong signing key", func(jwt.MapClaims) {}, otherKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := sessionClaims(oidc.issuer, aud)
			tt.mutate(claims)
			_, err := v.Verify(ctx, signToken(t, tt.key, kid, claims))
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}

	if _, err := v.Verify(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token: want ErrUnauthorized, got %v", err)
	}
}

func TestVerifier_DisallowedAlg(t *testing.T) {
	secret := []byte("hmac-secret")
	v, err := NewWithKeyfunc(&Config{}, func(*jwt.Token) (any, error) { return secret, nil })
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(context.Background(), s); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("HS256 token accepted by RS256-only verifier: %v", err)
	}
}

func TestStringList(t *testing.T) {
	tests := []struct {
		in   any
		want []string
	}{
		{nil, nil},
		{"", nil},
		{"a", []string{"a"}},
		{[]any{"a", 1, "", "b"}, []string{"a", "b"}},
		{[]string{"x"}, []string{"x"}},
	}
	for _, tt := range tests {
		if got := stringList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("stringList(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
