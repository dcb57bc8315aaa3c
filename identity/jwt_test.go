package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

func jwksServer(t *testing.T) (*rsa.PrivateKey, *httptest.Server) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return pk, srv
}

func mint(t *testing.T, pk *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTAuthenticatorCookieAndBearerAgree(t *testing.T) {
	pk, srv := jwksServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewJWTAuthenticator(ctx, JWTConfig{
		Issuer:    "https://app.example.com",
		Audiences: []string{"session-gateway"},
		JWKSURI:   srv.URL,
		Cookie:    "session",
	})
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}

	tok := mint(t, pk, jwt.MapClaims{
		"iss":   "https://app.example.com",
		"aud":   "session-gateway",
		"sub":   "u-1",
		"name":  "Grace",
		"org":   "org-1",
		"teams": []string{"64b7f0c2a1b2c3d4e5f60001"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	bearer := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bearer.Header.Set("Authorization", "Bearer "+tok)
	cookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	cookie.AddCookie(&http.Cookie{Name: "session", Value: tok})

	var got []*Account
	for _, req := range []*http.Request{bearer, cookie} {
		acct, err := a.Authenticate(ctx, req)
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		got = append(got, acct)
	}
	for _, acct := range got {
		if acct.UserID != "u-1" || acct.Name != "Grace" || acct.OrgID != "org-1" ||
			!slices.Equal(acct.TeamIDs, []string{"64b7f0c2a1b2c3d4e5f60001"}) {
			t.Fatalf("account = %+v", acct)
		}
	}
}

func TestJWTAuthenticatorRejects(t *testing.T) {
	pk, srv := jwksServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewJWTAuthenticator(ctx, JWTConfig{Issuer: "https://app.example.com", JWKSURI: srv.URL})
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := a.Authenticate(ctx, req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("no token: %v", err)
	}

	expired := mint(t, pk, jwt.MapClaims{
		"iss": "https://app.example.com",
		"sub": "u-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	req.Header.Set("Authorization", "Bearer "+expired)
	if _, err := a.Authenticate(ctx, req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expired token: %v", err)
	}
}

func TestNewJWTAuthenticatorRequiresKeySource(t *testing.T) {
	if _, err := NewJWTAuthenticator(context.Background(), JWTConfig{}); err == nil {
		t.Fatal("expected error without issuer or jwks uri")
	}
}
