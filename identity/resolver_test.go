package identity_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/session-gateway/identity"
	"github.com/ggoodman/session-gateway/identity/identitytest"
)

func newResolver() *identity.Resolver {
	auth := identitytest.New()
	auth.Cookie = "sid"
	auth.Add("tok-ada", identity.Account{UserID: "u-ada", Name: "Ada", TeamIDs: []string{"team-1"}})
	return &identity.Resolver{
		Secret:        identity.NewStaticSecret("backend-secret"),
		Authenticator: auth,
	}
}

func TestResolve(t *testing.T) {
	r := newResolver()

	tests := []struct {
		name     string
		prepare  func(*http.Request)
		wantKind identity.Kind
		wantUser string
	}{
		{
			name:     "no credentials",
			prepare:  func(*http.Request) {},
			wantKind: identity.KindAnonymous,
		},
		{
			name:     "correct backend secret",
			prepare:  func(req *http.Request) { req.Header.Set("X-Backend-Secret", "backend-secret") },
			wantKind: identity.KindBackendWorker,
		},
		{
			name:     "secret differing in length",
			prepare:  func(req *http.Request) { req.Header.Set("X-Backend-Secret", "backend-secret-") },
			wantKind: identity.KindAnonymous,
		},
		{
			name:     "secret differing in one byte",
			prepare:  func(req *http.Request) { req.Header.Set("X-Backend-Secret", "backend-secreT") },
			wantKind: identity.KindAnonymous,
		},
		{
			name: "wrong secret falls through to account",
			prepare: func(req *http.Request) {
				req.Header.Set("X-Backend-Secret", "nope")
				req.Header.Set("Authorization", "Bearer tok-ada")
			},
			wantKind: identity.KindAccount,
			wantUser: "u-ada",
		},
		{
			name:     "bearer token",
			prepare:  func(req *http.Request) { req.Header.Set("Authorization", "Bearer tok-ada") },
			wantKind: identity.KindAccount,
			wantUser: "u-ada",
		},
		{
			name:     "session cookie",
			prepare:  func(req *http.Request) { req.AddCookie(&http.Cookie{Name: "sid", Value: "tok-ada"}) },
			wantKind: identity.KindAccount,
			wantUser: "u-ada",
		},
		{
			name:     "unknown token",
			prepare:  func(req *http.Request) { req.Header.Set("Authorization", "Bearer tok-unknown") },
			wantKind: identity.KindAnonymous,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.prepare(req)
			id := r.Resolve(context.Background(), req)
			if id.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", id.Kind, tt.wantKind)
			}
			if id.UserID() != tt.wantUser {
				t.Fatalf("UserID = %q, want %q", id.UserID(), tt.wantUser)
			}
		})
	}
}

func TestResolveWithoutCollaborators(t *testing.T) {
	var r identity.Resolver
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-Backend-Secret", "anything")
	if id := r.Resolve(context.Background(), req); id.Kind != identity.KindAnonymous {
		t.Fatalf("Kind = %v, want anonymous", id.Kind)
	}
}

func TestResolveAuthenticatorError(t *testing.T) {
	r := identity.Resolver{
		Authenticator: identity.AuthenticatorFunc(func(context.Context, *http.Request) (*identity.Account, error) {
			return nil, errors.New("session store unavailable")
		}),
	}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if id := r.Resolve(context.Background(), req); id.Kind != identity.KindAnonymous {
		t.Fatalf("Kind = %v, want anonymous", id.Kind)
	}
}

func TestResolveLogsThroughLogHandler(t *testing.T) {
	var buf bytes.Buffer
	r := newResolver()
	r.LogHandler = slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-Backend-Secret", "wrong")
	if id := r.Resolve(context.Background(), req); id.Kind != identity.KindAnonymous {
		t.Fatalf("Kind = %v, want anonymous", id.Kind)
	}
	if !bytes.Contains(buf.Bytes(), []byte("identity.secret.mismatch")) {
		t.Fatalf("mismatch not logged: %q", buf.String())
	}
}

func TestIdentityHelpers(t *testing.T) {
	id := identity.AccountIdentity(&identity.Account{UserID: "u", Name: "N", TeamIDs: []string{"t1", "t2"}})
	if !id.InTeam("t2") || id.InTeam("t3") || id.InTeam("") {
		t.Fatal("InTeam mismatch")
	}
	if id.DisplayName() != "N" || id.IsBackend() {
		t.Fatal("account helpers mismatch")
	}
	if identity.Anonymous.InTeam("t1") || identity.Anonymous.UserID() != "" {
		t.Fatal("anonymous identity claims membership")
	}
	if !identity.BackendWorker.IsBackend() || identity.BackendWorker.Kind.String() != "backend" {
		t.Fatalf("backend helpers mismatch: %s", identity.BackendWorker.Kind)
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "from-cookie"})
	if got := identity.TokenFromRequest(req, "sid"); got != "from-cookie" {
		t.Fatalf("cookie token = %q", got)
	}
	req.Header.Set("Authorization", "bearer from-header")
	if got := identity.TokenFromRequest(req, "sid"); got != "from-header" {
		t.Fatalf("header should win over cookie, got %q", got)
	}
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := identity.TokenFromRequest(req, ""); got != "" {
		t.Fatalf("non-bearer scheme yielded %q", got)
	}
}
