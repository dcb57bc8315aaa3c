package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/session-gateway/internal/jwtauth"
)

// TokenFromRequest returns the bearer token from the Authorization header,
// or failing that the value of cookieName. Both paths yield the same token
// so cookie sessions and API clients resolve identically.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}

// JWTConfig configures NewJWTAuthenticator.
type JWTConfig struct {
	// Issuer is the token issuer. With no JWKSURI it is also the OIDC
	// discovery base.
	Issuer    string
	Audiences []string
	// JWKSURI skips discovery when set.
	JWKSURI string
	// Cookie names the session cookie checked when no bearer token is sent.
	Cookie string
}

// JWTAuthenticator authenticates requests carrying a signed session token.
type JWTAuthenticator struct {
	verifier *jwtauth.Verifier
	cookie   string
}

// NewJWTAuthenticator builds an authenticator from cfg. JWKS keys are
// refreshed in the background for the lifetime of ctx.
func NewJWTAuthenticator(ctx context.Context, cfg JWTConfig) (*JWTAuthenticator, error) {
	vcfg := jwtauth.DefaultConfig()
	vcfg.Issuer = cfg.Issuer
	vcfg.ExpectedAudiences = cfg.Audiences

	var (
		v   *jwtauth.Verifier
		err error
	)
	switch {
	case cfg.JWKSURI != "":
		v, err = jwtauth.NewStatic(ctx, vcfg, cfg.JWKSURI)
	case cfg.Issuer != "":
		v, err = jwtauth.NewFromDiscovery(ctx, vcfg)
	default:
		return nil, errors.New("identity: issuer or jwks uri required")
	}
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return &JWTAuthenticator{verifier: v, cookie: cfg.Cookie}, nil
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Account, error) {
	tok := TokenFromRequest(r, a.cookie)
	if tok == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := a.verifier.Verify(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return &Account{
		UserID:  claims.Subject,
		Name:    claims.Name,
		OrgID:   claims.OrgID,
		TeamIDs: claims.TeamIDs,
	}, nil
}

var _ Authenticator = (*JWTAuthenticator)(nil)
