// Package jwtauth verifies the signed session tokens issued by the web
// application and extracts the account claims the gateway needs.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation of session tokens.
type Config struct {
	// Issuer is matched against the iss claim. Required for discovery.
	Issuer string
	// ExpectedAudiences, when non-empty, must intersect the aud claim.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Claims is what a verified token says about its holder.
type Claims struct {
	Subject string
	Name    string
	OrgID   string
	TeamIDs []string
}

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf or a missing subject).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Verifier validates tokens against one key source.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery on cfg.Issuer to locate the
// JWKS. Keys are refreshed in the background for the lifetime of ctx.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewStatic(ctx, cfg, meta.JwksURI)
}

// NewStatic verifies tokens against the JWKS served at jwksURI.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return NewWithKeyfunc(cfg, kf.Keyfunc)
}

// NewWithKeyfunc verifies tokens with a caller-supplied key lookup.
func NewWithKeyfunc(cfg *Config, kf jwt.Keyfunc) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if kf == nil {
		return nil, errors.New("keyfunc is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}

	return &Verifier{cfg: c, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}}, nil
}

// Verify checks tok and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if len(v.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	out := &Claims{Subject: sub}
	out.Name, _ = claims["name"].(string)
	out.OrgID, _ = claims["org"].(string)
	out.TeamIDs = stringList(claims["teams"])
	return out, nil
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case string:
		if vv == "" {
			return nil
		}
		return []string{vv}
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	for _, have := range stringList(aud) {
		if slices.Contains(wants, have) {
			return true
		}
	}
	return false
}
