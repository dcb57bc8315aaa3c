// Package identity classifies websocket connections as backend workers,
// authenticated accounts or anonymous visitors.
//
// Resolution never rejects a connection. A failed or missing credential
// yields Anonymous, and access decisions are made later when the
// connection tries to join a room.
package identity

import (
	"context"
	"errors"
	"net/http"
	"slices"
)

// Kind is the trust level of a connection.
type Kind int

const (
	KindAnonymous Kind = iota
	KindAccount
	KindBackendWorker
)

func (k Kind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindBackendWorker:
		return "backend"
	default:
		return "anonymous"
	}
}

// Account is an authenticated end user.
type Account struct {
	UserID  string
	Name    string
	OrgID   string
	TeamIDs []string
}

// Identity is the resolved principal behind a connection. Account is set
// only for KindAccount.
type Identity struct {
	Kind    Kind
	Account *Account
}

var (
	Anonymous     = Identity{Kind: KindAnonymous}
	BackendWorker = Identity{Kind: KindBackendWorker}
)

// AccountIdentity wraps a for use as an Identity.
func AccountIdentity(a *Account) Identity {
	return Identity{Kind: KindAccount, Account: a}
}

func (id Identity) IsBackend() bool { return id.Kind == KindBackendWorker }

// UserID is the account's id, or "" for anonymous and backend identities.
func (id Identity) UserID() string {
	if id.Account == nil {
		return ""
	}
	return id.Account.UserID
}

// DisplayName is the account's name, or "" when there is none.
func (id Identity) DisplayName() string {
	if id.Account == nil {
		return ""
	}
	return id.Account.Name
}

// TeamIDs returns the teams the identity belongs to.
func (id Identity) TeamIDs() []string {
	if id.Account == nil {
		return nil
	}
	return id.Account.TeamIDs
}

// InTeam reports whether the identity belongs to teamID.
func (id Identity) InTeam(teamID string) bool {
	return teamID != "" && slices.Contains(id.TeamIDs(), teamID)
}

// ErrUnauthenticated is returned by an Authenticator when the request
// carries no usable credential.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Authenticator turns the handshake request into an account using the same
// credentials the web application accepts.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Account, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) (*Account, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (*Account, error) {
	return f(ctx, r)
}
