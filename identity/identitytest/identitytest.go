// Package identitytest provides a token-table Authenticator for tests.
package identitytest

import (
	"context"
	"net/http"
	"sync"

	"github.com/ggoodman/session-gateway/identity"
)

// Authenticator maps bearer tokens (or cookie values) to accounts.
type Authenticator struct {
	Cookie string

	mu       sync.RWMutex
	accounts map[string]*identity.Account
}

func New() *Authenticator {
	return &Authenticator{accounts: make(map[string]*identity.Account)}
}

// Add registers token as a credential for acct.
func (a *Authenticator) Add(token string, acct identity.Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[token] = &acct
}

func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*identity.Account, error) {
	tok := identity.TokenFromRequest(r, a.Cookie)
	a.mu.RLock()
	acct, ok := a.accounts[tok]
	a.mu.RUnlock()
	if !ok {
		return nil, identity.ErrUnauthenticated
	}
	cp := *acct
	cp.TeamIDs = append([]string(nil), acct.TeamIDs...)
	return &cp, nil
}

var _ identity.Authenticator = (*Authenticator)(nil)
