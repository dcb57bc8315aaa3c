package identity

import (
	"context"
	"log/slog"
	"net/http"
)

// DefaultSecretHeader carries the backend worker's shared secret.
const DefaultSecretHeader = "X-Backend-Secret"

// Resolver classifies handshake requests.
type Resolver struct {
	// Secret recognises backend workers. If nil, no connection is privileged.
	Secret SecretMatcher
	// Authenticator recognises accounts. If nil, every non-backend
	// connection is anonymous.
	Authenticator Authenticator
	// Header names the secret header. Defaults to DefaultSecretHeader.
	Header string

	// LogHandler is an optional slog.Handler. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Resolve never fails. A request that matches no credential is Anonymous.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) Identity {
	header := r.Header
	if header == "" {
		header = DefaultSecretHeader
	}

	if presented := req.Header.Get(header); presented != "" && r.Secret != nil {
		if r.Secret.Match(presented) {
			return BackendWorker
		}
		r.logger().DebugContext(ctx, "identity.secret.mismatch")
	}

	if r.Authenticator == nil {
		return Anonymous
	}
	acct, err := r.Authenticator.Authenticate(ctx, req)
	if err != nil || acct == nil {
		if err != nil {
			r.logger().DebugContext(ctx, "identity.authenticate.err", slog.String("err", err.Error()))
		}
		return Anonymous
	}
	return AccountIdentity(acct)
}

func (r *Resolver) logger() *slog.Logger {
	h := slog.DiscardHandler
	if r.LogHandler != nil {
		h = r.LogHandler
	}
	return slog.New(h)
}
