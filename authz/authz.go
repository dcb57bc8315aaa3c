// Package authz decides whether an identity may join a room.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/session-gateway/identity"
	"github.com/ggoodman/session-gateway/room"
	"github.com/ggoodman/session-gateway/store"
)

// Decision is the outcome of a join check. Reason is for logs only and is
// never sent to the client.
type Decision struct {
	Allow  bool
	Reason string
	// SessionID is set when the room resolved to a session.
	SessionID string
	// Team is true when the room is one of the caller's team channels.
	Team bool
}

func allow(reason string) Decision { return Decision{Allow: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Reason: reason} }

// Sessions is the subset of store.Store the engine reads.
type Sessions interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	FindSessionInTeams(ctx context.Context, id string, teamIDs []string) (*store.Session, error)
	GetApp(ctx context.Context, id string) (*store.App, error)
}

// Engine evaluates sharing rules.
type Engine struct {
	store Sessions
}

func NewEngine(s Sessions) *Engine {
	return &Engine{store: s}
}

// CanJoin checks whether id may join name. Missing records deny; only
// storage failures are returned as errors.
func (e *Engine) CanJoin(ctx context.Context, name string, id identity.Identity) (Decision, error) {
	if id.InTeam(name) {
		d := allow("team channel")
		d.Team = true
		return d, nil
	}

	sessionID, ok := room.SessionID(name, id.IsBackend())
	if !ok {
		return deny("shadow room requires backend identity"), nil
	}
	if !room.IsID(sessionID) {
		return deny("malformed room id"), nil
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return deny("session not found"), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load session: %w", err)
	}

	app, err := e.store.GetApp(ctx, sess.AppID)
	if errors.Is(err, store.ErrNotFound) {
		return deny("app not found"), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load app: %w", err)
	}

	var d Decision
	if id.IsBackend() {
		// Backend workers serve every session they can address.
		d = allow("backend worker")
	} else if d, err = e.bySharing(ctx, app.Sharing.Mode, sessionID, id); err != nil {
		return Decision{}, err
	}
	d.SessionID = sessionID
	return d, nil
}

func (e *Engine) bySharing(ctx context.Context, mode store.SharingMode, sessionID string, id identity.Identity) (Decision, error) {
	switch mode {
	case store.SharingPublic:
		return allow("public session"), nil

	case store.SharingTeam:
		teams := id.TeamIDs()
		if len(teams) == 0 {
			return deny("team session, caller has no teams"), nil
		}
		_, err := e.store.FindSessionInTeams(ctx, sessionID, teams)
		if errors.Is(err, store.ErrNotFound) {
			return deny("team session, caller outside owning team"), nil
		}
		if err != nil {
			return Decision{}, fmt.Errorf("team-scoped session lookup: %w", err)
		}
		return allow("team session"), nil

	case store.SharingPrivate, store.SharingWhitelist:
		// Reserved modes with no join path yet.
		return deny(fmt.Sprintf("%s sharing not enforced", mode)), nil

	default:
		return deny(fmt.Sprintf("unknown sharing mode %q", mode)), nil
	}
}
