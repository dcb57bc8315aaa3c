// Package room names the channels connections join: a session id, a team
// id, or the backend-only shadow form of a session id.
package room

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ShadowPrefix marks the backend-only variant of a session room. Human
// input is relayed there so exactly one agent worker observes it.
const ShadowPrefix = "backend:"

// IsID reports whether s is a well-formed 24-hex record id.
func IsID(s string) bool {
	return primitive.IsValidObjectID(s)
}

// Shadow returns the backend-only room for sessionID.
func Shadow(sessionID string) string {
	return ShadowPrefix + sessionID
}

// IsShadow reports whether name uses the shadow form.
func IsShadow(name string) bool {
	return strings.HasPrefix(name, ShadowPrefix)
}

// SessionID strips the shadow prefix from name when privileged is true.
// ok is false when name is shadow-form and the caller is not privileged,
// since only backend workers may address shadow rooms.
func SessionID(name string, privileged bool) (id string, ok bool) {
	if !IsShadow(name) {
		return name, true
	}
	if !privileged {
		return "", false
	}
	return strings.TrimPrefix(name, ShadowPrefix), true
}
