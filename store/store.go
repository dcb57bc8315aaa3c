// Package store defines the persistence contracts the gateway consumes:
// session and app reads used for room authorization, session status and
// activity writes, and the idempotent transcript upsert.
//
// The gateway never owns these records. Implementations live in
// subpackages:
//
//	memorystore : in-memory reference used by tests and single-process runs
//	pgstore     : PostgreSQL via pgx, for multi-process deployments
//	sqlitestore : SQLite via database/sql, for single-node deployments
//
// Every implementation must make UpsertChunk atomic at the storage layer.
// Concurrent redelivery of the same fragment from several gateway processes
// must converge on one stored chunk without a read-modify-write cycle in
// the caller.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a session or app does not exist.
var ErrNotFound = errors.New("store: not found")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarted    Status = "STARTED"
	StatusRunning    Status = "RUNNING"
	StatusWaiting    Status = "WAITING"
	StatusTerminated Status = "TERMINATED"
)

// SharingMode controls which identities may join a session's room.
type SharingMode string

const (
	SharingPublic    SharingMode = "PUBLIC"
	SharingTeam      SharingMode = "TEAM"
	SharingPrivate   SharingMode = "PRIVATE"
	SharingWhitelist SharingMode = "WHITELIST"
)

// Sharing is the sharing configuration of an app.
type Sharing struct {
	Mode        SharingMode       `json:"mode"`
	Permissions map[string]string `json:"permissions,omitempty"`
}

// Session is the subset of the session aggregate the gateway reads.
type Session struct {
	ID        string
	OrgID     string
	TeamID    string
	AppID     string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// App is the parent of a session and carries its sharing configuration.
type App struct {
	ID      string
	OrgID   string
	TeamID  string
	Sharing Sharing
}

// ChatChunk is one timestamped slice of a streamed message.
type ChatChunk struct {
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Tokens    int    `json:"tokens"`
}

// ChatMessage is a durable transcript entry. It is identified by
// (SessionID, ChunkID); every delivery carrying that pair merges into it.
type ChatMessage struct {
	SessionID  string
	ChunkID    string
	AuthorID   *string
	AuthorName string
	Incoming   bool
	Timestamp  int64
	IsFeedback bool
	Type       string
	Language   string
	// Payload is the normalized message of the most recent delivery.
	Payload []byte
	Chunks  []ChatChunk

	// ReplaceChunks makes UpsertChunk discard the stored chunks before
	// merging. It is set for fragments that carry no timestamp of their
	// own, which have no stable chunk key to merge on. Not persisted.
	ReplaceChunks bool `json:"-"`
}

// Text reassembles the message text from its chunks in timestamp order.
func (m *ChatMessage) Text() string {
	var b strings.Builder
	for _, c := range m.Chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

// SessionStore reads sessions and writes the two fields the gateway owns.
type SessionStore interface {
	// GetSession returns ErrNotFound if the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)
	// FindSessionInTeams is the team-scoped variant of GetSession. It
	// returns ErrNotFound unless the session is owned by one of teamIDs.
	FindSessionInTeams(ctx context.Context, id string, teamIDs []string) (*Session, error)
	SetStatus(ctx context.Context, id string, status Status) error
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// AppStore reads apps.
type AppStore interface {
	// GetApp returns ErrNotFound if the app does not exist.
	GetApp(ctx context.Context, id string) (*App, error)
}

// TranscriptStore persists chat messages.
type TranscriptStore interface {
	// UpsertChunk merges msg, which must carry exactly one chunk, into the
	// transcript. An existing (SessionID, ChunkID) entry is merged in
	// place; otherwise a new entry is appended. When msg.ReplaceChunks is
	// set the entry's chunks are replaced by msg's chunk.
	UpsertChunk(ctx context.Context, msg ChatMessage) error
	// Transcript returns the session's messages ordered by first
	// timestamp, each with its chunks ordered by timestamp.
	Transcript(ctx context.Context, sessionID string) ([]ChatMessage, error)
}

// Store is the union of the contracts.
type Store interface {
	SessionStore
	AppStore
	TranscriptStore
	Close() error
}

// Seeder creates the records the gateway otherwise only reads. It exists
// for tests and local tooling; production records are written elsewhere.
type Seeder interface {
	PutApp(ctx context.Context, app App) error
	PutSession(ctx context.Context, sess Session) error
}

// MergeChunk inserts c into chunks, which are ordered by timestamp. A chunk
// with the same timestamp is replaced, so redelivery never duplicates.
func MergeChunk(chunks []ChatChunk, c ChatChunk) []ChatChunk {
	i := 0
	for i < len(chunks) && chunks[i].Timestamp < c.Timestamp {
		i++
	}
	if i < len(chunks) && chunks[i].Timestamp == c.Timestamp {
		chunks[i] = c
		return chunks
	}
	chunks = append(chunks, ChatChunk{})
	copy(chunks[i+1:], chunks[i:])
	chunks[i] = c
	return chunks
}

// ValidateUpsert checks the shape UpsertChunk requires.
func ValidateUpsert(msg ChatMessage) error {
	if msg.SessionID == "" || msg.ChunkID == "" {
		return errors.New("store: session id and chunk id are required")
	}
	if len(msg.Chunks) != 1 {
		return errors.New("store: upsert requires exactly one chunk")
	}
	return nil
}
