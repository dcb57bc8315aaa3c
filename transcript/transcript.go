// Package transcript turns inbound message fragments into durable,
// idempotently merged transcript entries.
package transcript

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/session-gateway/identity"
	"github.com/ggoodman/session-gateway/room"
	"github.com/ggoodman/session-gateway/store"
	"github.com/oklog/ulid/v2"
)

// DefaultEvent is the broadcast event name when a message names none.
const DefaultEvent = "message"

// AnonymousAuthor is the author name recorded when nothing better is known.
const AnonymousAuthor = "anonymous"

// Event is the payload of a "message" frame, inbound and re-broadcast.
type Event struct {
	Room       string          `json:"room"`
	Event      string          `json:"event,omitempty"`
	Message    json.RawMessage `json:"message"`
	IsFeedback bool            `json:"isFeedback,omitempty"`
	ChunkID    string          `json:"chunkId,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Tokens     int             `json:"tokens,omitempty"`
	AuthorID   string          `json:"authorId,omitempty"`
	AuthorName string          `json:"authorName,omitempty"`
}

// ErrDropped marks an event that is discarded without reply.
var ErrDropped = errors.New("transcript: event dropped")

// DropError carries the reason an event was dropped. It matches ErrDropped
// under errors.Is.
type DropError struct {
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcript: event dropped: %s: %v", e.Reason, e.Err)
	}
	return "transcript: event dropped: " + e.Reason
}

func (e *DropError) Is(target error) bool { return target == ErrDropped }
func (e *DropError) Unwrap() error        { return e.Err }

func dropped(reason string, err error) error {
	return &DropError{Reason: reason, Err: err}
}

// Store is what the ingester writes through.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	UpsertChunk(ctx context.Context, msg store.ChatMessage) error
}

// Result describes what the caller should broadcast after a successful
// ingest.
type Result struct {
	SessionID string
	// Event is the normalized event to re-broadcast under EventName.
	Event     Event
	EventName string
	// Incoming is true for human-originated messages. Only then are
	// ShadowRoom and ShadowText set.
	Incoming   bool
	ShadowRoom string
	ShadowText string
}

// Ingester persists message fragments.
type Ingester struct {
	store Store
	now   func() time.Time
	newID func() string
}

// Option customises an Ingester.
type Option func(*Ingester)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(in *Ingester) { in.now = now }
}

// WithIDGenerator overrides chunk id generation for fragments that carry
// none.
func WithIDGenerator(f func() string) Option {
	return func(in *Ingester) { in.newID = f }
}

func NewIngester(s Store, opts ...Option) *Ingester {
	in := &Ingester{
		store: s,
		now:   time.Now,
		newID: func() string { return ulid.MustNew(ulid.Now(), rand.Reader).String() },
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest normalizes ev, attributes it to id and merges it into the
// session transcript. Drops are reported as errors matching ErrDropped;
// any other error comes from storage.
func (in *Ingester) Ingest(ctx context.Context, ev Event, id identity.Identity) (Result, error) {
	normalized, err := Normalize(ev.Message)
	if err != nil {
		return Result{}, dropped("malformed message", err)
	}
	ev.Message = normalized

	if ev.ChunkID == "" {
		ev.ChunkID = in.newID()
	}

	if !room.IsID(ev.Room) {
		return Result{}, dropped("room is not a session id", nil)
	}
	if _, err := in.store.GetSession(ctx, ev.Room); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, dropped("session not found", nil)
		}
		return Result{}, fmt.Errorf("load session: %w", err)
	}

	now := in.now()
	// A fragment without its own timestamp has nothing stable to merge on
	// across redeliveries, so it replaces the stored chunks instead.
	untimed := ev.Timestamp <= 0
	if untimed {
		ev.Timestamp = now.UnixMilli()
	}

	incoming := !id.IsBackend()
	var authorID *string
	if incoming {
		ev.AuthorID = ""
		ev.AuthorName = id.DisplayName()
	} else if ev.AuthorID != "" {
		a := ev.AuthorID
		authorID = &a
	}
	if ev.AuthorName == "" {
		ev.AuthorName = AnonymousAuthor
	}

	typ, lang, text := Fields(normalized)
	msg := store.ChatMessage{
		SessionID:  ev.Room,
		ChunkID:    ev.ChunkID,
		AuthorID:   authorID,
		AuthorName: ev.AuthorName,
		Incoming:   incoming,
		Timestamp:  ev.Timestamp,
		IsFeedback: ev.IsFeedback,
		Type:       typ,
		Language:   lang,
		Payload:    normalized,
		Chunks:     []store.ChatChunk{{Timestamp: ev.Timestamp, Text: text, Tokens: ev.Tokens}},

		ReplaceChunks: untimed,
	}
	if err := in.store.UpsertChunk(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("upsert chunk: %w", err)
	}
	if err := in.store.TouchSession(ctx, ev.Room, now); err != nil {
		return Result{}, fmt.Errorf("touch session: %w", err)
	}

	res := Result{
		SessionID: ev.Room,
		Event:     ev,
		EventName: ev.Event,
		Incoming:  incoming,
	}
	if res.EventName == "" {
		res.EventName = DefaultEvent
	}
	if incoming {
		res.ShadowRoom = room.Shadow(ev.Room)
		res.ShadowText = text
	}
	return res, nil
}
