// Package memorystore provides an in-memory store.Store suitable for tests,
// development, and single-process gateways. All state is discarded on exit.
//
// Characteristics
//
//	Durability  : none (RAM only)
//	Scale-out   : no (process local)
//	Upsert      : atomic under a single mutex
package memorystore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/session-gateway/store"
)

// Store implements store.Store and store.Seeder.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]store.Session
	apps        map[string]store.App
	transcripts map[string][]*store.ChatMessage
	byChunk     map[chunkKey]*store.ChatMessage
}

type chunkKey struct {
	sessionID string
	chunkID   string
}

func New() *Store {
	return &Store{
		sessions:    make(map[string]store.Session),
		apps:        make(map[string]store.App),
		transcripts: make(map[string][]*store.ChatMessage),
		byChunk:     make(map[chunkKey]*store.ChatMessage),
	}
}

func (s *Store) PutApp(ctx context.Context, app store.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[app.ID] = app
	return nil
}

func (s *Store) PutSession(ctx context.Context, sess store.Session) error {
	if sess.Status == "" {
		sess.Status = store.StatusStarted
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) FindSessionInTeams(ctx context.Context, id string, teamIDs []string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || !slices.Contains(teamIDs, sess.TeamID) {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Status = status
	s.sessions[id] = sess
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.UpdatedAt = at
	s.sessions[id] = sess
	return nil
}

func (s *Store) GetApp(ctx context.Context, id string) (*store.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &app, nil
}

func (s *Store) UpsertChunk(ctx context.Context, msg store.ChatMessage) error {
	if err := store.ValidateUpsert(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := chunkKey{sessionID: msg.SessionID, chunkID: msg.ChunkID}
	existing, ok := s.byChunk[key]
	if !ok {
		m := msg
		m.ReplaceChunks = false
		m.Chunks = append([]store.ChatChunk(nil), msg.Chunks...)
		m.Payload = append([]byte(nil), msg.Payload...)
		s.byChunk[key] = &m
		s.transcripts[msg.SessionID] = append(s.transcripts[msg.SessionID], &m)
		return nil
	}

	if msg.ReplaceChunks {
		existing.Chunks = []store.ChatChunk{msg.Chunks[0]}
	} else {
		existing.Chunks = store.MergeChunk(existing.Chunks, msg.Chunks[0])
	}
	existing.Payload = append([]byte(nil), msg.Payload...)
	existing.IsFeedback = existing.IsFeedback || msg.IsFeedback
	if msg.Timestamp < existing.Timestamp {
		existing.Timestamp = msg.Timestamp
	}
	return nil
}

func (s *Store) Transcript(ctx context.Context, sessionID string) ([]store.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.ChatMessage, 0, len(s.transcripts[sessionID]))
	for _, m := range s.transcripts[sessionID] {
		c := *m
		c.Chunks = append([]store.ChatChunk(nil), m.Chunks...)
		c.Payload = append([]byte(nil), m.Payload...)
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b store.ChatMessage) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) Close() error { return nil }

var (
	_ store.Store  = (*Store)(nil)
	_ store.Seeder = (*Store)(nil)
)
