// Package storetest provides a conformance suite for store.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-gateway/store"
)

// Fixture is what a factory hands the suite: a store that can also seed
// the records it is otherwise only allowed to read.
type Fixture interface {
	store.Store
	store.Seeder
}

// StoreFactory creates a fresh, empty store for one subtest.
type StoreFactory func(t *testing.T) Fixture

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Sessions_GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Sessions_TeamScopedLookup", func(t *testing.T) { testTeamScopedLookup(t, factory) })
	t.Run("Sessions_SetStatusAndTouch", func(t *testing.T) { testSetStatusAndTouch(t, factory) })
	t.Run("Apps_SharingRoundTrip", func(t *testing.T) { testAppSharing(t, factory) })
	t.Run("Transcript_DuplicateDeliveryCoalesces", func(t *testing.T) { testDuplicateDelivery(t, factory) })
	t.Run("Transcript_OutOfOrderChunksReassemble", func(t *testing.T) { testOutOfOrder(t, factory) })
	t.Run("Transcript_DistinctChunkIDsAppend", func(t *testing.T) { testDistinctChunkIDs(t, factory) })
	t.Run("Transcript_ReplaceChunks", func(t *testing.T) { testReplaceChunks(t, factory) })
	t.Run("Transcript_ConcurrentRedelivery", func(t *testing.T) { testConcurrentRedelivery(t, factory) })
	t.Run("Transcript_RejectsMalformedUpsert", func(t *testing.T) { testRejectsMalformed(t, factory) })
}

const (
	testTeam  = "64b7f0c2a1b2c3d4e5f60001"
	otherTeam = "64b7f0c2a1b2c3d4e5f60002"
	testApp   = "64b7f0c2a1b2c3d4e5f60003"
)

func seed(t *testing.T, s Fixture, sessionID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.PutApp(ctx, store.App{ID: testApp, TeamID: testTeam, Sharing: store.Sharing{Mode: store.SharingTeam}}); err != nil {
		t.Fatalf("PutApp: %v", err)
	}
	if err := s.PutSession(ctx, store.Session{ID: sessionID, TeamID: testTeam, AppID: testApp, Status: store.StatusStarted}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
}

func chunk(sessionID, chunkID string, ts int64, text string) store.ChatMessage {
	return store.ChatMessage{
		SessionID:  sessionID,
		ChunkID:    chunkID,
		AuthorName: "tester",
		Incoming:   true,
		Timestamp:  ts,
		Type:       "text",
		Payload:    []byte(fmt.Sprintf(`{"text":%q,"type":"text"}`, text)),
		Chunks:     []store.ChatChunk{{Timestamp: ts, Text: text, Tokens: 1}},
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "64b7f0c2a1b2c3d4e5f6ffff"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSession missing: want ErrNotFound, got %v", err)
	}
	if _, err := s.GetApp(ctx, "64b7f0c2a1b2c3d4e5f6ffff"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetApp missing: want ErrNotFound, got %v", err)
	}
}

func testTeamScopedLookup(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := "64b7f0c2a1b2c3d4e5f61001"
	seed(t, s, sid)

	got, err := s.FindSessionInTeams(ctx, sid, []string{otherTeam, testTeam})
	if err != nil {
		t.Fatalf("FindSessionInTeams: %v", err)
	}
	if got.ID != sid || got.TeamID != testTeam {
		t.Fatalf("unexpected session: %+v", got)
	}
	if _, err := s.FindSessionInTeams(ctx, sid, []string{otherTeam}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign team: want ErrNotFound, got %v", err)
	}
	if _, err := s.FindSessionInTeams(ctx, sid, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no teams: want ErrNotFound, got %v", err)
	}
}

func testSetStatusAndTouch(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := "64b7f0c2a1b2c3d4e5f61002"
	seed(t, s, sid)

	if err := s.SetStatus(ctx, sid, store.StatusWaiting); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	if err := s.TouchSession(ctx, sid, at); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	got, err := s.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.StatusWaiting {
		t.Fatalf("status = %s, want WAITING", got.Status)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, at)
	}
}

func testAppSharing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	app := store.App{
		ID:     testApp,
		TeamID: testTeam,
		Sharing: store.Sharing{
			Mode:        store.SharingWhitelist,
			Permissions: map[string]string{"user-1": "read"},
		},
	}
	if err := s.PutApp(ctx, app); err != nil {
		t.Fatalf("PutApp: %v", err)
	}
	got, err := s.GetApp(ctx, testApp)
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if got.Sharing.Mode != store.SharingWhitelist || got.Sharing.Permissions["user-1"] != "read" {
		t.Fatalf("unexpected sharing: %+v", got.Sharing)
	}
}

func testDuplicateDelivery(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := "64b7f0c2a1b2c3d4e5f61003"
	seed(t, s, sid)

	for i := 0; i < 2; i++ {
		if err := s.UpsertChunk(ctx, chunk(sid, "c-1", 100, "hello")); err != nil {
			t.Fatalf("UpsertChunk #%d: %v", i, err)
		}
	}

	msgs, err := s.Transcript(ctx, sid)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if len(msgs[0].Chunks) != 1 || msgs[0].Text() != "hello" {
		t.Fatalf("expected single chunk 'hello', got %+v", msgs[0].Chunks)
	}
}

func testOutOfOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := "64b7f0c2a1b2c3d4e5f61004"
	seed(t, s, sid)

	for _, c := range []struct {
		ts   int64
		text string
	}{{300, "!"}, {100, "hel"}, {200, "lo"}, {100, "hel"}} {
		if err := s.UpsertChunk(ctx, chunk(sid, "c-2", c.ts, c.text)); err != nil {
			t.Fatalf("UpsertChunk: %v", err)
		}
	}

	msgs, err := s.Transcript(ctx, sid)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if got := msgs[0].Text(); got != "hello!" {
		t.Fatalf("text = %q, want %q", got, "hello!")
	}
	if msgs[0].Timestamp != 100 {
		t.Fatalf("message timestamp = %d, want earliest 100", msgs[0].Timestamp)
	}
}

func testDistinctChunkIDs(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := "64b7f0c2a1b2c3d4e5f61005"
	seed(t, s, sid)

	if err := s.UpsertChunk(ctx, chunk(sid, "b", 200, "second")); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	if err := s.UpsertChunk(ctx, chunk(sid, "a", 100, "first")); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	msgs, err := s.Transcript(ctx, sid)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ChunkID != "a" || msgs[1].ChunkID != "b" {
		t.Fatalf("unexpected order: %s, %s", msgs[0].ChunkID, msgs[1].ChunkID)
	}
}

func testReplaceChunks(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := "64b7f0c2a1b2c3d4e5f61007"
	seed(t, s, sid)

	if err := s.UpsertChunk(ctx, chunk(sid, "r", 100, "part")); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	for i, ts := range []int64{101, 102} {
		c := chunk(sid, "r", ts, "part")
		c.ReplaceChunks = true
		if err := s.UpsertChunk(ctx, c); err != nil {
			t.Fatalf("UpsertChunk replace #%d: %v", i, err)
		}
	}

	msgs, err := s.Transcript(ctx, sid)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Chunks) != 1 {
		t.Fatalf("expected one message with one chunk, got %+v", msgs)
	}
	if got := msgs[0].Text(); got != "part" {
		t.Fatalf("text = %q, want %q", got, "part")
	}
	if msgs[0].Timestamp != 100 {
		t.Fatalf("message timestamp = %d, want earliest 100", msgs[0].Timestamp)
	}
	if msgs[0].ReplaceChunks {
		t.Fatal("ReplaceChunks leaked into the stored message")
	}
}

func testConcurrentRedelivery(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := "64b7f0c2a1b2c3d4e5f61006"
	seed(t, s, sid)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.UpsertChunk(ctx, chunk(sid, "dup", 42, "same")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent UpsertChunk: %v", err)
	}

	msgs, err := s.Transcript(ctx, sid)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Chunks) != 1 {
		t.Fatalf("expected exactly one message with one chunk, got %+v", msgs)
	}
}

func testRejectsMalformed(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	bad := chunk("64b7f0c2a1b2c3d4e5f61007", "x", 1, "x")
	bad.Chunks = nil
	if err := s.UpsertChunk(ctx, bad); err == nil {
		t.Fatal("expected error for upsert without chunk")
	}
}
