package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/ggoodman/session-gateway/store/storetest"
)

func TestPostgresStore(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping postgres store tests")
	}

	storetest.RunStoreTests(t, func(t *testing.T) storetest.Fixture {
		ctx := context.Background()
		s, err := New(ctx, dbURL)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		for _, table := range []string{"chat_chunks", "chat_messages", "sessions", "apps"} {
			if _, err := s.pool.Exec(ctx, "TRUNCATE "+table); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
