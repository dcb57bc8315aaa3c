// Package storagetest provides a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/session-gateway/storage"
)

// Factory returns a fresh, empty storage for one subtest.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs the storage suite against factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("Ping", func(t *testing.T) {
		if err := factory(t).Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "test-key", []byte("test data")); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := s.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != "test data" {
		t.Errorf("Expected data %q, got %q", "test data", item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "non-existent-key")
	if err != nil {
		t.Fatalf("Failed to get non-existent key: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for non-existent key, got item")
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("two")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil || item == nil {
		t.Fatalf("Get: item=%v err=%v", item, err)
	}
	if string(item.Data) != "two" {
		t.Errorf("Expected %q, got %q", "two", item.Data)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ttl := 100 * time.Millisecond
	if err := s.Set(ctx, "ttl-key", []byte("ttl data"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Failed to set data with TTL: %v", err)
	}

	item, err := s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist before expiry")
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should be set for data with TTL")
	}

	time.Sleep(ttl + 50*time.Millisecond)

	item, err = s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Failed to get expired data: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for expired item")
	}
}

func testDelete(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "del-key", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "del-key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	item, err := s.Get(ctx, "del-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != nil {
		t.Error("Expected nil after delete")
	}
	if err := s.Delete(ctx, "never-set"); err != nil {
		t.Errorf("Deleting a missing key should succeed: %v", err)
	}
}
