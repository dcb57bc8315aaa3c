package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/session-gateway/storage"
	"github.com/ggoodman/session-gateway/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s := New(0, 0)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestCacheTTLCapsEntryLifetime(t *testing.T) {
	s := New(0, 20*time.Millisecond)
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.cache.Len() == 0 {
			item, err := s.Get(ctx, "k")
			if err != nil || item != nil {
				t.Fatalf("Get after eviction = %v, %v; want nil, nil", item, err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry outlived the cache TTL")
}

func TestExpiredItemRemovedOnRead(t *testing.T) {
	s := New(0, 0)
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), storage.WithTTL(time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	item, err := s.Get(ctx, "k")
	if err != nil || item != nil {
		t.Fatalf("Get = %v, %v; want nil, nil", item, err)
	}
	if n := s.cache.Len(); n != 0 {
		t.Fatalf("expired entry still cached: len %d", n)
	}
}

func TestSizeBoundEvictsLeastRecentlyUsed(t *testing.T) {
	s := New(2, 0)
	defer s.Close()

	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	if item, _ := s.Get(ctx, "a"); item != nil {
		t.Fatalf("oldest entry survived past the size bound: %q", item.Data)
	}
	for _, k := range []string{"b", "c"} {
		if item, _ := s.Get(ctx, k); item == nil {
			t.Fatalf("entry %s evicted early", k)
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New(0, 0)
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("abc")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil || item == nil {
		t.Fatalf("Get: %v %v", item, err)
	}
	item.Data[0] = 'z'

	again, _ := s.Get(ctx, "k")
	if string(again.Data) != "abc" {
		t.Fatalf("stored value mutated through returned item: %q", again.Data)
	}
}
