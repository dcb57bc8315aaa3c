// Package memory provides an in-process storage.Storage backed by
// github.com/hashicorp/golang-lru/v2/expirable.
package memory

import (
	"context"
	"time"

	"github.com/ggoodman/session-gateway/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultSize bounds the number of entries when New is given a
// non-positive size.
const DefaultSize = 10_000

// Storage implements storage.Storage with a size-bounded expirable LRU.
// Per-item TTLs are enforced on read; the cache's own TTL caps how long any
// entry survives.
type Storage struct {
	cache *expirable.LRU[string, *storage.Item]
	now   func() time.Time
}

// New creates an in-memory storage holding at most size entries. When ttl
// is positive, no entry outlives it regardless of the TTL it was set with;
// otherwise entries expire only by their own TTL or by LRU eviction.
func New(size int, ttl time.Duration) *Storage {
	if size <= 0 {
		size = DefaultSize
	}
	return &Storage{
		cache: expirable.NewLRU[string, *storage.Item](size, nil, ttl),
		now:   time.Now,
	}
}

func (s *Storage) Get(ctx context.Context, key string) (*storage.Item, error) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if item.IsExpired(s.now()) {
		s.cache.Remove(key)
		return nil, nil
	}

	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	now := s.now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL > 0 {
		exp := now.Add(o.TTL)
		item.ExpiresAt = &exp
	}
	s.cache.Add(key, item)
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

func (s *Storage) Ping(ctx context.Context) error { return nil }

// Close drops every entry.
func (s *Storage) Close() error {
	s.cache.Purge()
	return nil
}

var _ storage.Storage = (*Storage)(nil)
