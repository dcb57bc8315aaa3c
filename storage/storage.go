// Package storage provides small ephemeral key/value flags with optional
// expiry. The gateway uses it for cancellation signals that agent workers
// poll while generating.
package storage

import (
	"context"
	"time"
)

// Storage is a flat key/value store with per-key TTL.
type Storage interface {
	// Get returns the item stored under key, or nil when the key is absent
	// or expired. An error is returned only for backend failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired checks if the item has expired as of now.
func (it *Item) IsExpired(now time.Time) bool {
	return it.ExpiresAt != nil && !now.Before(*it.ExpiresAt)
}

// Option configures a Set call.
type Option func(*Options)

// Options collects Set parameters.
type Options struct {
	TTL time.Duration // zero = no expiration
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = ttl
	}
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
