package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/session-gateway/storage"
)

// DefaultCancelTTL bounds how long a stop request stays visible.
const DefaultCancelTTL = 10 * time.Minute

const cancelKeyPrefix = "stop:"

// CancelKey is the storage key of room's cancellation signal.
func CancelKey(room string) string { return cancelKeyPrefix + room }

// Canceller writes and reads per-room stop flags.
type Canceller struct {
	storage storage.Storage
	ttl     time.Duration
}

// NewCanceller returns a Canceller over s. A non-positive ttl uses
// DefaultCancelTTL.
func NewCanceller(s storage.Storage, ttl time.Duration) *Canceller {
	if ttl <= 0 {
		ttl = DefaultCancelTTL
	}
	return &Canceller{storage: s, ttl: ttl}
}

// Cancel raises the stop flag for room.
func (c *Canceller) Cancel(ctx context.Context, room string) error {
	if err := c.storage.Set(ctx, CancelKey(room), []byte("1"), storage.WithTTL(c.ttl)); err != nil {
		return fmt.Errorf("write cancel signal: %w", err)
	}
	return nil
}

// Cancelled reports whether a live stop flag exists for room.
func (c *Canceller) Cancelled(ctx context.Context, room string) (bool, error) {
	it, err := c.storage.Get(ctx, CancelKey(room))
	if err != nil {
		return false, fmt.Errorf("read cancel signal: %w", err)
	}
	return it != nil && !it.IsExpired(time.Now()), nil
}

// Clear removes room's stop flag.
func (c *Canceller) Clear(ctx context.Context, room string) error {
	return c.storage.Delete(ctx, CancelKey(room))
}
