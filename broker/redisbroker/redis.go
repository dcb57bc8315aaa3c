// Package redisbroker implements broker.Broker on Redis Pub/Sub. Publishing
// and subscribing use separate clients because a connection in subscribe
// mode cannot issue other commands.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/session-gateway/broker"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis broker.
type Config struct {
	// Publisher issues PUBLISH and PING.
	Publisher redis.UniversalClient
	// Subscriber holds the SUBSCRIBE connection. go-redis re-establishes it
	// after network errors.
	Subscriber redis.UniversalClient
	// KeyPrefix is prepended to the channel name.
	// Defaults to "gateway:" if empty.
	KeyPrefix string
}

// Broker is a Redis Pub/Sub implementation of broker.Broker.
type Broker struct {
	pub     redis.UniversalClient
	sub     redis.UniversalClient
	channel string
}

// New creates a new Redis-based broker instance.
func New(config Config) (*Broker, error) {
	if config.Publisher == nil || config.Subscriber == nil {
		return nil, fmt.Errorf("redisbroker: publisher and subscriber clients are required")
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "gateway:"
	}
	return &Broker{
		pub:     config.Publisher,
		sub:     config.Subscriber,
		channel: prefix + "rooms",
	}, nil
}

func (b *Broker) Publish(ctx context.Context, env broker.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.pub.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, h broker.Handler) (broker.Subscription, error) {
	ps := b.sub.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so publishes that follow are seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	state, subCtx := broker.NewSubscriptionState(ctx)
	go func() {
		var err error
		defer func() {
			_ = ps.Close()
			state.Finish(err)
		}()

		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					err = fmt.Errorf("redisbroker: subscription channel closed")
					return
				}
				var env broker.Envelope
				if jerr := json.Unmarshal([]byte(msg.Payload), &env); jerr != nil {
					// Skip malformed payloads
					continue
				}
				h(subCtx, env)
			}
		}
	}()
	return state, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.pub.Ping(ctx).Err()
}

// Close closes both Redis clients.
func (b *Broker) Close() error {
	perr := b.pub.Close()
	serr := b.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}

var _ broker.Broker = (*Broker)(nil)
