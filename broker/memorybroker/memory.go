// Package memorybroker provides an in-process broker.Broker. Several Broker
// values attached to one Hub behave like gateway processes sharing a pub/sub
// backend, which is how multi-node behaviour is exercised in tests.
package memorybroker

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/session-gateway/broker"
)

// ErrUnavailable is returned while the hub is marked down.
var ErrUnavailable = errors.New("memorybroker: hub unavailable")

const queueSize = 1024

// Hub is the shared backend.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	down bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// SetDown simulates a backend outage. While down, Publish and Subscribe
// fail and existing subscriptions are dropped.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	var dropped []*subscriber
	if down {
		for s := range h.subs {
			dropped = append(dropped, s)
		}
		clear(h.subs)
	}
	h.mu.Unlock()

	for _, s := range dropped {
		s.drop(ErrUnavailable)
	}
}

type subscriber struct {
	queue chan broker.Envelope
	lost  chan error
	once  sync.Once
}

func (s *subscriber) drop(err error) {
	s.once.Do(func() { s.lost <- err })
}

// Broker is one process's view of a Hub.
type Broker struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
	subs   map[*subscriber]struct{}
}

// New attaches a Broker to hub. A nil hub gets a private one.
func New(hub *Hub) *Broker {
	if hub == nil {
		hub = NewHub()
	}
	return &Broker{hub: hub, subs: make(map[*subscriber]struct{})}
}

func (b *Broker) Publish(ctx context.Context, env broker.Envelope) error {
	if b.isClosed() {
		return broker.ErrClosed
	}

	b.hub.mu.Lock()
	if b.hub.down {
		b.hub.mu.Unlock()
		return ErrUnavailable
	}
	targets := make([]*subscriber, 0, len(b.hub.subs))
	for s := range b.hub.subs {
		targets = append(targets, s)
	}
	// Enqueue under the hub lock so concurrent publishers cannot interleave
	// within one subscriber's queue out of publish order.
	defer b.hub.mu.Unlock()

	env.Data = append([]byte(nil), env.Data...)
	for _, s := range targets {
		select {
		case s.queue <- env:
		default:
			go s.drop(errors.New("memorybroker: subscriber queue overflow"))
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, h broker.Handler) (broker.Subscription, error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}

	s := &subscriber{
		queue: make(chan broker.Envelope, queueSize),
		lost:  make(chan error, 1),
	}

	b.hub.mu.Lock()
	if b.hub.down {
		b.hub.mu.Unlock()
		return nil, ErrUnavailable
	}
	b.hub.subs[s] = struct{}{}
	b.hub.mu.Unlock()

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	state, subCtx := broker.NewSubscriptionState(ctx)
	go func() {
		var err error
		defer func() {
			b.hub.mu.Lock()
			delete(b.hub.subs, s)
			b.hub.mu.Unlock()
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			state.Finish(err)
		}()

		for {
			select {
			case <-subCtx.Done():
				return
			case err = <-s.lost:
				return
			case env := <-s.queue:
				h(subCtx, env)
			}
		}
	}()
	return state, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.down {
		return ErrUnavailable
	}
	return nil
}

// Close drops this broker's subscriptions. The hub stays usable by others.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.drop(broker.ErrClosed)
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

var _ broker.Broker = (*Broker)(nil)
