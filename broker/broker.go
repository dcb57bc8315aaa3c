// Package broker fans room events out across gateway processes.
//
// Room membership is tracked by each process for the connections it
// accepted (see Registry). Every emit is delivered to local members and
// published as an Envelope; each other process receives the envelope from
// the shared backend and delivers it to its own members. The result is
// that a room behaves as if its membership were global.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Envelope is one room emit as carried between processes.
type Envelope struct {
	// Node identifies the publishing process so it can ignore its own echo.
	Node  string          `json:"node"`
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler receives envelopes from a subscription. Handlers for a single
// subscription are invoked sequentially in publish order.
type Handler func(ctx context.Context, env Envelope)

// Broker is a shared pub/sub backend. Implementations keep publishing and
// subscribing on separate connections.
type Broker interface {
	// Publish sends env to every live subscription, including ones held by
	// the publishing instance.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe starts delivering envelopes to h and returns once the
	// subscription is live. Delivery stops when ctx is cancelled, the
	// subscription is closed, or the backend drops it.
	Subscribe(ctx context.Context, h Handler) (Subscription, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Subscription is a live Subscribe call.
type Subscription interface {
	// Done is closed when delivery has stopped.
	Done() <-chan struct{}
	// Err reports why delivery stopped; nil while running or after Close.
	Err() error
	// Close stops delivery and waits for the handler to return.
	Close() error
}

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// SubscriptionState is a reusable Subscription implementation for broker
// backends. The backend's delivery goroutine must call Finish exactly once
// when it exits.
type SubscriptionState struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewSubscriptionState returns the state and the context the delivery
// goroutine should run under.
func NewSubscriptionState(ctx context.Context) (*SubscriptionState, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &SubscriptionState{cancel: cancel, done: make(chan struct{})}, ctx
}

// Finish records why delivery stopped and releases waiters.
func (s *SubscriptionState) Finish(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
	close(s.done)
}

func (s *SubscriptionState) Done() <-chan struct{} { return s.done }

func (s *SubscriptionState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SubscriptionState) Close() error {
	s.mu.Lock()
	s.closed = true
	s.err = nil
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}
