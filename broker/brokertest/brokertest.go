// Package brokertest provides a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-gateway/broker"
)

// BrokerFactory creates two broker instances attached to the same backend,
// standing in for two gateway processes.
type BrokerFactory func(t *testing.T) (first, second broker.Broker)

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishReachesEverySubscriber", func(t *testing.T) {
		testPublishReachesEverySubscriber(t, factory)
	})
	t.Run("PublishOrderPreserved", func(t *testing.T) {
		testPublishOrderPreserved(t, factory)
	})
	t.Run("EnvelopeFieldsIntact", func(t *testing.T) {
		testEnvelopeFieldsIntact(t, factory)
	})
	t.Run("ContextCancellationEndsSubscription", func(t *testing.T) {
		testContextCancellation(t, factory)
	})
	t.Run("CloseSubscriptionStopsDelivery", func(t *testing.T) {
		testCloseSubscription(t, factory)
	})
	t.Run("Ping", func(t *testing.T) {
		a, _ := factory(t)
		if err := a.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

type collector struct {
	mu   sync.Mutex
	envs []broker.Envelope
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 1024)}
}

func (c *collector) handle(_ context.Context, env broker.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) []broker.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.envs)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("received %d envelopes, want %d", got, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Envelope(nil), c.envs...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func subscribe(t *testing.T, ctx context.Context, b broker.Broker, c *collector) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(ctx, c.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func envelope(room string, n int) broker.Envelope {
	return broker.Envelope{
		Node:  "node-a",
		Room:  room,
		Event: "message",
		Data:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

func testPublishReachesEverySubscriber(t *testing.T, factory BrokerFactory) {
	a, b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ca, cb := newCollector(), newCollector()
	subscribe(t, ctx, a, ca)
	subscribe(t, ctx, b, cb)

	if err := a.Publish(ctx, envelope("room-1", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The publishing instance sees its own envelope too.
	ca.waitFor(t, 1)
	cb.waitFor(t, 1)
}

func testPublishOrderPreserved(t *testing.T, factory BrokerFactory) {
	a, b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cb := newCollector()
	subscribe(t, ctx, b, cb)

	const n = 50
	for i := 0; i < n; i++ {
		if err := a.Publish(ctx, envelope("room-1", i)); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	got := cb.waitFor(t, n)
	for i, env := range got[:n] {
		var body struct{ N int }
		if err := json.Unmarshal(env.Data, &body); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if body.N != i {
			t.Fatalf("envelope %d carried n=%d; order not preserved", i, body.N)
		}
	}
}

func testEnvelopeFieldsIntact(t *testing.T, factory BrokerFactory) {
	a, b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cb := newCollector()
	subscribe(t, ctx, b, cb)

	want := broker.Envelope{
		Node:  "node-x",
		Room:  "backend:64b7f0c2a1b2c3d4e5f60001",
		Event: "status",
		Data:  json.RawMessage(`"RUNNING"`),
	}
	if err := a.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := cb.waitFor(t, 1)[0]
	if got.Node != want.Node || got.Room != want.Room || got.Event != want.Event {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if string(got.Data) != string(want.Data) {
		t.Fatalf("data = %s, want %s", got.Data, want.Data)
	}
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	a, _ := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := a.Subscribe(ctx, func(context.Context, broker.Envelope) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after context cancellation")
	}
}

func testCloseSubscription(t *testing.T, factory BrokerFactory) {
	a, b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	closed := newCollector()
	sub, err := b.Subscribe(ctx, closed.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Close returned")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("Err after Close = %v, want nil", err)
	}

	// A second, live subscription proves the publish went out.
	live := newCollector()
	subscribe(t, ctx, b, live)
	if err := a.Publish(ctx, envelope("room-1", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	live.waitFor(t, 1)

	if n := closed.count(); n != 0 {
		t.Fatalf("closed subscription received %d envelopes", n)
	}
}
