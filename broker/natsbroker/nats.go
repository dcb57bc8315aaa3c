// Package natsbroker implements broker.Broker on core NATS subjects.
package natsbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/session-gateway/broker"
	"github.com/nats-io/nats.go"
)

// Config configures the NATS broker.
type Config struct {
	URL   string
	Token string

	// Subject carries room envelopes. Defaults to "gateway.rooms".
	Subject string

	// LogHandler is an optional slog.Handler. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Broker publishes and subscribes over two NATS connections.
type Broker struct {
	pub     *nats.Conn
	sub     *nats.Conn
	subject string

	mu   sync.Mutex
	live map[*broker.SubscriptionState]struct{}
}

// New dials the publish and subscribe connections. Reconnection after a
// dropped connection is left to the NATS client.
func New(cfg Config) (*Broker, error) {
	if cfg.Subject == "" {
		cfg.Subject = "gateway.rooms"
	}
	h := slog.DiscardHandler
	if cfg.LogHandler != nil {
		h = cfg.LogHandler
	}
	logger := slog.New(h)

	pub, err := connect(cfg, "publish", logger)
	if err != nil {
		return nil, err
	}
	sub, err := connect(cfg, "subscribe", logger)
	if err != nil {
		pub.Close()
		return nil, err
	}
	return &Broker{
		pub:     pub,
		sub:     sub,
		subject: cfg.Subject,
		live:    make(map[*broker.SubscriptionState]struct{}),
	}, nil
}

func connect(cfg Config, role string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With(slog.String("role", role))
	opts := []nats.Option{
		nats.Name("session-gateway-" + role),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect (%s): %w", role, err)
	}
	return nc, nil
}

func (b *Broker) Publish(ctx context.Context, env broker.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.pub.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", b.subject, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, h broker.Handler) (broker.Subscription, error) {
	if b.sub.IsClosed() {
		return nil, broker.ErrClosed
	}

	state, subCtx := broker.NewSubscriptionState(ctx)
	// NATS invokes a subscription's callback from one goroutine, in order.
	s, err := b.sub.Subscribe(b.subject, func(msg *nats.Msg) {
		if subCtx.Err() != nil {
			return
		}
		var env broker.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		h(subCtx, env)
	})
	if err != nil {
		state.Finish(err)
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	if err := b.sub.FlushWithContext(ctx); err != nil {
		_ = s.Unsubscribe()
		state.Finish(err)
		return nil, fmt.Errorf("flush subscribe %s: %w", b.subject, err)
	}

	b.mu.Lock()
	b.live[state] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-subCtx.Done()
		b.mu.Lock()
		delete(b.live, state)
		b.mu.Unlock()
		err := s.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
		state.Finish(err)
	}()
	return state, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if !b.pub.IsConnected() {
		return fmt.Errorf("nats publish connection is %s", b.pub.Status())
	}
	return b.pub.FlushWithContext(ctx)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	live := make([]*broker.SubscriptionState, 0, len(b.live))
	for st := range b.live {
		live = append(live, st)
	}
	b.mu.Unlock()
	for _, st := range live {
		_ = st.Close()
	}

	b.pub.Close()
	b.sub.Close()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
