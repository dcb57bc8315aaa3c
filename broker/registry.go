package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/session-gateway/internal/metrics"
	"github.com/google/uuid"
)

// Member is a local room participant, typically a websocket connection.
// Deliver must not block.
type Member interface {
	ID() string
	Deliver(event string, data json.RawMessage)
}

// Registry tracks which local members are in which rooms and mirrors every
// emit through a Broker so members on other processes receive it too.
type Registry struct {
	node   string
	broker Broker
	log    *slog.Logger

	retryMin time.Duration
	retryMax time.Duration

	mu          sync.RWMutex
	rooms       map[string]map[string]Member
	memberRooms map[string]map[string]struct{}

	ready chan struct{}
	once  sync.Once
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Broker carries envelopes between processes. If nil, emits are local only.
	Broker Broker

	// LogHandler is an optional slog.Handler. If nil, logging is discarded.
	LogHandler slog.Handler

	// RetryMin and RetryMax bound the re-subscribe backoff.
	// Defaults: 100ms and 5s.
	RetryMin time.Duration
	RetryMax time.Duration
}

func NewRegistry(cfg RegistryConfig) *Registry {
	h := slog.DiscardHandler
	if cfg.LogHandler != nil {
		h = cfg.LogHandler
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 100 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = 5 * time.Second
	}
	return &Registry{
		node:        uuid.NewString(),
		broker:      cfg.Broker,
		log:         slog.New(h),
		retryMin:    cfg.RetryMin,
		retryMax:    cfg.RetryMax,
		rooms:       make(map[string]map[string]Member),
		memberRooms: make(map[string]map[string]struct{}),
		ready:       make(chan struct{}),
	}
}

// Node is this process's identifier on the broker.
func (r *Registry) Node() string { return r.node }

// Join adds m to room. Joining twice is a no-op.
func (r *Registry) Join(room string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Member)
		r.rooms[room] = members
	}
	members[m.ID()] = m

	joined, ok := r.memberRooms[m.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.memberRooms[m.ID()] = joined
	}
	joined[room] = struct{}{}
}

// Leave removes m from room.
func (r *Registry) Leave(room string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, m.ID())
}

// LeaveAll removes m from every room and returns the rooms it was in.
func (r *Registry) LeaveAll(m Member) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for room := range r.memberRooms[m.ID()] {
		left = append(left, room)
		r.leaveLocked(room, m.ID())
	}
	return left
}

func (r *Registry) leaveLocked(room, id string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.memberRooms[id]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.memberRooms, id)
		}
	}
}

// Has reports whether the member with id is in room on this process.
func (r *Registry) Has(room, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][id]
	return ok
}

// Members returns a snapshot of room's local members.
func (r *Registry) Members(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Member, 0, len(r.rooms[room]))
	for _, m := range r.rooms[room] {
		out = append(out, m)
	}
	return out
}

// Emit sends event to every member of room on every process. Local members
// are delivered to first; the envelope is then published. A publish failure
// degrades to local-only delivery and is logged, not returned.
func (r *Registry) Emit(ctx context.Context, room, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	r.deliverLocal(room, event, raw)

	if r.broker == nil {
		return nil
	}
	env := Envelope{Node: r.node, Room: room, Event: event, Data: raw}
	if err := r.broker.Publish(ctx, env); err != nil {
		metrics.BrokerPublishFailures.Inc()
		r.log.WarnContext(ctx, "broker.publish.err", slog.String("room", room), slog.String("event", event), slog.String("err", err.Error()))
	}
	return nil
}

func (r *Registry) deliverLocal(room, event string, data json.RawMessage) {
	for _, m := range r.Members(room) {
		m.Deliver(event, data)
	}
}

func (r *Registry) receive(ctx context.Context, env Envelope) {
	if env.Node == r.node {
		return
	}
	r.deliverLocal(env.Room, env.Event, env.Data)
}

// Start keeps a broker subscription alive until ctx is cancelled. It
// returns after the first subscribe attempt with that attempt's error;
// failed or lost subscriptions are retried in the background either way.
func (r *Registry) Start(ctx context.Context) error {
	if r.broker == nil {
		r.once.Do(func() { close(r.ready) })
		return nil
	}

	sub, err := r.broker.Subscribe(ctx, r.receive)
	if err == nil {
		r.once.Do(func() { close(r.ready) })
	} else {
		r.log.WarnContext(ctx, "broker.subscribe.err", slog.String("err", err.Error()))
	}
	go r.maintain(ctx, sub)
	return err
}

// Ready is closed once the first broker subscription is live.
func (r *Registry) Ready() <-chan struct{} { return r.ready }

func (r *Registry) maintain(ctx context.Context, sub Subscription) {
	delay := r.retryMin
	for {
		if sub != nil {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.Done():
				if ctx.Err() != nil {
					return
				}
				r.log.WarnContext(ctx, "broker.subscription.lost", slog.Any("err", sub.Err()))
				delay = r.retryMin
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		next, err := r.broker.Subscribe(ctx, r.receive)
		if err != nil {
			sub = nil
			r.log.DebugContext(ctx, "broker.resubscribe.err", slog.String("err", err.Error()), slog.Duration("retry_in", delay))
			delay = min(delay*2, r.retryMax)
			continue
		}
		sub = next
		delay = r.retryMin
		metrics.BrokerResubscribes.Inc()
		r.once.Do(func() { close(r.ready) })
		r.log.InfoContext(ctx, "broker.resubscribed")
	}
}
