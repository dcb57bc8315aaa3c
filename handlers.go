package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/session-gateway/internal/logctx"
	"github.com/ggoodman/session-gateway/internal/metrics"
	"github.com/ggoodman/session-gateway/room"
	"github.com/ggoodman/session-gateway/store"
	"github.com/ggoodman/session-gateway/transcript"
)

// Inbound events.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventMessage        = "message"
	EventStopGenerating = "stop_generating"
)

// Outbound events.
const (
	EventJoined    = "joined"
	EventStatus    = "status"
	EventTerminate = "terminate"
)

// handlerFunc handles one inbound frame. Errors wrapping
// transcript.ErrDropped are silent drops; anything else is logged at error
// level. Neither is reported to the peer.
type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) error

func dropped(reason string) error {
	return &transcript.DropError{Reason: reason}
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, f Frame) {
	h, ok := g.handlers[f.Event]
	if !ok {
		g.drop(ctx, "unknown event")
		return
	}

	ed := &logctx.EventData{Event: f.Event}
	ctx = logctx.WithEventData(ctx, ed)

	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerErrors.WithLabelValues(f.Event).Inc()
			g.log.ErrorContext(ctx, "gateway.handler.panic", slog.Any("panic", r))
		}
	}()

	err := h(ctx, c, f.Data)
	if err == nil {
		return
	}

	var de *transcript.DropError
	if errors.As(err, &de) {
		g.drop(ctx, de.Reason)
		return
	}
	metrics.HandlerErrors.WithLabelValues(f.Event).Inc()
	g.log.ErrorContext(ctx, "gateway.handler.err", slog.String("err", err.Error()))
}

func (g *Gateway) drop(ctx context.Context, reason string) {
	metrics.Dropped.WithLabelValues(reason).Inc()
	g.log.DebugContext(ctx, "gateway.event.dropped", slog.String("reason", reason))
}

func setRoom(ctx context.Context, name string) {
	if ed := logctx.EventDataFrom(ctx); ed != nil {
		ed.Room = name
	}
}

func decodeRoom(data json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(data, &name); err != nil || name == "" {
		return "", dropped("malformed room")
	}
	return name, nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *Conn, data json.RawMessage) error {
	name, err := decodeRoom(data)
	if err != nil {
		return err
	}
	setRoom(ctx, name)

	d, err := g.authz.CanJoin(ctx, name, c.identity)
	if err != nil {
		return fmt.Errorf("authorize join: %w", err)
	}
	if !d.Allow {
		metrics.Joins.WithLabelValues("deny").Inc()
		g.log.DebugContext(ctx, "gateway.join.denied", slog.String("reason", d.Reason))
		return nil
	}

	g.registry.Join(name, c)
	metrics.Joins.WithLabelValues("allow").Inc()
	g.log.DebugContext(ctx, "gateway.join.allowed", slog.String("reason", d.Reason))

	if !c.identity.IsBackend() {
		c.emit(EventJoined, name)
	}
	return nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *Conn, data json.RawMessage) error {
	name, err := decodeRoom(data)
	if err != nil {
		return err
	}
	setRoom(ctx, name)
	g.registry.Leave(name, c)
	return nil
}

func (g *Gateway) handleMessage(ctx context.Context, c *Conn, data json.RawMessage) error {
	var ev transcript.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return dropped("malformed payload")
	}
	if c.identity.IsBackend() {
		ev.Room, _ = room.SessionID(ev.Room, true)
	}
	setRoom(ctx, ev.Room)

	if !c.identity.IsBackend() && !g.registry.Has(ev.Room, c.id) {
		return dropped("not a room member")
	}

	res, err := g.ingester.Ingest(ctx, ev, c.identity)
	if err != nil {
		return err
	}
	origin := "backend"
	if res.Incoming {
		origin = "incoming"
	}
	metrics.MessagesIngested.WithLabelValues(origin).Inc()

	status, changed, err := g.tracker.Observe(ctx, res.SessionID, ev.IsFeedback)
	if err != nil {
		return err
	}
	if changed {
		if err := g.registry.Emit(ctx, res.SessionID, EventStatus, status); err != nil {
			return err
		}
	}

	if err := g.registry.Emit(ctx, res.SessionID, res.EventName, res.Event); err != nil {
		return err
	}
	if res.Incoming {
		return g.registry.Emit(ctx, res.ShadowRoom, res.EventName, res.ShadowText)
	}
	return nil
}

type stopRequest struct {
	Room string `json:"room"`
}

func (g *Gateway) handleStopGenerating(ctx context.Context, c *Conn, data json.RawMessage) error {
	var req stopRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		return dropped("malformed payload")
	}
	setRoom(ctx, req.Room)

	sessionID, ok := room.SessionID(req.Room, c.identity.IsBackend())
	if !ok || !room.IsID(sessionID) {
		return dropped("malformed room")
	}
	if !c.identity.IsBackend() && !g.registry.Has(sessionID, c.id) {
		return dropped("not a room member")
	}

	if err := g.tracker.Terminate(ctx, sessionID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return dropped("session not found")
		}
		return err
	}
	return g.registry.Emit(ctx, sessionID, EventTerminate, true)
}
