package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, connection and event
// attributes stored on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("kind", cd.Kind),
			slog.String("user_id", cd.UserID),
		))
	}

	if ed, ok := ctx.Value(eventDataKey{}).(*EventData); ok {
		attrs := []any{slog.String("name", ed.Event)}
		if ed.Room != "" {
			attrs = append(attrs, slog.String("room", ed.Room))
		}
		r.AddAttrs(slog.Group("event", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	UserAgent  string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

type ConnData struct {
	ConnID string
	Kind   string
	UserID string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type eventDataKey struct{}

type EventData struct {
	Event string
	Room  string
}

func WithEventData(ctx context.Context, data *EventData) context.Context {
	return context.WithValue(ctx, eventDataKey{}, data)
}

// EventDataFrom returns the EventData stored on ctx, or nil.
func EventDataFrom(ctx context.Context) *EventData {
	ed, _ := ctx.Value(eventDataKey{}).(*EventData)
	return ed
}
