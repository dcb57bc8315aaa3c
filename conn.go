package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/session-gateway/broker"
	"github.com/ggoodman/session-gateway/identity"
	"github.com/ggoodman/session-gateway/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10
)

// Frame is one websocket text message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var _ broker.Member = (*Conn)(nil)

// Conn is one accepted websocket connection. Frames from the peer are
// handled sequentially on the connection's read loop; outbound frames are
// queued and written by a dedicated goroutine.
type Conn struct {
	id       string
	identity identity.Identity
	ws       *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(id string, ident identity.Identity, ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:       id,
		identity: ident,
		ws:       ws,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Identity() identity.Identity { return c.identity }

// Deliver queues a frame for the peer. It never blocks: a connection that
// cannot keep up is closed.
func (c *Conn) Deliver(event string, data json.RawMessage) {
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	case <-c.done:
	default:
		metrics.Dropped.WithLabelValues("slow consumer").Inc()
		c.close()
	}
}

// emit delivers a frame to this connection only.
func (c *Conn) emit(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	c.Deliver(event, raw)
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump decodes frames and dispatches them until the peer goes away or
// the connection is closed.
func (g *Gateway) readPump(ctx context.Context, c *Conn) {
	defer c.close()

	// Closing the socket unblocks ReadMessage when the gateway closes c.
	go func() {
		<-c.done
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.log.DebugContext(ctx, "gateway.read.err", slog.String("err", err.Error()))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Event == "" {
			g.drop(ctx, "malformed frame")
			continue
		}
		g.dispatch(ctx, c, f)
	}
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
