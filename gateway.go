// Package gateway is the real-time session messaging gateway. Browser
// clients and backend agent workers connect over websocket, join rooms
// named after sessions or teams, and exchange streamed message fragments
// that are persisted to the session transcript and fanned out to every
// gateway process sharing a broker.
//
// A Gateway is an http.Handler for the websocket endpoint:
//
//	gw, err := gateway.New(gateway.Config{
//		Store:    st,
//		Broker:   b,
//		Resolver: &identity.Resolver{Secret: secret, Authenticator: authn},
//	})
//	if err != nil { ... }
//	if err := gw.Start(ctx); err != nil { ... } // broker outage is retried
//	mux.Handle("/ws", gw)
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/session-gateway/authz"
	"github.com/ggoodman/session-gateway/broker"
	"github.com/ggoodman/session-gateway/identity"
	"github.com/ggoodman/session-gateway/internal/logctx"
	"github.com/ggoodman/session-gateway/internal/metrics"
	"github.com/ggoodman/session-gateway/lifecycle"
	"github.com/ggoodman/session-gateway/storage"
	"github.com/ggoodman/session-gateway/storage/memory"
	"github.com/ggoodman/session-gateway/transcript"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var _ http.Handler = (*Gateway)(nil)

// Store is the persistence the gateway reads and writes through.
type Store interface {
	authz.Sessions
	transcript.Store
	lifecycle.Store
}

// Config configures a Gateway. Only Store is required.
type Config struct {
	// Store is required.
	Store Store

	// Storage holds cancellation signals. If nil, an in-process storage
	// owned by the gateway is used, which agent workers in other processes
	// cannot observe.
	Storage storage.Storage

	// Broker fans room events out to other processes. If nil, delivery is
	// local to this process.
	Broker broker.Broker

	// Resolver classifies connections. If nil, every connection is
	// anonymous.
	Resolver *identity.Resolver

	// CheckOrigin validates the handshake Origin header. If nil, the
	// websocket library's same-origin check applies.
	CheckOrigin func(r *http.Request) bool

	// CancelTTL is how long a stop request stays visible to workers.
	// Defaults to lifecycle.DefaultCancelTTL.
	CancelTTL time.Duration

	// SendBuffer is the per-connection outbound queue length. A
	// connection whose queue fills is disconnected. Defaults to 256.
	SendBuffer int

	// LogHandler is an optional slog.Handler for logging within the gateway. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Gateway owns the room registry, the identity resolver and the event
// handler table.
type Gateway struct {
	log      *slog.Logger
	resolver *identity.Resolver
	registry *broker.Registry
	authz    *authz.Engine
	ingester *transcript.Ingester
	tracker  *lifecycle.Tracker
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc

	sendBuffer   int
	ownedStorage storage.Storage

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New builds a Gateway from cfg. It does not touch the broker until Start.
func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	logHandler := slog.DiscardHandler
	if cfg.LogHandler != nil {
		logHandler = logctx.Handler{Handler: cfg.LogHandler}
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = &identity.Resolver{}
	}

	st := cfg.Storage
	var owned storage.Storage
	if st == nil {
		owned = memory.New(0, 0)
		st = owned
	}

	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		log:      slog.New(logHandler),
		resolver: resolver,
		registry: broker.NewRegistry(broker.RegistryConfig{
			Broker:     cfg.Broker,
			LogHandler: logHandler,
		}),
		authz:    authz.NewEngine(cfg.Store),
		ingester: transcript.NewIngester(cfg.Store),
		tracker: lifecycle.NewTracker(lifecycle.TrackerConfig{
			Store:      cfg.Store,
			Canceller:  lifecycle.NewCanceller(st, cfg.CancelTTL),
			LogHandler: logHandler,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		sendBuffer:   sendBuffer,
		ownedStorage: owned,
		ctx:          ctx,
		cancel:       cancel,
		conns:        make(map[*Conn]struct{}),
	}
	g.handlers = map[string]handlerFunc{
		EventJoinRoom:       g.handleJoinRoom,
		EventLeaveRoom:      g.handleLeaveRoom,
		EventMessage:        g.handleMessage,
		EventStopGenerating: g.handleStopGenerating,
	}
	return g, nil
}

// Start subscribes this process to the broker. It returns the first
// attempt's error; the subscription is retried in the background until ctx
// is done or Close is called either way, with delivery local to this
// process meanwhile.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(g.ctx, cancel)
	if err := g.registry.Start(ctx); err != nil {
		return fmt.Errorf("subscribe to broker: %w", err)
	}
	return nil
}

// Ready is closed once the broker subscription is live.
func (g *Gateway) Ready() <-chan struct{} { return g.registry.Ready() }

// Registry exposes room membership, mostly for diagnostics.
func (g *Gateway) Registry() *broker.Registry { return g.registry }

// ServeHTTP resolves the caller's identity and upgrades to a websocket.
// It returns when the connection ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, "gateway closed", http.StatusServiceUnavailable)
		return
	}

	ctx := logctx.WithRequestData(g.ctx, &logctx.RequestData{
		RequestID:  r.Header.Get("X-Request-Id"),
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})

	id := g.resolver.Resolve(ctx, r)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		g.log.DebugContext(ctx, "gateway.upgrade.err", slog.String("err", err.Error()))
		return
	}

	c := newConn(uuid.NewString(), id, ws, g.sendBuffer)
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID: c.id,
		Kind:   id.Kind.String(),
		UserID: id.UserID(),
	})

	if !g.track(c) {
		c.close()
		_ = ws.Close()
		return
	}
	defer g.untrack(c)

	metrics.ConnectionsTotal.WithLabelValues(id.Kind.String()).Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	g.log.DebugContext(ctx, "gateway.conn.open")

	go c.writePump()
	g.readPump(ctx, c)

	rooms := g.registry.LeaveAll(c)
	g.log.DebugContext(ctx, "gateway.conn.closed", slog.Int("rooms", len(rooms)))
}

func (g *Gateway) track(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	g.wg.Done()
}

// Close disconnects every connection, stops the broker subscription and
// waits for connection handlers to return. The broker, store and any
// caller-supplied storage are left open.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	for c := range g.conns {
		c.close()
	}
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()

	if g.ownedStorage != nil {
		return g.ownedStorage.Close()
	}
	return nil
}
