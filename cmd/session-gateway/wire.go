package main

import (
	"context"
	"fmt"
	"log/slog"

	gateway "github.com/ggoodman/session-gateway"
	"github.com/ggoodman/session-gateway/broker"
	"github.com/ggoodman/session-gateway/broker/memorybroker"
	"github.com/ggoodman/session-gateway/broker/natsbroker"
	"github.com/ggoodman/session-gateway/broker/redisbroker"
	"github.com/ggoodman/session-gateway/identity"
	"github.com/ggoodman/session-gateway/internal/config"
	"github.com/ggoodman/session-gateway/storage"
	"github.com/ggoodman/session-gateway/storage/memory"
	redisstorage "github.com/ggoodman/session-gateway/storage/redis"
	"github.com/ggoodman/session-gateway/store/memorystore"
	"github.com/ggoodman/session-gateway/store/pgstore"
	"github.com/ggoodman/session-gateway/store/sqlitestore"
	"github.com/redis/go-redis/v9"
)

// pinger is implemented by every backend the health endpoint reports on.
type pinger interface {
	Ping(ctx context.Context) error
}

type deps struct {
	store    gateway.Store
	storage  storage.Storage
	broker   broker.Broker
	resolver *identity.Resolver

	// checks are reported by /healthz.
	checks map[string]pinger

	closers []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// wire builds the backends selected by cfg. On error everything already
// opened is closed.
func wire(ctx context.Context, cfg *config.Config, logHandler slog.Handler) (_ *deps, err error) {
	d := &deps{checks: make(map[string]pinger)}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := d.wireStore(ctx, cfg); err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	newRedis := func() *redis.Client {
		return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	switch cfg.Broker {
	case "redis":
		pub, sub := newRedis(), newRedis()
		b, err := redisbroker.New(redisbroker.Config{Publisher: pub, Subscriber: sub, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = pub.Close()
			_ = sub.Close()
			return nil, err
		}
		d.broker = b
		d.closers = append(d.closers, b.Close)
		redisClient = newRedis()
		d.closers = append(d.closers, redisClient.Close)
	case "nats":
		b, err := natsbroker.New(natsbroker.Config{URL: cfg.NATSURL, LogHandler: logHandler})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		d.broker = b
		d.closers = append(d.closers, b.Close)
	default:
		d.broker = memorybroker.New(nil)
	}
	d.checks["broker"] = d.broker

	// Cancellation signals must be visible to agent workers, which poll
	// Redis. Process memory only works when workers share the process.
	switch cfg.CancelBackend() {
	case "redis":
		if redisClient == nil {
			redisClient = newRedis()
			d.closers = append(d.closers, redisClient.Close)
		}
		s, err := redisstorage.New(redisstorage.Config{Client: redisClient, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			return nil, err
		}
		d.storage = s
	default:
		slog.New(logHandler).WarnContext(ctx, "cancel signals are process-local; external agent workers will not observe stop requests",
			slog.String("broker", cfg.Broker))
		s := memory.New(0, cfg.CancelSignalTTL)
		d.storage = s
		d.closers = append(d.closers, s.Close)
	}
	d.checks["storage"] = d.storage

	resolver, err := d.wireIdentity(ctx, cfg, logHandler)
	if err != nil {
		return nil, err
	}
	d.resolver = resolver
	return d, nil
}

func (d *deps) wireStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store {
	case "postgres":
		s, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		d.closers = append(d.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		d.store = s
		d.checks["store"] = s
	case "sqlite":
		s, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		d.closers = append(d.closers, s.Close)
		d.store = s
		d.checks["store"] = s
	default:
		slog.Warn("using in-memory store; sessions must be seeded by tooling")
		d.store = memorystore.New()
	}
	return nil
}

func (d *deps) wireIdentity(ctx context.Context, cfg *config.Config, logHandler slog.Handler) (*identity.Resolver, error) {
	r := &identity.Resolver{LogHandler: logHandler}

	switch {
	case cfg.BackendSecretFile != "":
		fs, err := identity.NewFileSecret(ctx, cfg.BackendSecretFile, logHandler)
		if err != nil {
			return nil, fmt.Errorf("load backend secret: %w", err)
		}
		d.closers = append(d.closers, fs.Close)
		r.Secret = fs
	case cfg.BackendSecret != "":
		r.Secret = identity.NewStaticSecret(cfg.BackendSecret)
	default:
		slog.Warn("no backend secret configured; no connection will be treated as a backend worker")
	}

	if cfg.JWTEnabled() {
		authn, err := identity.NewJWTAuthenticator(ctx, identity.JWTConfig{
			Issuer:    cfg.JWTIssuer,
			Audiences: cfg.Audiences(),
			JWKSURI:   cfg.JWTJWKSURI,
			Cookie:    cfg.SessionCookie,
		})
		if err != nil {
			return nil, fmt.Errorf("configure account authentication: %w", err)
		}
		r.Authenticator = authn
	}
	return r, nil
}
