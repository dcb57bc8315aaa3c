// Command session-gateway serves the session messaging websocket endpoint.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gateway "github.com/ggoodman/session-gateway"
	"github.com/ggoodman/session-gateway/internal/config"
	"github.com/ggoodman/session-gateway/internal/logctx"
)

func main() {
	if err := run(); err != nil {
		slog.Error("session-gateway exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logHandler := setupLogging(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := wire(ctx, cfg, logHandler)
	if err != nil {
		return err
	}
	defer deps.Close()

	gw, err := gateway.New(gateway.Config{
		Store:       deps.store,
		Storage:     deps.storage,
		Broker:      deps.broker,
		Resolver:    deps.resolver,
		CheckOrigin: originChecker(cfg.Origins()),
		CancelTTL:   cfg.CancelSignalTTL,
		LogHandler:  logHandler,
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.Start(ctx); err != nil {
		// Delivery stays local until the broker comes back.
		slog.Warn("broker unavailable at startup", slog.String("err", err.Error()))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(gw, deps.checks, cfg.Origins()),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("session-gateway listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("broker", cfg.Broker),
			slog.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Hijacked websocket connections are not tracked by Shutdown; closing
	// the gateway ends them.
	_ = gw.Close()
	return srv.Shutdown(shutdownCtx)
}

func setupLogging(level string) slog.Handler {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	handler := logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})}
	slog.SetDefault(slog.New(handler))
	return handler
}
