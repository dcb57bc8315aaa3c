// Package lifecycle drives session status transitions and the
// cancellation signal agent workers poll while generating.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/session-gateway/internal/metrics"
	"github.com/ggoodman/session-gateway/store"
)

// Store is the slice of store.SessionStore the tracker needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	SetStatus(ctx context.Context, id string, status store.Status) error
}

// Tracker applies status transitions. It holds no per-session state; the
// persisted status is read every time because fragments for one session
// can race across connections and processes.
type Tracker struct {
	store  Store
	cancel *Canceller
	log    *slog.Logger
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Store     Store
	Canceller *Canceller

	// LogHandler is an optional slog.Handler. If nil, logging is discarded.
	LogHandler slog.Handler
}

func NewTracker(cfg TrackerConfig) *Tracker {
	h := slog.DiscardHandler
	if cfg.LogHandler != nil {
		h = cfg.LogHandler
	}
	return &Tracker{store: cfg.Store, cancel: cfg.Canceller, log: slog.New(h)}
}

// Target is the status an ingested fragment asks for.
func Target(isFeedback bool) store.Status {
	if isFeedback {
		return store.StatusWaiting
	}
	return store.StatusRunning
}

// Observe moves the session towards the status implied by a new fragment.
// It returns the resulting status and whether it was changed. TERMINATED
// is never left.
func (t *Tracker) Observe(ctx context.Context, sessionID string, isFeedback bool) (store.Status, bool, error) {
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", false, fmt.Errorf("read status: %w", err)
	}

	target := Target(isFeedback)
	if sess.Status == store.StatusTerminated || sess.Status == target {
		return sess.Status, false, nil
	}

	if err := t.store.SetStatus(ctx, sessionID, target); err != nil {
		return sess.Status, false, fmt.Errorf("persist status %s: %w", target, err)
	}
	metrics.StatusTransitions.WithLabelValues(string(target)).Inc()
	t.log.DebugContext(ctx, "session.status.changed",
		slog.String("session_id", sessionID),
		slog.String("from", string(sess.Status)),
		slog.String("to", string(target)))
	return target, true, nil
}

// Terminate persists TERMINATED for sessionID and then raises the
// cancellation signal for room. Calling it again rewrites the same state
// and refreshes the signal.
func (t *Tracker) Terminate(ctx context.Context, room, sessionID string) error {
	if err := t.store.SetStatus(ctx, sessionID, store.StatusTerminated); err != nil {
		return fmt.Errorf("persist status %s: %w", store.StatusTerminated, err)
	}
	if t.cancel != nil {
		if err := t.cancel.Cancel(ctx, room); err != nil {
			return err
		}
	}
	metrics.Terminations.Inc()
	metrics.StatusTransitions.WithLabelValues(string(store.StatusTerminated)).Inc()
	t.log.InfoContext(ctx, "session.terminated", slog.String("session_id", sessionID), slog.String("room", room))
	return nil
}
