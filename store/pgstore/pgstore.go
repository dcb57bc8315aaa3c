// Package pgstore implements store.Store on PostgreSQL using pgx.
//
// The transcript upsert relies on INSERT ... ON CONFLICT DO UPDATE keyed by
// (session_id, chunk_id) and (session_id, chunk_id, ts), so concurrent
// redelivery from several gateway processes converges on one row without
// a read-modify-write cycle.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ggoodman/session-gateway/store"
)

// Schema is the DDL for the tables this store reads and writes. Production
// schema management happens elsewhere; Migrate applies it for tests and
// local runs.
const Schema = `
CREATE TABLE IF NOT EXISTS apps (
	id                  TEXT PRIMARY KEY,
	org_id              TEXT NOT NULL DEFAULT '',
	team_id             TEXT NOT NULL DEFAULT '',
	sharing_mode        TEXT NOT NULL,
	sharing_permissions JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL DEFAULT '',
	team_id    TEXT NOT NULL DEFAULT '',
	app_id     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'STARTED',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_messages (
	session_id  TEXT NOT NULL,
	chunk_id    TEXT NOT NULL,
	seq         BIGSERIAL,
	author_id   TEXT,
	author_name TEXT NOT NULL DEFAULT '',
	incoming    BOOLEAN NOT NULL,
	ts          BIGINT NOT NULL,
	is_feedback BOOLEAN NOT NULL DEFAULT false,
	msg_type    TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT '',
	payload     JSONB,
	PRIMARY KEY (session_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS chat_chunks (
	session_id TEXT NOT NULL,
	chunk_id   TEXT NOT NULL,
	ts         BIGINT NOT NULL,
	text       TEXT NOT NULL,
	tokens     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, chunk_id, ts)
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) PutApp(ctx context.Context, app store.App) error {
	perms, err := json.Marshal(app.Sharing.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	if app.Sharing.Permissions == nil {
		perms = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO apps (id, org_id, team_id, sharing_mode, sharing_permissions)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			team_id = EXCLUDED.team_id,
			sharing_mode = EXCLUDED.sharing_mode,
			sharing_permissions = EXCLUDED.sharing_permissions`,
		app.ID, app.OrgID, app.TeamID, string(app.Sharing.Mode), perms,
	)
	if err != nil {
		return fmt.Errorf("upsert app: %w", err)
	}
	return nil
}

func (s *Store) PutSession(ctx context.Context, sess store.Session) error {
	if sess.Status == "" {
		sess.Status = store.StatusStarted
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, org_id, team_id, app_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			team_id = EXCLUDED.team_id,
			app_id = EXCLUDED.app_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.OrgID, sess.TeamID, sess.AppID, string(sess.Status), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, org_id, team_id, app_id, status, created_at, updated_at`

func scanSession(row pgx.Row) (*store.Session, error) {
	var (
		sess   store.Session
		status string
	)
	err := row.Scan(&sess.ID, &sess.OrgID, &sess.TeamID, &sess.AppID, &status, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = store.Status(status)
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *Store) FindSessionInTeams(ctx context.Context, id string, teamIDs []string) (*store.Session, error) {
	if len(teamIDs) == 0 {
		return nil, store.ErrNotFound
	}
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND team_id = ANY($2)`, id, teamIDs))
}

func (s *Store) SetStatus(ctx context.Context, id string, status store.Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetApp(ctx context.Context, id string) (*store.App, error) {
	var (
		app   store.App
		mode  string
		perms []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, team_id, sharing_mode, sharing_permissions
		FROM apps WHERE id = $1`, id,
	).Scan(&app.ID, &app.OrgID, &app.TeamID, &mode, &perms)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan app: %w", err)
	}
	app.Sharing.Mode = store.SharingMode(mode)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &app.Sharing.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return &app, nil
}

func (s *Store) UpsertChunk(ctx context.Context, msg store.ChatMessage) error {
	if err := store.ValidateUpsert(msg); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var payload any
	if len(msg.Payload) > 0 {
		payload = msg.Payload
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO chat_messages (session_id, chunk_id, author_id, author_name, incoming, ts, is_feedback, msg_type, language, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, chunk_id) DO UPDATE SET
			ts = LEAST(chat_messages.ts, EXCLUDED.ts),
			is_feedback = chat_messages.is_feedback OR EXCLUDED.is_feedback,
			payload = EXCLUDED.payload`,
		msg.SessionID, msg.ChunkID, msg.AuthorID, msg.AuthorName, msg.Incoming, msg.Timestamp,
		msg.IsFeedback, msg.Type, msg.Language, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if msg.ReplaceChunks {
		_, err = tx.Exec(ctx, `DELETE FROM chat_chunks WHERE session_id = $1 AND chunk_id = $2`, msg.SessionID, msg.ChunkID)
		if err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
	}

	c := msg.Chunks[0]
	_, err = tx.Exec(ctx, `
		INSERT INTO chat_chunks (session_id, chunk_id, ts, text, tokens)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, chunk_id, ts) DO UPDATE SET
			text = EXCLUDED.text,
			tokens = EXCLUDED.tokens`,
		msg.SessionID, msg.ChunkID, c.Timestamp, c.Text, c.Tokens,
	)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Transcript(ctx context.Context, sessionID string) ([]store.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, author_id, author_name, incoming, ts, is_feedback, msg_type, language, payload
		FROM chat_messages WHERE session_id = $1
		ORDER BY ts, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []store.ChatMessage
	index := map[string]int{}
	for rows.Next() {
		m := store.ChatMessage{SessionID: sessionID}
		if err := rows.Scan(&m.ChunkID, &m.AuthorID, &m.AuthorName, &m.Incoming, &m.Timestamp,
			&m.IsFeedback, &m.Type, &m.Language, &m.Payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		index[m.ChunkID] = len(msgs)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	chunkRows, err := s.pool.Query(ctx, `
		SELECT chunk_id, ts, text, tokens
		FROM chat_chunks WHERE session_id = $1
		ORDER BY chunk_id, ts`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer chunkRows.Close()

	for chunkRows.Next() {
		var (
			chunkID string
			c       store.ChatChunk
		)
		if err := chunkRows.Scan(&chunkID, &c.Timestamp, &c.Text, &c.Tokens); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if i, ok := index[chunkID]; ok {
			msgs[i].Chunks = append(msgs[i].Chunks, c)
		}
	}
	if err := chunkRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return msgs, nil
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Seeder = (*Store)(nil)
)
