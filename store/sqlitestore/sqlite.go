// Package sqlitestore implements store.Store on SQLite for single-node
// gateways. Writes go through one connection; the transcript upsert uses
// INSERT ... ON CONFLICT DO UPDATE like the PostgreSQL store.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ggoodman/session-gateway/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS apps (
	id                  TEXT PRIMARY KEY,
	org_id              TEXT NOT NULL DEFAULT '',
	team_id             TEXT NOT NULL DEFAULT '',
	sharing_mode        TEXT NOT NULL,
	sharing_permissions TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL DEFAULT '',
	team_id    TEXT NOT NULL DEFAULT '',
	app_id     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'STARTED',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
	session_id  TEXT NOT NULL,
	chunk_id    TEXT NOT NULL,
	author_id   TEXT,
	author_name TEXT NOT NULL DEFAULT '',
	incoming    INTEGER NOT NULL,
	ts          INTEGER NOT NULL,
	is_feedback INTEGER NOT NULL DEFAULT 0,
	msg_type    TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT '',
	payload     TEXT,
	PRIMARY KEY (session_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS chat_chunks (
	session_id TEXT NOT NULL,
	chunk_id   TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	text       TEXT NOT NULL,
	tokens     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, chunk_id, ts)
);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutApp(ctx context.Context, app store.App) error {
	perms := []byte("{}")
	if app.Sharing.Permissions != nil {
		var err error
		if perms, err = json.Marshal(app.Sharing.Permissions); err != nil {
			return fmt.Errorf("marshal permissions: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (id, org_id, team_id, sharing_mode, sharing_permissions)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			org_id = excluded.org_id,
			team_id = excluded.team_id,
			sharing_mode = excluded.sharing_mode,
			sharing_permissions = excluded.sharing_permissions`,
		app.ID, app.OrgID, app.TeamID, string(app.Sharing.Mode), string(perms),
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
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, org_id, team_id, app_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			org_id = excluded.org_id,
			team_id = excluded.team_id,
			app_id = excluded.app_id,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		sess.ID, sess.OrgID, sess.TeamID, sess.AppID, string(sess.Status),
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, org_id, team_id, app_id, status, created_at, updated_at`

func scanSession(row *sql.Row) (*store.Session, error) {
	var (
		sess             store.Session
		status           string
		created, updated int64
	)
	err := row.Scan(&sess.ID, &sess.OrgID, &sess.TeamID, &sess.AppID, &status, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = store.Status(status)
	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

func (s *Store) FindSessionInTeams(ctx context.Context, id string, teamIDs []string) (*store.Session, error) {
	if len(teamIDs) == 0 {
		return nil, store.ErrNotFound
	}
	args := make([]any, 0, len(teamIDs)+1)
	args = append(args, id)
	for _, t := range teamIDs {
		args = append(args, t)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(teamIDs)), ",")
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND team_id IN (`+placeholders+`)`, args...))
}

func (s *Store) exec1(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status store.Status) error {
	if err := s.exec1(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	if err := s.exec1(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, at.UnixNano(), id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *Store) GetApp(ctx context.Context, id string) (*store.App, error) {
	var (
		app   store.App
		mode  string
		perms string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, team_id, sharing_mode, sharing_permissions
		FROM apps WHERE id = ?`, id,
	).Scan(&app.ID, &app.OrgID, &app.TeamID, &mode, &perms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan app: %w", err)
	}
	app.Sharing.Mode = store.SharingMode(mode)
	if perms != "" {
		if err := json.Unmarshal([]byte(perms), &app.Sharing.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return &app, nil
}

func (s *Store) UpsertChunk(ctx context.Context, msg store.ChatMessage) error {
	if err := store.ValidateUpsert(msg); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var payload any
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, chunk_id, author_id, author_name, incoming, ts, is_feedback, msg_type, language, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, chunk_id) DO UPDATE SET
			ts = MIN(chat_messages.ts, excluded.ts),
			is_feedback = MAX(chat_messages.is_feedback, excluded.is_feedback),
			payload = excluded.payload`,
		msg.SessionID, msg.ChunkID, msg.AuthorID, msg.AuthorName, msg.Incoming, msg.Timestamp,
		msg.IsFeedback, msg.Type, msg.Language, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if msg.ReplaceChunks {
		_, err = tx.ExecContext(ctx, `DELETE FROM chat_chunks WHERE session_id = ? AND chunk_id = ?`, msg.SessionID, msg.ChunkID)
		if err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
	}

	c := msg.Chunks[0]
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_chunks (session_id, chunk_id, ts, text, tokens)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, chunk_id, ts) DO UPDATE SET
			text = excluded.text,
			tokens = excluded.tokens`,
		msg.SessionID, msg.ChunkID, c.Timestamp, c.Text, c.Tokens,
	)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Transcript(ctx context.Context, sessionID string) ([]store.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, author_id, author_name, incoming, ts, is_feedback, msg_type, language, payload
		FROM chat_messages WHERE session_id = ?
		ORDER BY ts, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	var msgs []store.ChatMessage
	index := map[string]int{}
	for rows.Next() {
		var (
			m        = store.ChatMessage{SessionID: sessionID}
			authorID sql.NullString
			payload  sql.NullString
		)
		if err := rows.Scan(&m.ChunkID, &authorID, &m.AuthorName, &m.Incoming, &m.Timestamp,
			&m.IsFeedback, &m.Type, &m.Language, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if authorID.Valid {
			m.AuthorID = &authorID.String
		}
		if payload.Valid {
			m.Payload = []byte(payload.String)
		}
		index[m.ChunkID] = len(msgs)
		msgs = append(msgs, m)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	chunkRows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, ts, text, tokens
		FROM chat_chunks WHERE session_id = ?
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
