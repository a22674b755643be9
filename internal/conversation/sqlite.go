package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	agent      TEXT NOT NULL DEFAULT '',
	flags      TEXT NOT NULL DEFAULT '{}',
	todos      TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS message_steps (
	id            TEXT PRIMARY KEY,
	message_id    TEXT NOT NULL REFERENCES messages(id),
	step_index    INTEGER NOT NULL,
	provider      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	finish_reason TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER,
	duration_ms   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_steps_message ON message_steps(message_id, step_index);

CREATE TABLE IF NOT EXISTS step_parts (
	id       TEXT PRIMARY KEY,
	step_id  TEXT NOT NULL REFERENCES message_steps(id),
	ordering INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	status   TEXT NOT NULL,
	payload  TEXT NOT NULL DEFAULT '{}',
	UNIQUE (step_id, ordering)
);

CREATE TABLE IF NOT EXISTS step_usage (
	step_id       TEXT PRIMARY KEY REFERENCES message_steps(id),
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read    INTEGER NOT NULL DEFAULT 0,
	cache_write   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS file_contents (
	step_id    TEXT NOT NULL,
	ordering   INTEGER NOT NULL,
	file_name  TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL DEFAULT '',
	data       BLOB NOT NULL,
	PRIMARY KEY (step_id, ordering)
);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary initializes) a SQLite-backed store at
// the given path. WAL mode is enabled so readers never block the single
// writer; busy_timeout covers short lock windows before our own backoff
// kicks in.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(1000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = NewSessionID()
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Flags == nil {
		sess.Flags = map[string]bool{}
	}

	flags, err := json.Marshal(sess.Flags)
	if err != nil {
		return Session{}, fmt.Errorf("%w: marshal flags: %v", ErrIntegrity, err)
	}
	todos, err := json.Marshal(sess.Todos)
	if err != nil {
		return Session{}, fmt.Errorf("%w: marshal todos: %v", ErrIntegrity, err)
	}

	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, title, model, agent, flags, todos, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Title, sess.Model, sess.Agent, string(flags), string(todos),
			now.UnixMilli(), now.UnixMilli())
		return mapSQLiteErr(err)
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, agent, flags, todos, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model, agent, flags, todos, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var flags, todos string
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.Agent, &flags, &todos, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(flags), &sess.Flags); err != nil {
		return Session{}, fmt.Errorf("%w: flags payload: %v", ErrIntegrity, err)
	}
	if err := json.Unmarshal([]byte(todos), &sess.Todos); err != nil {
		return Session{}, fmt.Errorf("%w: todos payload: %v", ErrIntegrity, err)
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(updated)
	return sess, nil
}

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return s.updateSession(ctx, id, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title)
}

func (s *SQLiteStore) UpdateSessionFlags(ctx context.Context, id string, flags map[string]bool) error {
	data, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("%w: marshal flags: %v", ErrIntegrity, err)
	}
	return s.updateSession(ctx, id, `UPDATE sessions SET flags = ?, updated_at = ? WHERE id = ?`, string(data))
}

func (s *SQLiteStore) SetTodos(ctx context.Context, id string, todos []Todo) error {
	data, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("%w: marshal todos: %v", ErrIntegrity, err)
	}
	return s.updateSession(ctx, id, `UPDATE sessions SET todos = ?, updated_at = ? WHERE id = ?`, string(data))
}

func (s *SQLiteStore) updateSession(ctx context.Context, id, query string, value any) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, value, time.Now().UnixMilli(), id)
		if err != nil {
			return mapSQLiteErr(err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, role Role) (Message, error) {
	msg := Message{
		ID:        NewMessageID(),
		SessionID: sessionID,
		Role:      role,
		Status:    StatusActive,
		CreatedAt: time.Now(),
	}
	err := withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := exists(ctx, tx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO messages (id, session_id, role, status, created_at) VALUES (?, ?, ?, ?, ?)`,
				msg.ID, msg.SessionID, string(msg.Role), string(msg.Status), msg.CreatedAt.UnixMilli())
			return mapSQLiteErr(err)
		})
	})
	if err != nil {
		return Message{}, fmt.Errorf("add message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, status Status) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return mapSQLiteErr(err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, status, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Status, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) CreateStep(ctx context.Context, messageID string, index int, metadata map[string]any) (Step, error) {
	step := Step{
		ID:        NewStepID(),
		MessageID: messageID,
		Index:     index,
		Status:    StatusActive,
		Metadata:  metadata,
		StartedAt: time.Now(),
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return Step{}, fmt.Errorf("%w: marshal metadata: %v", ErrIntegrity, err)
	}

	err = withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := exists(ctx, tx, `SELECT 1 FROM messages WHERE id = ?`, messageID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO message_steps (id, message_id, step_index, status, metadata, started_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				step.ID, step.MessageID, step.Index, string(step.Status), string(meta),
				step.StartedAt.UnixMilli())
			return mapSQLiteErr(err)
		})
	})
	if err != nil {
		return Step{}, fmt.Errorf("create step: %w", err)
	}
	return step, nil
}

// ReplaceStepParts replaces a step's part list wholesale. Intermediate
// partial-JSON tool arguments are not meaningfully diffable, so this is a
// delete-then-reinsert inside one transaction: a reader never observes a
// half-written list.
func (s *SQLiteStore) ReplaceStepParts(ctx context.Context, stepID string, parts []Part) error {
	for i := range parts {
		if err := validatePart(&parts[i]); err != nil {
			return err
		}
	}
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := exists(ctx, tx, `SELECT 1 FROM message_steps WHERE id = ?`, stepID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM step_parts WHERE step_id = ?`, stepID); err != nil {
				return mapSQLiteErr(err)
			}
			for i := range parts {
				part := parts[i]
				part.StepID = stepID
				if part.ID == "" {
					part.ID = NewPartID()
				}

				if part.Kind == PartFile && len(part.FileData) > FileOffloadThreshold {
					// Offloaded content is frozen: INSERT OR IGNORE keeps the
					// first write even when the part list is replaced again.
					_, err := tx.ExecContext(ctx,
						`INSERT OR IGNORE INTO file_contents (step_id, ordering, file_name, media_type, data)
						 VALUES (?, ?, ?, ?, ?)`,
						stepID, part.Ordering, part.FileName, part.MediaType, part.FileData)
					if err != nil {
						return mapSQLiteErr(err)
					}
					part.Kind = PartFileRef
					part.FileRef = fmt.Sprintf("%s/%d", stepID, part.Ordering)
					part.FileData = nil
				}

				payload, err := json.Marshal(part)
				if err != nil {
					return fmt.Errorf("%w: marshal part: %v", ErrIntegrity, err)
				}
				_, err = tx.ExecContext(ctx,
					`INSERT INTO step_parts (id, step_id, ordering, kind, status, payload)
					 VALUES (?, ?, ?, ?, ?, ?)`,
					part.ID, stepID, part.Ordering, string(part.Kind), string(part.Status), string(payload))
				if err != nil {
					return mapSQLiteErr(err)
				}
			}
			return nil
		})
	})
}

// CompleteStep finalizes a step: terminal status, finish reason, timestamps
// and the usage row. A step whose usage was never reported still closes;
// message usage is always a computed sum, so a missing row cannot drift.
func (s *SQLiteStore) CompleteStep(ctx context.Context, stepID string, final CompleteStep) error {
	if !final.Status.Terminal() {
		return fmt.Errorf("%w: step status %q is not terminal", ErrIntegrity, final.Status)
	}
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var started int64
			err := tx.QueryRowContext(ctx,
				`SELECT started_at FROM message_steps WHERE id = ?`, stepID).Scan(&started)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return mapSQLiteErr(err)
			}

			now := time.Now()
			duration := now.UnixMilli() - started
			_, err = tx.ExecContext(ctx,
				`UPDATE message_steps
				 SET status = ?, finish_reason = ?, provider = ?, model = ?, ended_at = ?, duration_ms = ?
				 WHERE id = ?`,
				string(final.Status), final.FinishReason, final.Provider, final.Model,
				now.UnixMilli(), duration, stepID)
			if err != nil {
				return mapSQLiteErr(err)
			}

			if final.Usage != nil {
				_, err = tx.ExecContext(ctx,
					`INSERT INTO step_usage (step_id, input_tokens, output_tokens, cache_read, cache_write)
					 VALUES (?, ?, ?, ?, ?)
					 ON CONFLICT (step_id) DO UPDATE SET
						input_tokens = excluded.input_tokens,
						output_tokens = excluded.output_tokens,
						cache_read = excluded.cache_read,
						cache_write = excluded.cache_write`,
					stepID, final.Usage.InputTokens, final.Usage.OutputTokens,
					final.Usage.CacheRead, final.Usage.CacheWrite)
				if err != nil {
					return mapSQLiteErr(err)
				}
			}
			return nil
		})
	})
}

func (s *SQLiteStore) ListSteps(ctx context.Context, messageID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, step_index, provider, model, status, finish_reason, metadata,
		        started_at, ended_at, duration_ms
		 FROM message_steps WHERE message_id = ? ORDER BY step_index`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var meta string
		var started int64
		var ended, duration sql.NullInt64
		if err := rows.Scan(&st.ID, &st.MessageID, &st.Index, &st.Provider, &st.Model,
			&st.Status, &st.FinishReason, &meta, &started, &ended, &duration); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &st.Metadata); err != nil {
			return nil, fmt.Errorf("%w: step metadata: %v", ErrIntegrity, err)
		}
		st.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			st.EndedAt = time.UnixMilli(ended.Int64)
		}
		if duration.Valid {
			st.DurationMS = duration.Int64
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) ListParts(ctx context.Context, stepID string) ([]Part, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM step_parts WHERE step_id = ? ORDER BY ordering`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		var part Part
		if err := json.Unmarshal([]byte(payload), &part); err != nil {
			return nil, fmt.Errorf("%w: part payload: %v", ErrIntegrity, err)
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

func (s *SQLiteStore) StepUsage(ctx context.Context, stepID string) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT input_tokens, output_tokens, cache_read, cache_write
		 FROM step_usage WHERE step_id = ?`, stepID).
		Scan(&u.InputTokens, &u.OutputTokens, &u.CacheRead, &u.CacheWrite)
	if errors.Is(err, sql.ErrNoRows) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("step usage: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) MessageUsage(ctx context.Context, messageID string) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(u.input_tokens), 0), COALESCE(SUM(u.output_tokens), 0),
		        COALESCE(SUM(u.cache_read), 0), COALESCE(SUM(u.cache_write), 0)
		 FROM step_usage u
		 JOIN message_steps s ON s.id = u.step_id
		 WHERE s.message_id = ?`, messageID).
		Scan(&u.InputTokens, &u.OutputTokens, &u.CacheRead, &u.CacheWrite)
	if err != nil {
		return Usage{}, fmt.Errorf("message usage: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetFileContent(ctx context.Context, stepID string, ordering int) (FileContent, error) {
	fc := FileContent{StepID: stepID, Ordering: ordering}
	err := s.db.QueryRowContext(ctx,
		`SELECT file_name, media_type, data FROM file_contents WHERE step_id = ? AND ordering = ?`,
		stepID, ordering).
		Scan(&fc.FileName, &fc.MediaType, &fc.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return FileContent{}, ErrNotFound
	}
	if err != nil {
		return FileContent{}, fmt.Errorf("get file content: %w", err)
	}
	return fc, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(err)
	}
	return nil
}

func exists(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return mapSQLiteErr(err)
}

func validatePart(part *Part) error {
	switch part.Kind {
	case PartText, PartReasoning, PartTool, PartFile, PartFileRef, PartSystemMessage, PartError:
	default:
		return fmt.Errorf("%w: unknown part kind %q", ErrIntegrity, part.Kind)
	}
	switch part.Status {
	case StatusActive, StatusCompleted, StatusError, StatusAbort:
	default:
		return fmt.Errorf("%w: unknown part status %q", ErrIntegrity, part.Status)
	}
	return nil
}

// mapSQLiteErr folds constraint violations into ErrIntegrity so the retry
// layer never retries them.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_CONSTRAINT") || strings.Contains(msg, "constraint failed") {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return err
}
