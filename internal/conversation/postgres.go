package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	agent      TEXT NOT NULL DEFAULT '',
	flags      JSONB NOT NULL DEFAULT '{}',
	todos      JSONB NOT NULL DEFAULT '[]',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at BIGINT NOT NULL
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
	metadata      JSONB NOT NULL DEFAULT '{}',
	started_at    BIGINT NOT NULL,
	ended_at      BIGINT,
	duration_ms   BIGINT
);
CREATE INDEX IF NOT EXISTS idx_steps_message ON message_steps(message_id, step_index);

CREATE TABLE IF NOT EXISTS step_parts (
	id       TEXT PRIMARY KEY,
	step_id  TEXT NOT NULL REFERENCES message_steps(id),
	ordering INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	status   TEXT NOT NULL,
	payload  JSONB NOT NULL DEFAULT '{}',
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
	data       BYTEA NOT NULL,
	PRIMARY KEY (step_id, ordering)
);
`

// PostgresStore implements Store on PostgreSQL via pgx. It exists for
// deployments that outgrow a local SQLite file; the operational contract is
// identical.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the given DSN and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) (Session, error) {
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
		_, err := s.pool.Exec(ctx,
			`INSERT INTO sessions (id, title, model, agent, flags, todos, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sess.ID, sess.Title, sess.Model, sess.Agent, flags, todos,
			now.UnixMilli(), now.UnixMilli())
		return mapPostgresErr(err)
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, model, agent, flags, todos, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	return scanPostgresSession(row)
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, model, agent, flags, todos, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanPostgresSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanPostgresSession(row pgx.Row) (Session, error) {
	var sess Session
	var flags, todos []byte
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.Agent, &flags, &todos, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal(flags, &sess.Flags); err != nil {
		return Session{}, fmt.Errorf("%w: flags payload: %v", ErrIntegrity, err)
	}
	if err := json.Unmarshal(todos, &sess.Todos); err != nil {
		return Session{}, fmt.Errorf("%w: todos payload: %v", ErrIntegrity, err)
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(updated)
	return sess, nil
}

func (s *PostgresStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return s.updateSession(ctx, id, `UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3`, title)
}

func (s *PostgresStore) UpdateSessionFlags(ctx context.Context, id string, flags map[string]bool) error {
	data, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("%w: marshal flags: %v", ErrIntegrity, err)
	}
	return s.updateSession(ctx, id, `UPDATE sessions SET flags = $1, updated_at = $2 WHERE id = $3`, data)
}

func (s *PostgresStore) SetTodos(ctx context.Context, id string, todos []Todo) error {
	data, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("%w: marshal todos: %v", ErrIntegrity, err)
	}
	return s.updateSession(ctx, id, `UPDATE sessions SET todos = $1, updated_at = $2 WHERE id = $3`, data)
}

func (s *PostgresStore) updateSession(ctx context.Context, id, query string, value any) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, query, value, time.Now().UnixMilli(), id)
		if err != nil {
			return mapPostgresErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) AddMessage(ctx context.Context, sessionID string, role Role) (Message, error) {
	msg := Message{
		ID:        NewMessageID(),
		SessionID: sessionID,
		Role:      role,
		Status:    StatusActive,
		CreatedAt: time.Now(),
	}
	err := withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if err := pgExists(ctx, tx, `SELECT 1 FROM sessions WHERE id = $1`, sessionID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO messages (id, session_id, role, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
				msg.ID, msg.SessionID, string(msg.Role), string(msg.Status), msg.CreatedAt.UnixMilli())
			return mapPostgresErr(err)
		})
	})
	if err != nil {
		return Message{}, fmt.Errorf("add message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, status Status) error {
	return withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE messages SET status = $1 WHERE id = $2`, string(status), id)
		if err != nil {
			return mapPostgresErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, status, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
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

func (s *PostgresStore) CreateStep(ctx context.Context, messageID string, index int, metadata map[string]any) (Step, error) {
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
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if err := pgExists(ctx, tx, `SELECT 1 FROM messages WHERE id = $1`, messageID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO message_steps (id, message_id, step_index, status, metadata, started_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				step.ID, step.MessageID, step.Index, string(step.Status), meta,
				step.StartedAt.UnixMilli())
			return mapPostgresErr(err)
		})
	})
	if err != nil {
		return Step{}, fmt.Errorf("create step: %w", err)
	}
	return step, nil
}

func (s *PostgresStore) ReplaceStepParts(ctx context.Context, stepID string, parts []Part) error {
	for i := range parts {
		if err := validatePart(&parts[i]); err != nil {
			return err
		}
	}
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if err := pgExists(ctx, tx, `SELECT 1 FROM message_steps WHERE id = $1`, stepID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM step_parts WHERE step_id = $1`, stepID); err != nil {
				return mapPostgresErr(err)
			}
			for i := range parts {
				part := parts[i]
				part.StepID = stepID
				if part.ID == "" {
					part.ID = NewPartID()
				}

				if part.Kind == PartFile && len(part.FileData) > FileOffloadThreshold {
					_, err := tx.Exec(ctx,
						`INSERT INTO file_contents (step_id, ordering, file_name, media_type, data)
						 VALUES ($1, $2, $3, $4, $5)
						 ON CONFLICT (step_id, ordering) DO NOTHING`,
						stepID, part.Ordering, part.FileName, part.MediaType, part.FileData)
					if err != nil {
						return mapPostgresErr(err)
					}
					part.Kind = PartFileRef
					part.FileRef = fmt.Sprintf("%s/%d", stepID, part.Ordering)
					part.FileData = nil
				}

				payload, err := json.Marshal(part)
				if err != nil {
					return fmt.Errorf("%w: marshal part: %v", ErrIntegrity, err)
				}
				_, err = tx.Exec(ctx,
					`INSERT INTO step_parts (id, step_id, ordering, kind, status, payload)
					 VALUES ($1, $2, $3, $4, $5, $6)`,
					part.ID, stepID, part.Ordering, string(part.Kind), string(part.Status), payload)
				if err != nil {
					return mapPostgresErr(err)
				}
			}
			return nil
		})
	})
}

func (s *PostgresStore) CompleteStep(ctx context.Context, stepID string, final CompleteStep) error {
	if !final.Status.Terminal() {
		return fmt.Errorf("%w: step status %q is not terminal", ErrIntegrity, final.Status)
	}
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			var started int64
			err := tx.QueryRow(ctx,
				`SELECT started_at FROM message_steps WHERE id = $1`, stepID).Scan(&started)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return mapPostgresErr(err)
			}

			now := time.Now()
			_, err = tx.Exec(ctx,
				`UPDATE message_steps
				 SET status = $1, finish_reason = $2, provider = $3, model = $4, ended_at = $5, duration_ms = $6
				 WHERE id = $7`,
				string(final.Status), final.FinishReason, final.Provider, final.Model,
				now.UnixMilli(), now.UnixMilli()-started, stepID)
			if err != nil {
				return mapPostgresErr(err)
			}

			if final.Usage != nil {
				_, err = tx.Exec(ctx,
					`INSERT INTO step_usage (step_id, input_tokens, output_tokens, cache_read, cache_write)
					 VALUES ($1, $2, $3, $4, $5)
					 ON CONFLICT (step_id) DO UPDATE SET
						input_tokens = EXCLUDED.input_tokens,
						output_tokens = EXCLUDED.output_tokens,
						cache_read = EXCLUDED.cache_read,
						cache_write = EXCLUDED.cache_write`,
					stepID, final.Usage.InputTokens, final.Usage.OutputTokens,
					final.Usage.CacheRead, final.Usage.CacheWrite)
				if err != nil {
					return mapPostgresErr(err)
				}
			}
			return nil
		})
	})
}

func (s *PostgresStore) ListSteps(ctx context.Context, messageID string) ([]Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, step_index, provider, model, status, finish_reason, metadata,
		        started_at, ended_at, duration_ms
		 FROM message_steps WHERE message_id = $1 ORDER BY step_index`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var meta []byte
		var started int64
		var ended, duration *int64
		if err := rows.Scan(&st.ID, &st.MessageID, &st.Index, &st.Provider, &st.Model,
			&st.Status, &st.FinishReason, &meta, &started, &ended, &duration); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal(meta, &st.Metadata); err != nil {
			return nil, fmt.Errorf("%w: step metadata: %v", ErrIntegrity, err)
		}
		st.StartedAt = time.UnixMilli(started)
		if ended != nil {
			st.EndedAt = time.UnixMilli(*ended)
		}
		if duration != nil {
			st.DurationMS = *duration
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) ListParts(ctx context.Context, stepID string) ([]Part, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM step_parts WHERE step_id = $1 ORDER BY ordering`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		var part Part
		if err := json.Unmarshal(payload, &part); err != nil {
			return nil, fmt.Errorf("%w: part payload: %v", ErrIntegrity, err)
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

func (s *PostgresStore) StepUsage(ctx context.Context, stepID string) (Usage, error) {
	var u Usage
	err := s.pool.QueryRow(ctx,
		`SELECT input_tokens, output_tokens, cache_read, cache_write
		 FROM step_usage WHERE step_id = $1`, stepID).
		Scan(&u.InputTokens, &u.OutputTokens, &u.CacheRead, &u.CacheWrite)
	if errors.Is(err, pgx.ErrNoRows) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("step usage: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) MessageUsage(ctx context.Context, messageID string) (Usage, error) {
	var u Usage
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(u.input_tokens), 0), COALESCE(SUM(u.output_tokens), 0),
		        COALESCE(SUM(u.cache_read), 0), COALESCE(SUM(u.cache_write), 0)
		 FROM step_usage u
		 JOIN message_steps s ON s.id = u.step_id
		 WHERE s.message_id = $1`, messageID).
		Scan(&u.InputTokens, &u.OutputTokens, &u.CacheRead, &u.CacheWrite)
	if err != nil {
		return Usage{}, fmt.Errorf("message usage: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetFileContent(ctx context.Context, stepID string, ordering int) (FileContent, error) {
	fc := FileContent{StepID: stepID, Ordering: ordering}
	err := s.pool.QueryRow(ctx,
		`SELECT file_name, media_type, data FROM file_contents WHERE step_id = $1 AND ordering = $2`,
		stepID, ordering).
		Scan(&fc.FileName, &fc.MediaType, &fc.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return FileContent{}, ErrNotFound
	}
	if err != nil {
		return FileContent{}, fmt.Errorf("get file content: %w", err)
	}
	return fc, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPostgresErr(err)
	}
	return nil
}

func pgExists(ctx context.Context, tx pgx.Tx, query string, args ...any) error {
	var one int
	err := tx.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return mapPostgresErr(err)
}

// mapPostgresErr folds constraint violations (SQLSTATE class 23) into
// ErrIntegrity. Serialization failures and deadlocks keep their SQLSTATE in
// the message so the retry layer recognizes them.
func mapPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("SQLSTATE %s: %w", pgErr.Code, err)
		}
	}
	return err
}
