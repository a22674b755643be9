package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	channel   TEXT NOT NULL,
	type      TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	sequence  INTEGER NOT NULL,
	payload   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_cursor ON events(channel, timestamp, sequence);
`

// SQLiteLog is a persistent Log backed by SQLite, with an in-process broker
// for live delivery. It is single-process by design: the spec'd deployment
// has exactly one writer per channel and any number of readers in the same
// service.
type SQLiteLog struct {
	db     *sql.DB
	broker *broker

	// mu makes (assign cursor, insert, deliver) atomic against
	// (snapshot, register subscriber). That single lock is the whole
	// replay/live seam argument.
	mu   sync.Mutex
	last map[string]Cursor
}

// OpenSQLite opens (and if necessary initializes) a SQLite-backed event log.
func OpenSQLite(path string) (*SQLiteLog, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(1000)"
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
	return &SQLiteLog{
		db:     db,
		broker: newBroker(),
		last:   make(map[string]Cursor),
	}, nil
}

func (l *SQLiteLog) Publish(ctx context.Context, channel, eventType string, payload any) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.last[channel]
	if !ok {
		// First publish after open: recover the high-water mark.
		prev, err = l.lastStoredCursor(ctx, channel)
		if err != nil {
			return Event{}, err
		}
	}
	cursor := nextCursor(prev, time.Now().UnixMilli())

	ev := Event{
		ID:        newEventID(),
		Channel:   channel,
		Type:      eventType,
		Timestamp: cursor.Timestamp,
		Sequence:  cursor.Sequence,
		Payload:   raw,
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (id, channel, type, timestamp, sequence, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Channel, ev.Type, ev.Timestamp, ev.Sequence, nullableString(raw))
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	l.last[channel] = cursor
	l.broker.deliver(ev)
	return ev, nil
}

func (l *SQLiteLog) Subscribe(ctx context.Context, channel string, opts SubscribeOptions) (<-chan Event, func(), error) {
	l.mu.Lock()
	var replay []Event
	if opts.ReplayLast > 0 {
		var err error
		replay, err = l.lastEvents(ctx, channel, opts.ReplayLast)
		if err != nil {
			l.mu.Unlock()
			return nil, nil, err
		}
	}
	sub, cancel := l.broker.subscribe(channel, replay)
	l.mu.Unlock()

	watchContext(ctx, cancel)
	return sub.out, cancel, nil
}

func (l *SQLiteLog) ReadFrom(ctx context.Context, channel string, after Cursor) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, channel, type, timestamp, sequence, payload
		 FROM events
		 WHERE channel = ? AND (timestamp > ? OR (timestamp = ? AND sequence > ?))
		 ORDER BY timestamp, sequence`,
		channel, after.Timestamp, after.Timestamp, after.Sequence)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// lastEvents returns the last n stored events for a channel in cursor order.
func (l *SQLiteLog) lastEvents(ctx context.Context, channel string, n int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, channel, type, timestamp, sequence, payload
		 FROM events WHERE channel = ?
		 ORDER BY timestamp DESC, sequence DESC LIMIT ?`, channel, n)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (l *SQLiteLog) lastStoredCursor(ctx context.Context, channel string) (Cursor, error) {
	var c Cursor
	err := l.db.QueryRowContext(ctx,
		`SELECT timestamp, sequence FROM events WHERE channel = ?
		 ORDER BY timestamp DESC, sequence DESC LIMIT 1`, channel).
		Scan(&c.Timestamp, &c.Sequence)
	if err == sql.ErrNoRows {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("last cursor: %w", err)
	}
	return c, nil
}

func (l *SQLiteLog) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (l *SQLiteLog) Close() error {
	l.broker.closeAll()
	return l.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Channel, &ev.Type, &ev.Timestamp, &ev.Sequence, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullableString(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
