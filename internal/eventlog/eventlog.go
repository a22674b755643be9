// Package eventlog is an append-only, per-channel, cursor-ordered record of
// everything that happened. It lets any number of clients observe the same
// session consistently: a late subscriber replays history and joins the live
// feed with no duplicate and no gap, and a reconnecting client resumes from
// its last cursor. Events are write-once; the only deletion path is
// time-based retention.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one record of the log.
type Event struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Sequence  int64           `json:"sequence"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Cursor returns the event's position within its channel.
func (e Event) Cursor() Cursor {
	return Cursor{Timestamp: e.Timestamp, Sequence: e.Sequence}
}

// Cursor totally orders events within one channel. Sequence disambiguates
// events published in the same millisecond.
type Cursor struct {
	Timestamp int64 `json:"timestamp"`
	Sequence  int64 `json:"sequence"`
}

// After reports whether c is strictly after o.
func (c Cursor) After(o Cursor) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp > o.Timestamp
	}
	return c.Sequence > o.Sequence
}

// String encodes the cursor as "timestamp-sequence", the form used in SSE
// event IDs.
func (c Cursor) String() string {
	return fmt.Sprintf("%d-%d", c.Timestamp, c.Sequence)
}

// ParseCursor decodes a cursor produced by String.
func ParseCursor(s string) (Cursor, error) {
	i := strings.LastIndex(s, "-")
	if i <= 0 {
		return Cursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	ts, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	seq, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	return Cursor{Timestamp: ts, Sequence: seq}, nil
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// ReplayLast replays the last N stored events for the channel before
	// switching to live delivery.
	ReplayLast int
}

// Log is the append-only event log.
type Log interface {
	// Publish appends a payload to the channel, assigning the next cursor.
	Publish(ctx context.Context, channel, eventType string, payload any) (Event, error)

	// Subscribe returns a stream of events for the channel and a cancel
	// function. Replayed events are delivered first, then live events,
	// with no duplicate and no gap between them. The channel is closed
	// after cancel is called or ctx is done.
	Subscribe(ctx context.Context, channel string, opts SubscribeOptions) (<-chan Event, func(), error)

	// ReadFrom returns all stored events for the channel strictly after
	// the given cursor, in cursor order. Use the zero Cursor to read from
	// the beginning.
	ReadFrom(ctx context.Context, channel string, after Cursor) ([]Event, error)

	// Sweep deletes events older than the retention window. It is the
	// only mutation of published history.
	Sweep(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}

// nextCursor computes the cursor following prev for an event published now.
// The result is strictly increasing even when the wall clock stalls or steps
// backward within a channel.
func nextCursor(prev Cursor, now int64) Cursor {
	if now > prev.Timestamp {
		return Cursor{Timestamp: now, Sequence: 0}
	}
	return Cursor{Timestamp: prev.Timestamp, Sequence: prev.Sequence + 1}
}

func newEventID() string {
	return "evt_" + ulid.Make().String()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
